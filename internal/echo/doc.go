// Package echo contains the servers preforkd runs in its processes: an echo
// server for the workers and a heartbeat loop for the helper and custom
// roles. They exist to exercise the process tree end to end.
package echo
