// Package proto encapsulates the environment contract between a prefork
// process and the children it re-executes: which role a child plays, and
// which of its descriptors are inherited listening sockets.
//
// Inherited sockets are named by a single environment variable whose value is
// a semicolon-terminated list of decimal descriptor numbers, e.g. "3;4;5;".
// The list is positional: the spawner passes the sockets as descriptors
// FirstInheritedFd, FirstInheritedFd+1, ... and names them in the same order.
//
// A replacement binary started by the change-binary handshake may be a
// different build of the program, so this encoding must not change. Decoding
// is deliberately lenient about a missing trailing separator, since older
// launchers (and humans debugging with env(1)) write "3;4".
package proto
