//go:build !prefork_debug

package prefork

const debugBuild = false
