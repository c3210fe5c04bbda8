//go:build prefork_debug

package prefork

// debugBuild makes children treat reconfigure as terminate.
const debugBuild = true
