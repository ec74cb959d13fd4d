//go:build trace
// +build trace

package build

// LogLevel specifies a trace log level.
var LogLevel = "trace"
