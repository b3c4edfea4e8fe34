// Package progress provides buffered fan-out of harvest lifecycle events to
// pluggable sinks (logs, metrics, message topics).
package progress
