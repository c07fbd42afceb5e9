//go:build !stdlog && !nolog
// +build !stdlog,!nolog

package build

import "os"

// LoggingType is a log type that writes to stderr, the stream reserved for
// diagnostics by the command line tools.
const LoggingType = LogTypeDefault

// Write writes the provided byte slice to stderr.
func (w *LogWriter) Write(b []byte) (int, error) {
	return os.Stderr.Write(b)
}
