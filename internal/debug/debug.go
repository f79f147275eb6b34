// Package debug provides opt-in diagnostic logging for pgmove.
// Output is disabled unless PGMOVE_DEBUG is set. When PGMOVE_DEBUG_LOG names a
// file, messages go to a size-rotated log there instead of stderr, so long
// migration runs can be audited after the fact.
package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	once   sync.Once
	logger *log.Logger
)

// get resolves the sink lazily so env vars set before first use are honored.
func get() *log.Logger {
	once.Do(func() {
		if os.Getenv("PGMOVE_DEBUG") == "" {
			logger = log.New(io.Discard, "", 0)
			return
		}
		var w io.Writer = os.Stderr
		if path := os.Getenv("PGMOVE_DEBUG_LOG"); path != "" {
			w = &lumberjack.Logger{
				Filename:   path,
				MaxSize:    10, // MB
				MaxBackups: 3,
			}
		}
		logger = log.New(w, "pgmove: ", log.LstdFlags|log.Lmicroseconds)
	})
	return logger
}

// Logf writes a debug message when debugging is enabled.
func Logf(format string, args ...interface{}) {
	get().Output(2, fmt.Sprintf(format, args...)) //nolint:errcheck
}

// Enabled reports whether debug logging is active.
func Enabled() bool {
	return os.Getenv("PGMOVE_DEBUG") != ""
}
