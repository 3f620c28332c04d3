package utils

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the logger shared by all envcore steps.
var Log zerolog.Logger

var logFile *os.File

// CloseLogFiles closes the extra log file if SetLogger opened one.
func CloseLogFiles() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

// SetLogger configures the shared logger. Debug level comes from the
// ENVCORE_DEBUG env var; ENVCORE_LOG_FILE adds a plain file writer next to
// the console one.
func SetLogger() {
	var loggers []io.Writer

	if path := os.Getenv("ENVCORE_LOG_FILE"); path != "" {
		f, err := os.Create(path)
		if err == nil {
			logFile = f
			loggers = append(loggers, zerolog.ConsoleWriter{Out: f, TimeFormat: time.RFC3339, NoColor: true})
		}
	}
	loggers = append(loggers, zerolog.ConsoleWriter{Out: os.Stderr})

	multi := zerolog.MultiLevelWriter(loggers...)

	if os.Getenv("ENVCORE_DEBUG") != "" {
		Log = zerolog.New(multi).With().Timestamp().Caller().Logger().Level(zerolog.DebugLevel)
	} else {
		Log = zerolog.New(multi).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	}
}
