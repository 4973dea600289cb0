// Package logger configures the global zerolog logger used throughout the
// agent.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls logger construction.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // console-writer pretty-printing for local development
}

// New builds a zerolog.Logger from Config.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writer io.Writer = os.Stdout
	if cfg.Pretty {
		writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Caller().
		Logger()

	return logger
}

// SetGlobalLogger installs logger as zerolog's package-level default,
// so packages that haven't been handed a scoped logger still emit in the
// same format.
func SetGlobalLogger(logger zerolog.Logger) {
	zerolog.DefaultContextLogger = &logger
	log.Logger = logger
}
