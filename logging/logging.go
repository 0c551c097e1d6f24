// Package logging configures the process-wide zerolog logger from a
// config.LoggingConfig and hands out component-scoped child loggers.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tskv/config"
)

// Init configures the global zerolog logger and returns it. Call once at
// process startup before any other package logs.
func Init(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	log.Logger = logger
	return logger
}

// Component returns a child logger tagged with the given component name,
// e.g. logging.Component("database") or logging.Component("memoryengine").
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
