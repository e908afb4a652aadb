// Package common provides the shared plumbing used across the autorunner hub:
// structured logging, atomic file updates, advisory file locks, and small
// identifier helpers. Every component that touches a shared file on disk goes
// through this package so that crash-safety guarantees live in one place.
package common

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes error-level log lines to stderr and everything else
// to stdout so that worker logs can be captured per stream.
type OutputSplitter struct{}

// Write inspects the rendered log line and picks the output stream.
func (s *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// LoggerConfig contains configuration for creating a logger.
type LoggerConfig struct {
	Level     string // debug, info, warn, error
	Format    string // "json" or "text"
	Component string // component name; NewLogger does not attach it (ComponentLogger tags entries)
}

// DefaultLoggerConfig returns a logger config with sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{Level: "info", Format: "text"}
}

// NewLogger creates a configured logrus logger with split output streams.
func NewLogger(config LoggerConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(&OutputSplitter{})

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}
	return logger
}

// ComponentLogger returns an entry pre-tagged with a component field.
func ComponentLogger(logger *logrus.Logger, component string) *logrus.Entry {
	if logger == nil {
		logger = Logger
	}
	return logger.WithField("component", component)
}

// Logger is the global logger used when a component is not handed an
// explicit one. Services should prefer injected loggers.
var Logger = NewLogger(DefaultLoggerConfig())
