// Package logger provides the structured logger shared by every component of
// the data layer. It is a thin wrapper around logrus that pins a component
// name on every entry.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls logger construction.
type Config struct {
	// Level is one of trace, debug, info, warn, error. Defaults to info.
	Level string
	// Format is "json" or "text". Defaults to text.
	Format string
	// Component is attached to every entry as the "component" field.
	Component string
	// Output defaults to stderr.
	Output io.Writer
}

// Logger is a component-scoped logrus entry.
type Logger struct {
	*logrus.Entry
}

// New creates a logger from cfg.
func New(cfg Config) *Logger {
	base := logrus.New()

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	base.SetOutput(out)

	if strings.EqualFold(cfg.Format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	entry := logrus.NewEntry(base)
	if cfg.Component != "" {
		entry = entry.WithField("component", cfg.Component)
	}
	return &Logger{Entry: entry}
}

// NewDefault creates an info-level text logger for component.
func NewDefault(component string) *Logger {
	return New(Config{Component: component})
}

// Named returns a child logger that reports under a different component name
// while sharing the parent's output, level and formatter.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Entry: l.Entry.WithField("component", component)}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return New(Config{Output: io.Discard, Level: "panic"})
}

// OrDefault returns l, or a default logger for component when l is nil.
func OrDefault(l *Logger, component string) *Logger {
	if l != nil {
		return l.Named(component)
	}
	return NewDefault(component)
}
