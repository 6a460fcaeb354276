// Package logger provides the structured logger shared by the bridge, the
// node and the command line tools. It is a thin wrapper around logrus that
// tags every entry with the component that produced it.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls logger construction.
type Config struct {
	Level  string // trace|debug|info|warn|error
	Format string // text|json
	Output io.Writer
}

// Logger wraps a logrus logger bound to a component name.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a logger for the given component.
func New(component string, cfg Config) *Logger {
	l := logrus.New()
	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{Logger: l, component: component}
}

// NewDefault creates an info-level text logger.
func NewDefault(component string) *Logger {
	return New(component, Config{})
}

// Component returns the component name.
func (l *Logger) Component() string { return l.component }

// Named returns a logger for a sub-component sharing the same output,
// level and formatter.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: l.component + "." + component}
}

// WithField returns an entry tagged with the component and the given field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.entry().WithField(key, value)
}

// WithFields returns an entry tagged with the component and the given fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.entry().WithFields(logrus.Fields(fields))
}

// WithError returns an entry tagged with the component and the error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.entry().WithError(err)
}

func (l *Logger) entry() *logrus.Entry {
	return l.Logger.WithField("component", l.component)
}
