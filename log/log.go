// Package log defines the logger used across the module.
// The default implementation is backed by logrus.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

type Logger interface {
	Infof(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// WithField returns a logger that attaches key=value to every entry
	WithField(key string, value interface{}) Logger
	WithError(err error) Logger
}

type entryLogger struct {
	entry *logrus.Entry
}

var _ Logger = entryLogger{}

// New wraps a logrus logger
func New(l *logrus.Logger) Logger {
	return entryLogger{entry: logrus.NewEntry(l)}
}

// Discard returns a logger that drops everything
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return New(l)
}

// NewFile creates a text logger writing to w at the given level.
// An unknown level falls back to info.
func NewFile(w io.Writer, level string) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return New(l)
}

func (l entryLogger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l entryLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l entryLogger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l entryLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l entryLogger) WithField(key string, value interface{}) Logger {
	return entryLogger{entry: l.entry.WithField(key, value)}
}

func (l entryLogger) WithError(err error) Logger {
	return entryLogger{entry: l.entry.WithError(err)}
}
