// Package log defines the logger interface injected into BridgeCore and
// its subsystems. Default is a no-op logger; callers wire in a logrus
// entry for structured output.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the minimal leveled-logging surface the bridge depends on.
// Its leveled methods match logrus's; WithField returns a Logger, so a
// logrus logger is wrapped by the adapter below (NewLogrus).
type Logger interface {
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	// WithField returns a Logger that tags every subsequent line, used to
	// scope log output to a peer id or task id.
	WithField(key string, value interface{}) Logger
}

// NewLogrus wraps a *logrus.Logger (or nil for a sensible default) behind
// the Logger interface.
func NewLogrus(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.New()
	}
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

type logrusLogger struct {
	entry *logrus.Entry
}

func (l *logrusLogger) Info(args ...interface{})                  { l.entry.Info(args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warn(args ...interface{})                  { l.entry.Warn(args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *logrusLogger) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

// Noop is the default logger used when none is injected, per the
// "global module-level logger" redesign note: the core never reaches for
// a package-level logger, it falls back to this silent implementation.
var Noop Logger = noopLogger{}

type noopLogger struct{}

func (noopLogger) Info(args ...interface{})                  {}
func (noopLogger) Infof(format string, args ...interface{})  {}
func (noopLogger) Warn(args ...interface{})                  {}
func (noopLogger) Warnf(format string, args ...interface{})  {}
func (noopLogger) Error(args ...interface{})                 {}
func (noopLogger) Errorf(format string, args ...interface{}) {}
func (noopLogger) Debug(args ...interface{})                 {}
func (noopLogger) Debugf(format string, args ...interface{}) {}
func (noopLogger) WithField(key string, value interface{}) Logger {
	return noopLogger{}
}

// NewText is a convenience constructor for a logrus text logger writing
// to w at the given level, used by cmd/bridge.
func NewText(w io.Writer, level logrus.Level) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	return NewLogrus(l)
}
