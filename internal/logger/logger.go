// Package logger wraps logrus with the small level-oriented API the rest of
// the core calls through, so call sites never import logrus directly.
package logger

import (
	"github.com/sirupsen/logrus"
)

// Logger is the call-through surface every package that logs depends on.
type Logger interface {
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warningln(args ...interface{})
	Warningf(format string, args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New returns a Logger at the given level ("debug", "info", "warning", "error").
func New(level string) Logger {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debugln(args ...interface{})                 { l.entry.Debugln(args...) }
func (l *logrusLogger) Debugf(format string, args ...interface{})   { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infoln(args ...interface{})                  { l.entry.Infoln(args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})    { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warningln(args ...interface{})               { l.entry.Warnln(args...) }
func (l *logrusLogger) Warningf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorln(args ...interface{})                 { l.entry.Errorln(args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{})   { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}
