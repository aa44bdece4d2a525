package logflags

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Fields are key/value pairs attached to every message of a Logger.
type Fields map[string]interface{}

// Logger is what the coredump, symbols and minidump layers log through.
// The default implementation is a logrus entry carrying the layer name.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Printf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debug(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// LoggerFactory builds the Logger of a layer. out is nil unless --log-dest
// was given.
type LoggerFactory func(level logrus.Level, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory replaces the logrus based default for every Logger
// created afterwards. Passing nil restores the default.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{l.Entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{l.Entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{l.Entry.WithError(err)}
}
