package lwm2mcore

import "github.com/sirupsen/logrus"

// Logger is an interface which can be satisfied to print debug logging when
// things go wrong. It is entirely optional, in which case errors are
// silent.
type Logger interface {
	Printf(format string, v ...interface{})
}

// nopLogger silently discards all log lines. Used whenever the application
// does not supply a Logger.
type nopLogger struct{}

func (nopLogger) Printf(format string, v ...interface{}) {}

// logrusLogger adapts a *logrus.Logger to the Logger interface.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps l (or logrus.StandardLogger() if l is nil) as a
// Logger. This is the reference Logger implementation; Core and every
// engine only ever depend on the Logger interface.
func NewLogrusLogger(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Printf(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

func logf(l Logger, format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.Printf(format, v...)
}
