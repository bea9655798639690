package prefixlog

import "github.com/cyclopcam/logs"

// Logger writes to the underlying log, but all messages are prefixed with a string of your choice
type Logger struct {
	Log    logs.Log
	Prefix string
}

// Create a new prefix Logger. A space is appended to prefix.
func New(log logs.Log, prefix string) *Logger {
	return NewNoSpace(log, prefix+" ")
}

// Create a new prefix Logger, but don't add a space onto 'prefix'
func NewNoSpace(log logs.Log, prefix string) *Logger {
	// Flatten nested prefixes, so that a component that wraps an already-prefixed log
	// doesn't add an extra level of indirection per message.
	if inner, ok := log.(*Logger); ok {
		return &Logger{
			Log:    inner.Log,
			Prefix: inner.Prefix + prefix,
		}
	}
	return &Logger{
		Log:    log,
		Prefix: prefix,
	}
}

func (l *Logger) Close() {
	l.Log.Close()
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.Log.Debugf(l.Prefix+format, a...)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.Log.Infof(l.Prefix+format, a...)
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	l.Log.Warnf(l.Prefix+format, a...)
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.Log.Errorf(l.Prefix+format, a...)
}

func (l *Logger) Criticalf(format string, a ...interface{}) {
	l.Log.Criticalf(l.Prefix+format, a...)
}
