package log

import (
	"fmt"
	"strings"
)

// Logger is the set of sinks handed to components and operations.
type Logger interface {
	Trace(args ...interface{})
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// Returns a logger that prefixes every line with the given key/value pairs
	// in addition to the ones already bound to this logger.
	With(keyvals ...interface{}) Logger
}

type fieldLogger struct {
	prefix string
}

// Returns a logger writing to the package sinks.
// Arguments are key/value pairs rendered as "key=value" in front of every line.
func With(keyvals ...interface{}) Logger {
	return (&fieldLogger{}).With(keyvals...)
}

// Returns the package sinks as a Logger without any bound fields.
func Default() Logger {
	return &fieldLogger{}
}

func (l *fieldLogger) With(keyvals ...interface{}) Logger {
	parts := []string{}
	if l.prefix != "" {
		parts = append(parts, l.prefix)
	}
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 < len(keyvals) {
			parts = append(parts, fmt.Sprintf("%v=%v", keyvals[i], keyvals[i+1]))
		} else {
			parts = append(parts, fmt.Sprintf("%v=?", keyvals[i]))
		}
	}
	return &fieldLogger{prefix: strings.Join(parts, " ")}
}

func (l *fieldLogger) args(args []interface{}) []interface{} {
	if l.prefix == "" {
		return args
	}
	return append([]interface{}{"[" + l.prefix + "]"}, args...)
}

func (l *fieldLogger) format(format string) string {
	if l.prefix == "" {
		return format
	}
	return "[" + strings.ReplaceAll(l.prefix, "%", "%%") + "] " + format
}

func (l *fieldLogger) Trace(args ...interface{}) { Trace(l.args(args)...) }
func (l *fieldLogger) Debug(args ...interface{}) { Debug(l.args(args)...) }
func (l *fieldLogger) Info(args ...interface{})  { Info(l.args(args)...) }
func (l *fieldLogger) Warn(args ...interface{})  { Warn(l.args(args)...) }
func (l *fieldLogger) Error(args ...interface{}) { Error(l.args(args)...) }

func (l *fieldLogger) Tracef(format string, args ...interface{}) { Tracef(l.format(format), args...) }
func (l *fieldLogger) Debugf(format string, args ...interface{}) { Debugf(l.format(format), args...) }
func (l *fieldLogger) Infof(format string, args ...interface{})  { Infof(l.format(format), args...) }
func (l *fieldLogger) Warnf(format string, args ...interface{})  { Warnf(l.format(format), args...) }
func (l *fieldLogger) Errorf(format string, args ...interface{}) { Errorf(l.format(format), args...) }
