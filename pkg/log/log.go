// Package log wraps logrus with a Fielder convention so that configuration
// structs and domain types can describe themselves to the logger.
package log

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

var (
	l     = logrus.New()
	debug = false
)

// SetDebug enables debug-level output.
func SetDebug(to bool) {
	debug = to
	l.Level = logrus.DebugLevel
}

// SetFormatter replaces the formatter of the underlying logger.
func SetFormatter(to logrus.Formatter) {
	l.Formatter = to
}

// SetOutput redirects log output.
func SetOutput(to io.Writer) {
	l.Out = to
}

// Fields is a set of named values attached to a log line.
type Fields map[string]interface{}

// LogFields implements Fielder for a plain set of Fields.
func (f Fields) LogFields() Fields {
	return f
}

// A Fielder describes itself as a set of log fields.
type Fielder interface {
	LogFields() Fields
}

type errFields struct {
	e error
}

func (e errFields) LogFields() Fields {
	return Fields{
		"error": e.e.Error(),
		"type":  fmt.Sprintf("%T", e.e),
	}
}

// Err makes an error loggable as fields.
func Err(e error) Fielder {
	return errFields{e}
}

// merge flattens fielders into a single logrus field set. Later fielders
// overwrite earlier ones on key collisions.
func merge(fielders []Fielder) logrus.Fields {
	merged := logrus.Fields{}
	for _, f := range fielders {
		if f == nil {
			continue
		}
		for k, v := range f.LogFields() {
			merged[k] = v
		}
	}

	return merged
}

func logAt(level logrus.Level, v interface{}, fielders []Fielder) {
	if len(fielders) != 0 {
		l.WithFields(merge(fielders)).Log(level, v)
	} else {
		l.Log(level, v)
	}
}

// Debug logs at the debug level if debug logging is enabled.
func Debug(v interface{}, fielders ...Fielder) {
	if debug {
		logAt(logrus.DebugLevel, v, fielders)
	}
}

// Info logs at the info level.
func Info(v interface{}, fielders ...Fielder) {
	logAt(logrus.InfoLevel, v, fielders)
}

// Warn logs at the warning level.
func Warn(v interface{}, fielders ...Fielder) {
	logAt(logrus.WarnLevel, v, fielders)
}

// Error logs at the error level.
func Error(v interface{}, fielders ...Fielder) {
	logAt(logrus.ErrorLevel, v, fielders)
}

// Fatal logs at the fatal level and exits with a non-zero status code.
func Fatal(v interface{}, fielders ...Fielder) {
	if len(fielders) != 0 {
		l.WithFields(merge(fielders)).Fatal(v)
	} else {
		l.Fatal(v)
	}
}
