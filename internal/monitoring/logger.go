package monitoring

import (
	"log"
	"sync/atomic"
)

type logFunc func(format string, v ...interface{})

var current atomic.Pointer[logFunc]

func init() {
	SetLogger(log.Printf)
}

// Logf is the package-level diagnostic logger shared by the pipeline stages.
// It defaults to log.Printf but may be replaced by SetLogger. Tests or
// production code can redirect or mute it.
func Logf(format string, v ...interface{}) {
	(*current.Load())(format, v...)
}

// Warnf logs a configuration or runtime condition that is tolerated but worth
// an operator's attention.
func Warnf(format string, v ...interface{}) {
	Logf("warning: "+format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
// Safe to call while other goroutines are logging.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	lf := logFunc(f)
	current.Store(&lf)
}
