// Package logging provides the small bracket-prefixed logger used across the
// daemon. It mirrors the debug-gated fmt.Printf idiom the rest of the stack
// uses (internal/config, internal/broker) instead of pulling in a structured
// logging library the teacher repo never reaches for itself.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Logger prints component-prefixed lines to stderr. Debugf is a no-op unless
// Debug is true; Infof/Warnf/Errorf always print.
type Logger struct {
	component string
	Debug     bool
	out       *log.Logger
}

// New creates a Logger tagging every line with "[component]".
func New(component string, debug bool) *Logger {
	return &Logger{
		component: component,
		Debug:     debug,
		out:       log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) prefix() string {
	return "[" + l.component + "] "
}

// Debugf logs only when l.Debug is set.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.Debug {
		return
	}
	l.out.Printf(l.prefix()+format, args...)
}

// Infof always logs.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.out.Printf(l.prefix()+format, args...)
}

// Warnf always logs, tagged WARN.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.out.Printf(l.prefix()+"WARN: "+format, args...)
}

// Errorf always logs, tagged ERROR.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.out.Printf(l.prefix()+"ERROR: "+format, args...)
}

// With returns a child logger for a sub-component, e.g. "router.shadow".
func (l *Logger) With(sub string) *Logger {
	return &Logger{component: l.component + "." + sub, Debug: l.Debug, out: l.out}
}

// Sub is a convenience alias kept for call sites that read more naturally
// asking for a named sub-logger (e.g. a per-connection logger keyed by id).
func (l *Logger) Sub(format string, args ...interface{}) *Logger {
	return l.With(fmt.Sprintf(format, args...))
}
