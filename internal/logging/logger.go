// Package logging provides the levelled logger interface shared by every
// component in the cluster. Components never call the standard log package
// directly; they hold a Logger field and log through it, so a caller can
// swap in any implementation that satisfies the interface.
package logging

import (
	"fmt"
	"log"
	"os"
)

const calldepth = 2

const (
	levelDebug = "DEBUG"
	levelInfo  = "INFO"
	levelWarn  = "WARN"
	levelError = "ERROR"
	levelFatal = "FATAL"
)

// Logger is the levelled logging interface every component depends on.
type Logger interface {
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
}

func tag(level, message string) string {
	return fmt.Sprintf("[%s]: %s", level, message)
}

// Default is the stdlib-backed Logger used when no other implementation is
// supplied. It prefixes every line with the component name given to New.
type Default struct {
	*log.Logger
	debug bool
}

// New builds a Default logger that writes to stderr, prefixed with name.
func New(name string) *Default {
	return &Default{
		Logger: log.New(os.Stderr, name+" ", log.LstdFlags),
	}
}

// ToggleDebug enables or disables Debug/Debugf output and returns the new
// state.
func (l *Default) ToggleDebug(enabled bool) bool {
	l.debug = enabled
	return l.debug
}

func (l *Default) Debug(v ...interface{}) {
	if l.debug {
		_ = l.Output(calldepth, tag(levelDebug, fmt.Sprint(v...)))
	}
}

func (l *Default) Debugf(format string, v ...interface{}) {
	if l.debug {
		_ = l.Output(calldepth, tag(levelDebug, fmt.Sprintf(format, v...)))
	}
}

func (l *Default) Info(v ...interface{}) {
	_ = l.Output(calldepth, tag(levelInfo, fmt.Sprint(v...)))
}

func (l *Default) Infof(format string, v ...interface{}) {
	_ = l.Output(calldepth, tag(levelInfo, fmt.Sprintf(format, v...)))
}

func (l *Default) Warn(v ...interface{}) {
	_ = l.Output(calldepth, tag(levelWarn, fmt.Sprint(v...)))
}

func (l *Default) Warnf(format string, v ...interface{}) {
	_ = l.Output(calldepth, tag(levelWarn, fmt.Sprintf(format, v...)))
}

func (l *Default) Error(v ...interface{}) {
	_ = l.Output(calldepth, tag(levelError, fmt.Sprint(v...)))
}

func (l *Default) Errorf(format string, v ...interface{}) {
	_ = l.Output(calldepth, tag(levelError, fmt.Sprintf(format, v...)))
}

func (l *Default) Fatal(v ...interface{}) {
	_ = l.Output(calldepth, tag(levelFatal, fmt.Sprint(v...)))
	os.Exit(1)
}

func (l *Default) Fatalf(format string, v ...interface{}) {
	_ = l.Output(calldepth, tag(levelFatal, fmt.Sprintf(format, v...)))
	os.Exit(1)
}

// Noop discards everything. Useful in tests that don't care about log
// output but still need to satisfy the Logger interface.
type Noop struct{}

func (Noop) Debug(v ...interface{})                 {}
func (Noop) Debugf(format string, v ...interface{}) {}
func (Noop) Info(v ...interface{})                  {}
func (Noop) Infof(format string, v ...interface{})  {}
func (Noop) Warn(v ...interface{})                  {}
func (Noop) Warnf(format string, v ...interface{})  {}
func (Noop) Error(v ...interface{})                 {}
func (Noop) Errorf(format string, v ...interface{}) {}
func (Noop) Fatal(v ...interface{})                 {}
func (Noop) Fatalf(format string, v ...interface{}) {}
