// Package klog is the leveled logger shared by every kernel subsystem.
//
// It wraps the standard log package rather than pulling in a structured
// logging library: nothing in this corpus reaches for one, and a kernel
// this size has no log aggregation pipeline to feed.
package klog

import (
	"log"
	"os"

	"github.com/pintosgo/kernel/internal/testutil"
)

// Level controls which calls actually reach the underlying logger.
type Level int

const (
	Error Level = iota
	Info
	Debug
)

var std = log.New(os.Stderr, "", log.Lmicroseconds)

// enabled reports whether lvl should be printed. Debug is gated behind
// DEBUG=1, same switch internal/testutil.VerboseTest checks, so a test
// run with DEBUG=1 gets both verbose test output and kernel debug logs.
func enabled(lvl Level) bool {
	if lvl == Debug {
		return testutil.VerboseTest()
	}
	return true
}

// Logger is a named sub-logger for one subsystem, e.g. klog.New("cache").
type Logger struct {
	tag string
}

func New(tag string) *Logger {
	return &Logger{tag: tag}
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.printf(Error, format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.printf(Info, format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.printf(Debug, format, args...)
}

func (l *Logger) printf(lvl Level, format string, args ...interface{}) {
	if !enabled(lvl) {
		return
	}
	std.Printf("["+l.tag+"] "+format, args...)
}
