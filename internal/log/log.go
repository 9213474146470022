// Structured print-based diagnostics
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package log provides the driver's only diagnostic sink. Bare metal tamago
// images have no syslog or file-backed logger, so — following the teacher's
// own idiom of rendering register/status snapshots with a String() method
// and printing them (see soc/bcm2835's DMAStatus.String/DMADebugInfo.String)
// — this package is a thin wrapper around print/fmt.Sprintf that tags every
// line with the originating component, and keeps a small ring buffer so
// tests can assert on what was logged (e.g. the cancellation-drain-timeout
// warning called out in spec §9's Open Questions).
package log

import (
	"fmt"
	"sync"
)

// Level distinguishes operator-visible severities.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is one recorded log line.
type Entry struct {
	Level     Level
	Component string
	Message   string
}

var (
	mu      sync.Mutex
	history []Entry
	cap     = 256
	sink    = func(s string) { print(s) }
)

// SetSink overrides where rendered log lines are written (tests use this to
// capture output instead of printing to the console).
func SetSink(f func(string)) {
	mu.Lock()
	defer mu.Unlock()
	sink = f
}

// History returns a copy of the retained log entries, most recent last.
func History() []Entry {
	mu.Lock()
	defer mu.Unlock()
	out := make([]Entry, len(history))
	copy(out, history)
	return out
}

// Reset clears retained history, used between test cases.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	history = nil
}

func record(level Level, component, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	mu.Lock()
	history = append(history, Entry{Level: level, Component: component, Message: msg})
	if len(history) > cap {
		history = history[len(history)-cap:]
	}
	line := fmt.Sprintf("plxbridge: %s: [%s] %s\n", level, component, msg)
	s := sink
	mu.Unlock()

	s(line)
}

// Debugf records a debug-level line.
func Debugf(component, format string, args ...interface{}) { record(Debug, component, format, args...) }

// Infof records an info-level line.
func Infof(component, format string, args ...interface{}) { record(Info, component, format, args...) }

// Warnf records a warn-level line.
func Warnf(component, format string, args ...interface{}) { record(Warn, component, format, args...) }

// Errorf records an error-level line.
func Errorf(component, format string, args ...interface{}) { record(Error, component, format, args...) }
