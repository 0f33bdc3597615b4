/*
Package applog provides the structured-ish, rate-limited logger used by every
component of submitd. It is deliberately small: log lines go to the standard
library logger, a ring buffer keeps the latest ones in memory for inspection
(e.g. by a future status endpoint), and a per-logger rate limit keeps a noisy
component from flooding stderr.
*/
package applog

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"unicode"
)

const (
	// MaxLogMessageLen is the maximum length memorised for each of the latest log entries.
	MaxLogMessageLen = 4096
	truncatedLabel   = "...(truncated)..."
	// NumLatestLogEntries is how many of the most recent log lines are kept in memory.
	NumLatestLogEntries = 2048
)

// MaxLogMessagePerSec is the maximum number of messages each logger instance prints per second.
// Additional messages within the same second are dropped and counted in NumDropped.
var MaxLogMessagePerSec = runtime.NumCPU() * 300

// LatestLogEntries keeps the most recently formatted log lines, newest overwriting oldest.
var LatestLogEntries = NewRingBuffer(NumLatestLogEntries)

// NumDropped counts log messages suppressed by a logger's rate limit.
var NumDropped int64
var numDroppedMu sync.Mutex

func addDropped() {
	numDroppedMu.Lock()
	NumDropped++
	numDroppedMu.Unlock()
}

// IDField is one key-value pair contributing to a Logger's ComponentID, giving a log line a clue
// as to exactly which component instance produced it (e.g. the listen address of a daemon).
type IDField struct {
	Key   string
	Value interface{}
}

// Logger formats and prints log messages in a consistent shape across the program.
type Logger struct {
	ComponentName string    // ComponentName is similar to a class name, e.g. "queue" or "session".
	ComponentID   []IDField // ComponentID narrows down which instance of the component this is.

	initOnce  sync.Once
	rateLimit *RateLimit
}

func (logger *Logger) initialiseOnce() {
	logger.initOnce.Do(func() {
		logger.rateLimit = NewRateLimit(1, MaxLogMessagePerSec, logger)
	})
}

func (logger *Logger) componentIDString() string {
	if len(logger.ComponentID) == 0 {
		return ""
	}
	var buf bytes.Buffer
	buf.WriteRune('[')
	for i, field := range logger.ComponentID {
		buf.WriteString(fmt.Sprintf("%s=%v", field.Key, field.Value))
		if i < len(logger.ComponentID)-1 {
			buf.WriteRune(';')
		}
	}
	buf.WriteRune(']')
	return buf.String()
}

// Format renders a log message without printing it.
// The shape is: ComponentName[id1;id2].FunctionName(actor): Error "..." - message
func (logger *Logger) Format(functionName string, actorName interface{}, err error, template string, values ...interface{}) string {
	var msg bytes.Buffer
	if logger.ComponentName != "" {
		msg.WriteString(logger.ComponentName)
	}
	msg.WriteString(logger.componentIDString())
	if functionName != "" {
		if msg.Len() > 0 {
			msg.WriteRune('.')
		}
		msg.WriteString(functionName)
	}
	if actorName != nil && actorName != "" {
		msg.WriteString(fmt.Sprintf("(%v)", actorName))
	}
	if msg.Len() > 0 {
		msg.WriteString(": ")
	}
	if err != nil {
		msg.WriteString(fmt.Sprintf("Error \"%v\"", err))
		if template != "" {
			msg.WriteString(" - ")
		}
	}
	msg.WriteString(fmt.Sprintf(template, values...))
	return LintString(TruncateString(msg.String(), MaxLogMessageLen), MaxLogMessageLen)
}

func callerName(skip int) string {
	pc, file, _, ok := runtime.Caller(skip)
	if !ok {
		file = "?"
	}
	var funName string
	if fun := runtime.FuncForPC(pc); fun == nil {
		funName = "?"
	} else {
		funName = strings.TrimLeft(filepath.Ext(fun.Name()), ".")
	}
	return filepath.Base(file) + ":" + funName
}

func (logger *Logger) record(funcName string, actorName interface{}, err error, template string, values ...interface{}) {
	logger.initialiseOnce()
	if !logger.rateLimit.Add("", false) {
		addDropped()
		return
	}
	msg := logger.Format(funcName, actorName, err, template, values...)
	log.Print(msg)
	LatestLogEntries.Push(msg)
}

// Warning prints a message that carries an error. Like Info, it is subject to the logger's rate limit.
func (logger *Logger) Warning(actorName interface{}, err error, template string, values ...interface{}) {
	logger.record(callerName(3), actorName, err, template, values...)
}

// Info prints a routine progress message. If err is non-nil the message is treated as a warning.
func (logger *Logger) Info(actorName interface{}, err error, template string, values ...interface{}) {
	logger.record(callerName(3), actorName, err, template, values...)
}

// Fatal logs the message and terminates the process. Reserved for configuration/startup failures.
func (logger *Logger) Fatal(actorName interface{}, err error, template string, values ...interface{}) {
	logger.initialiseOnce()
	log.Fatal(logger.Format(callerName(3), actorName, err, template, values...))
}

// MaybeMinorError logs err as Info unless it is nil or describes a routine connection teardown.
func (logger *Logger) MaybeMinorError(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "closed") || strings.Contains(err.Error(), "broken") {
		return
	}
	logger.record(callerName(3), "", err, "minor error")
}

// DefaultLogger is used by code that has no more specific logger available.
var DefaultLogger = &Logger{ComponentName: "default", ComponentID: []IDField{{"pid", os.Getpid()}}}

// TruncateString returns s unmodified if it already fits maxLength, otherwise it cuts text from
// the middle and substitutes it with a truncation marker so the prefix and suffix survive.
func TruncateString(s string, maxLength int) string {
	if maxLength < 0 {
		maxLength = 0
	}
	if len(s) <= maxLength {
		return s
	}
	if maxLength <= len(truncatedLabel) {
		return s[:maxLength]
	}
	firstHalfEnd := maxLength/2 - len(truncatedLabel)/2
	secondHalfBegin := len(s) - (maxLength / 2) + len(truncatedLabel)/2
	if maxLength%2 == 0 {
		secondHalfBegin++
	}
	var buf bytes.Buffer
	buf.WriteString(s[:firstHalfEnd])
	buf.WriteString(truncatedLabel)
	buf.WriteString(s[secondHalfBegin:])
	return buf.String()
}

// LintString replaces non-printable and non-ASCII runes with an underscore and keeps only the runes
// that begin within the first maxLength bytes of s, producing a string that is always safe to place
// into a single log line.
func LintString(s string, maxLength int) string {
	if maxLength < 0 {
		maxLength = 0
	}
	var buf bytes.Buffer
	for i, r := range s {
		if i >= maxLength {
			break
		}
		if (r >= 0 && r <= 8) || (r >= 14 && r <= 31) || r >= 127 || (!unicode.IsPrint(r) && !unicode.IsSpace(r)) {
			buf.WriteRune('_')
		} else {
			buf.WriteRune(r)
		}
	}
	return buf.String()
}
