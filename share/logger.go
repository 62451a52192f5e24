// Package tnshare holds the framed-connection transport, session
// multiplexer, role state machines and the ambient logging/lifecycle
// helpers shared by the gateway, proxy-client and proxy-server roles.
package tnshare

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/fatih/color"
)

// LogLevel selects how much spew a Logger emits.
type LogLevel int

// LogLevel values, ordered from least to most verbose. A Logger emits
// a message if the message's level is <= its configured level (Panic/Fatal
// are never suppressed).
const (
	LogLevelUnknown LogLevel = iota
	LogLevelPanic
	LogLevelFatal
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

var logLevelColors = [...]color.Attribute{
	color.Reset, color.FgHiMagenta, color.FgHiRed, color.FgRed,
	color.FgYellow, color.FgCyan, color.FgHiBlack, color.FgHiBlack,
}

var nameToLogLevel = func() map[string]LogLevel {
	m := make(map[string]LogLevel, len(logLevelNames))
	for i, name := range logLevelNames {
		m[name] = LogLevel(i)
	}
	return m
}()

// StringToLogLevel converts a level name ("info", "debug", ...) to a LogLevel.
// Returns LogLevelUnknown if the name is not recognized.
func StringToLogLevel(s string) LogLevel {
	if lvl, ok := nameToLogLevel[strings.ToLower(s)]; ok {
		return lvl
	}
	return LogLevelUnknown
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		return logLevelNames[LogLevelUnknown]
	}
	return logLevelNames[x]
}

// MinLogger is the minimal interface a logging sink must provide.
type MinLogger interface {
	Print(args ...interface{})
	Prefix() string
}

// Logger is a leveled, prefix-forking logging component. One Logger is
// created per role instance (gateway/client/server), and Fork is used to
// create per-session and per-flow children that share the same sink but
// add to the prefix chain.
type Logger interface {
	MinLogger

	GetLogLevel() LogLevel
	SetLogLevel(level LogLevel)

	Log(level LogLevel, args ...interface{})
	Logf(level LogLevel, f string, args ...interface{})

	ELog(args ...interface{})
	ELogf(f string, args ...interface{})
	WLog(args ...interface{})
	WLogf(f string, args ...interface{})
	ILog(args ...interface{})
	ILogf(f string, args ...interface{})
	DLog(args ...interface{})
	DLogf(f string, args ...interface{})
	TLog(args ...interface{})
	TLogf(f string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(f string, args ...interface{})

	Panic(args ...interface{})
	Panicf(f string, args ...interface{})

	// Error returns an error whose message carries this Logger's prefix.
	Error(args ...interface{}) error
	Errorf(f string, args ...interface{}) error

	Sprint(args ...interface{}) string
	Sprintf(f string, args ...interface{}) string

	// Fork creates a child Logger with an additional prefix segment.
	Fork(prefix string, args ...interface{}) Logger
}

// BasicLogger is a Logger that writes to an underlying MinLogger with a
// level filter and a ": "-joined prefix chain.
type BasicLogger struct {
	prefix   string
	prefixC  string
	sink     MinLogger
	logLevel LogLevel
	useColor bool
}

const defaultLogFlags = log.Ldate | log.Ltime

// NewLogger creates a Logger at the given level that writes to os.Stderr.
// useColor enables fatih/color level tagging, appropriate for an
// interactive terminal CLI sink but not for piping to a file.
func NewLogger(prefix string, level LogLevel, useColor bool) Logger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		sink:     log.New(os.Stderr, "", defaultLogFlags),
		logLevel: level,
		useColor: useColor,
	}
}

func (l *BasicLogger) enabled(level LogLevel) bool {
	return level <= l.logLevel || level <= LogLevelFatal
}

func (l *BasicLogger) emit(level LogLevel, msg string) {
	if !l.enabled(level) {
		return
	}
	tag := "[" + level.String() + "] "
	if l.useColor && level <= LogLevelTrace {
		tag = color.New(logLevelColors[level]).Sprint(tag)
	}
	l.sink.Print(tag + l.prefixC + msg)
	if level == LogLevelFatal {
		os.Exit(1)
	}
	if level == LogLevelPanic {
		panic(msg)
	}
}

// Print outputs args with no level tag (used for unconditional status lines).
func (l *BasicLogger) Print(args ...interface{}) {
	l.sink.Print(l.prefixC + fmt.Sprint(args...))
}

// Prefix returns this Logger's prefix chain, without the trailing ": ".
func (l *BasicLogger) Prefix() string { return l.prefix }

// GetLogLevel returns the current filter level.
func (l *BasicLogger) GetLogLevel() LogLevel { return l.logLevel }

// SetLogLevel changes the filter level.
func (l *BasicLogger) SetLogLevel(level LogLevel) { l.logLevel = level }

// Log emits a message at the given level if enabled.
func (l *BasicLogger) Log(level LogLevel, args ...interface{}) {
	l.emit(level, fmt.Sprint(args...))
}

// Logf emits a formatted message at the given level if enabled.
func (l *BasicLogger) Logf(level LogLevel, f string, args ...interface{}) {
	l.emit(level, fmt.Sprintf(f, args...))
}

func (l *BasicLogger) ELog(args ...interface{})             { l.Log(LogLevelError, args...) }
func (l *BasicLogger) ELogf(f string, args ...interface{})  { l.Logf(LogLevelError, f, args...) }
func (l *BasicLogger) WLog(args ...interface{})             { l.Log(LogLevelWarning, args...) }
func (l *BasicLogger) WLogf(f string, args ...interface{})  { l.Logf(LogLevelWarning, f, args...) }
func (l *BasicLogger) ILog(args ...interface{})             { l.Log(LogLevelInfo, args...) }
func (l *BasicLogger) ILogf(f string, args ...interface{})  { l.Logf(LogLevelInfo, f, args...) }
func (l *BasicLogger) DLog(args ...interface{})             { l.Log(LogLevelDebug, args...) }
func (l *BasicLogger) DLogf(f string, args ...interface{})  { l.Logf(LogLevelDebug, f, args...) }
func (l *BasicLogger) TLog(args ...interface{})             { l.Log(LogLevelTrace, args...) }
func (l *BasicLogger) TLogf(f string, args ...interface{})  { l.Logf(LogLevelTrace, f, args...) }
func (l *BasicLogger) Fatal(args ...interface{})            { l.Log(LogLevelFatal, args...) }
func (l *BasicLogger) Fatalf(f string, args ...interface{}) { l.Logf(LogLevelFatal, f, args...) }
func (l *BasicLogger) Panic(args ...interface{})            { l.Log(LogLevelPanic, args...) }
func (l *BasicLogger) Panicf(f string, args ...interface{}) { l.Logf(LogLevelPanic, f, args...) }

// Error returns an error carrying this Logger's prefix, without logging it.
func (l *BasicLogger) Error(args ...interface{}) error {
	return errors.New(l.Sprint(args...))
}

// Errorf returns a formatted error carrying this Logger's prefix.
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

// Sprint formats args with this Logger's prefix prepended.
func (l *BasicLogger) Sprint(args ...interface{}) string {
	return l.prefixC + fmt.Sprint(args...)
}

// Sprintf formats f/args with this Logger's prefix prepended.
func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

// Fork creates a child Logger that shares this Logger's sink, level and
// color setting, appending prefix (formatted with args) to the prefix chain.
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	child := fmt.Sprintf(prefix, args...)
	newPrefix := child
	if l.prefix != "" {
		newPrefix = l.prefix + ": " + child
	}
	newPrefixC := newPrefix + ": "
	return &BasicLogger{
		prefix:   newPrefix,
		prefixC:  newPrefixC,
		sink:     l.sink,
		logLevel: l.logLevel,
		useColor: l.useColor,
	}
}
