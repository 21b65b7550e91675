package logging

import (
	"log"
	"os"
	"strings"
)

// Level controls which messages are written. Messages below the
// current level are dropped.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	disabled = false
	minLevel = LevelInfo
	logger   = log.New(os.Stdout, "", log.LstdFlags)
)

// Disable turns off all logging
func Disable() {
	disabled = true
}

// Enable turns logging back on
func Enable() {
	disabled = false
}

// SetLevel sets the minimum level that gets written.
func SetLevel(l Level) {
	minLevel = l
}

// ParseLevel maps a config string to a Level. Unknown values fall
// back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func enabled(l Level) bool {
	return !disabled && l >= minLevel
}

// Info logs an info message
func Info(v ...any) {
	if enabled(LevelInfo) {
		logger.Println(v...)
	}
}

// Infof logs a formatted info message
func Infof(format string, v ...any) {
	if enabled(LevelInfo) {
		logger.Printf(format, v...)
	}
}

// Error logs an error message
func Error(v ...any) {
	if enabled(LevelError) {
		logger.Println(v...)
	}
}

// Errorf logs a formatted error message
func Errorf(format string, v ...any) {
	if enabled(LevelError) {
		logger.Printf(format, v...)
	}
}

// Warn logs a warning message
func Warn(v ...any) {
	if enabled(LevelWarn) {
		logger.Println(v...)
	}
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) {
	if enabled(LevelWarn) {
		logger.Printf(format, v...)
	}
}

// Debug logs a debug message
func Debug(v ...any) {
	if enabled(LevelDebug) {
		logger.Println(v...)
	}
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...any) {
	if enabled(LevelDebug) {
		logger.Printf(format, v...)
	}
}
