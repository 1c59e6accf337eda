// Package logging owns the process-wide logger.
//
// Call sites use the printf helpers with the "pkg.Type.Method key=value"
// message shape; structured consumers (HTTP middleware) take Logger().
package logging

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
)

func setLogger(l zerolog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

// Logger returns a copy of the active zerolog logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Trace(msg string) { emit(zerolog.TraceLevel, msg) }
func Debug(msg string) { emit(zerolog.DebugLevel, msg) }
func Info(msg string)  { emit(zerolog.InfoLevel, msg) }
func Warn(msg string)  { emit(zerolog.WarnLevel, msg) }
func Err(msg string)   { emit(zerolog.ErrorLevel, msg) }

func Tracef(format string, args ...any) { emit(zerolog.TraceLevel, fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { emit(zerolog.DebugLevel, fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { emit(zerolog.InfoLevel, fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { emit(zerolog.WarnLevel, fmt.Sprintf(format, args...)) }
func Errf(format string, args ...any)   { emit(zerolog.ErrorLevel, fmt.Sprintf(format, args...)) }

// Logf writes an unleveled line; tests use it to narrate steps.
func Logf(format string, args ...any) {
	l := Logger()
	l.Log().Msg(fmt.Sprintf(format, args...))
}

func emit(level zerolog.Level, msg string) {
	l := Logger()
	l.WithLevel(level).Msg(msg)
}
