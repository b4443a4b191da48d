// Package logger provides the leveled console logger used by the engine
// and CLI. Output is timestamped and thread-safe; color is enabled
// automatically when writing to a terminal.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

// Logger writes leveled, timestamped lines to a writer.
type Logger struct {
	mu       sync.Mutex
	writer   io.Writer
	minLevel int
	colored  bool
}

// New creates a logger at the given level ("debug", "info", "warn",
// "error"; empty or unknown defaults to "info"). A nil writer discards
// everything.
func New(writer io.Writer, level string) *Logger {
	return &Logger{
		writer:   writer,
		minLevel: parseLevel(level),
		colored:  isTerminal(writer),
	}
}

func parseLevel(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return levelDebug
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...any) {
	l.logf(levelDebug, color.FgHiBlack, "DEBUG", format, args...)
}

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...any) {
	l.logf(levelInfo, color.FgCyan, "INFO", format, args...)
}

// Warnf logs at warn level.
func (l *Logger) Warnf(format string, args ...any) {
	l.logf(levelWarn, color.FgYellow, "WARN", format, args...)
}

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...any) {
	l.logf(levelError, color.FgRed, "ERROR", format, args...)
}

func (l *Logger) logf(level int, attr color.Attribute, tag, format string, args ...any) {
	if l == nil || l.writer == nil || level < l.minLevel {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stamp := time.Now().Format("15:04:05")
	if l.colored {
		tag = color.New(attr).Sprint(tag)
	}
	fmt.Fprintf(l.writer, "[%s] %-5s %s\n", stamp, tag, fmt.Sprintf(format, args...))
}

// Discard returns a logger that drops everything, for tests.
func Discard() *Logger {
	return New(nil, "error")
}
