// Package logger provides the agent's global structured logger.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Problem is a captured WARN or ERROR record, kept for `insights-agent status`.
type Problem struct {
	Time    time.Time
	Level   slog.Level
	Message string
	// Attrs holds the record's attributes flattened to key=value pairs.
	Attrs string
}

// problemBuffer keeps the most recent problems in a fixed-size ring.
type problemBuffer struct {
	mu      sync.RWMutex
	entries []Problem
	next    int
	filled  int

	warnings int
	errors   int
}

func newProblemBuffer(size int) *problemBuffer {
	return &problemBuffer{entries: make([]Problem, size)}
}

func (b *problemBuffer) push(p Problem) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = p
	b.next = (b.next + 1) % len(b.entries)
	if b.filled < len(b.entries) {
		b.filled++
	}

	switch {
	case p.Level >= slog.LevelError:
		b.errors++
	case p.Level >= slog.LevelWarn:
		b.warnings++
	}
}

func (b *problemBuffer) snapshot() []Problem {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Problem, b.filled)
	size := len(b.entries)
	for i := 0; i < b.filled; i++ {
		out[i] = b.entries[(b.next-b.filled+i+size)%size]
	}
	return out
}

func (b *problemBuffer) counts() (warnings, errors int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.warnings, b.errors
}

// captureHandler records WARN and above into a problemBuffer before delegating.
type captureHandler struct {
	inner  slog.Handler
	buffer *problemBuffer
	attrs  []slog.Attr
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		var sb strings.Builder
		write := func(a slog.Attr) bool {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(a.Key)
			sb.WriteByte('=')
			sb.WriteString(a.Value.String())
			return true
		}
		for _, a := range h.attrs {
			write(a)
		}
		r.Attrs(write)

		h.buffer.push(Problem{
			Time:    r.Time,
			Level:   r.Level,
			Message: r.Message,
			Attrs:   sb.String(),
		})
	}
	return h.inner.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &captureHandler{inner: h.inner.WithAttrs(attrs), buffer: h.buffer, attrs: merged}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return &captureHandler{inner: h.inner.WithGroup(name), buffer: h.buffer, attrs: h.attrs}
}

var (
	// Log is the global structured logger
	Log *slog.Logger
	// LogPath is the path to the current log file
	LogPath string

	fileWriter *lumberjack.Logger
	problems   *problemBuffer
)

// LogLevel represents the logging level
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Options controls InitLogger.
type Options struct {
	Level LogLevel
	// Path defaults to ~/.config/insights/insights-agent.log.
	Path string
	// Foreground also writes records to stderr.
	Foreground bool
}

// DefaultLogPath returns the log file used when no path is configured.
func DefaultLogPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.TempDir()
	}
	return filepath.Join(homeDir, ".config", "insights", "insights-agent.log")
}

// InitLogger initializes the global logger.
func InitLogger(opts Options) {
	path := opts.Path
	if path == "" {
		path = DefaultLogPath()
	}
	_ = os.MkdirAll(filepath.Dir(path), 0755)
	LogPath = path

	fileWriter = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   true,
	}

	var w io.Writer = fileWriter
	if opts.Foreground {
		w = io.MultiWriter(fileWriter, os.Stderr)
	}

	problems = newProblemBuffer(100)
	handler := &captureHandler{
		inner:  slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level.slogLevel()}),
		buffer: problems,
	}

	Log = slog.New(handler)
	slog.SetDefault(Log)
}

// Close closes the log file
func Close() {
	if fileWriter != nil {
		fileWriter.Close()
	}
}

func getLogger() *slog.Logger {
	if Log != nil {
		return Log
	}
	return slog.Default()
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	getLogger().Debug(msg, args...)
}

// Info logs an info message
func Info(msg string, args ...any) {
	getLogger().Info(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	getLogger().Warn(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	getLogger().Error(msg, args...)
}

// With creates a new logger with additional attributes
func With(args ...any) *slog.Logger {
	return getLogger().With(args...)
}

// Counts returns how many warnings and errors were logged since InitLogger.
func Counts() (warnings, errors int) {
	if problems == nil {
		return 0, 0
	}
	return problems.counts()
}

// RecentProblems returns the captured WARN/ERROR records, oldest first.
func RecentProblems() []Problem {
	if problems == nil {
		return nil
	}
	return problems.snapshot()
}

// Format renders a problem as a single status line.
func (p Problem) Format() string {
	level := "WARN"
	if p.Level >= slog.LevelError {
		level = "ERROR"
	}
	line := fmt.Sprintf("%s %-5s %s", p.Time.Format("2006-01-02 15:04:05"), level, p.Message)
	if p.Attrs != "" {
		line += " " + p.Attrs
	}
	return line
}
