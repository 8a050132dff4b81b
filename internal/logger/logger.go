// Package logger builds the zerolog logger shared by every supportkb component.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // human-readable console output
	File   string // optional log file, appended to
	Out    io.Writer
}

// Logger owns the zerolog.Logger and any file it writes to.
type Logger struct {
	zerolog.Logger
	file *os.File
}

// New creates a logger. Console output goes to stderr unless cfg.Out is set;
// stdout is reserved for the MCP stdio transport.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	writers := []io.Writer{out}

	var file *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		file, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		writers = append(writers, file)
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = io.MultiWriter(writers...)
	}

	zl := zerolog.New(redactingWriter{w}).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &Logger{Logger: zl, file: file}, nil
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Nop returns a logger that discards everything. Used by tests and as the
// default for components constructed without one.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),
	regexp.MustCompile(`api[-_]key["\s:=]+[^\s",}]+`),
}

// Redact masks API keys and bearer tokens in s.
func Redact(s string) string {
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

type redactingWriter struct {
	w io.Writer
}

func (r redactingWriter) Write(p []byte) (int, error) {
	if _, err := r.w.Write([]byte(Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
