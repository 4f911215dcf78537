// Package logger provides structured logging using zerolog.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level       string
	Environment string
	ServiceName string
	Version     string
	Output      io.Writer
}

// Logger embeds zerolog so call sites use the zerolog event API directly.
type Logger struct {
	zerolog.Logger
}

// New builds a Logger. Development environments get a console writer,
// everything else writes JSON.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Environment == "" || cfg.Environment == "development" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}
	if cfg.Version != "" {
		ctx = ctx.Str("version", cfg.Version)
	}
	return &Logger{Logger: ctx.Logger()}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// With returns a child logger carrying the given component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{Logger: l.Logger.With().Str("component", component).Logger()}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}
