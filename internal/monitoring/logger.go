// Package monitoring configures process-wide logging and exposes the
// Prometheus metrics recorded by the attenuator links and controller.
package monitoring

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LogConfig controls Setup.
type LogConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn, error.
	Level string `mapstructure:"level" json:"level"`
	// Format is "console" for human-readable output or "json".
	Format string `mapstructure:"format" json:"format"`
	// File, when set, receives a copy of every log line and is rotated by size.
	File       string `mapstructure:"file" json:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
}

// Setup installs the global zerolog logger described by cfg, writing to
// stderr and optionally to a rotating file. Logf is routed through the same
// logger. The returned closer flushes and closes the file sink.
func Setup(cfg LogConfig) (io.Closer, error) {
	return setup(cfg, os.Stderr)
}

func setup(cfg LogConfig, stderr io.Writer) (io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = l
	}

	var console io.Writer
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		console = zerolog.ConsoleWriter{Out: stderr, TimeFormat: "15:04:05.000"}
	case "json":
		console = stderr
	default:
		return nil, fmt.Errorf("invalid log format %q: expected console or json", cfg.Format)
	}

	var closer io.Closer = nopCloser{}
	out := console
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 10),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     cfg.MaxAgeDays,
		}
		out = zerolog.MultiLevelWriter(console, rotator)
		closer = rotator
	}

	zerolog.SetGlobalLevel(level)
	zlog.Logger = zerolog.New(out).With().Timestamp().Logger()
	SetLogger(func(format string, v ...interface{}) {
		zlog.Info().Msgf(strings.TrimSuffix(format, "\n"), v...)
	})
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
