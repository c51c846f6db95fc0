package app

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// NewLogger returns a structured logger. Pretty console output unless
// LOG_FORMAT is json.
func NewLogger(cfg *Config) zerolog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg *Config, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	w := out
	if cfg != nil {
		if l, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && l != zerolog.NoLevel {
			level = l
		}
		if cfg.LogFormat != "json" {
			w = zerolog.ConsoleWriter{Out: out, NoColor: cfg.IsProduction()}
		}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("env", envName(cfg)).Logger()
}

func envName(cfg *Config) string {
	if cfg == nil || cfg.AppEnv == "" {
		return "development"
	}
	return cfg.AppEnv
}
