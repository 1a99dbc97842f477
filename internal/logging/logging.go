// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/HendryAvila/homunculus/internal/config"
)

// New returns a logger for cfg. Console output goes to stderr so it never
// interferes with stdout, which carries command output and the MCP stdio
// transport. When cfg.File is set, logs are written there as JSON. The
// returned closer releases the file and is always safe to call.
func New(cfg config.LogConfig) (zerolog.Logger, func() error, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var (
		w      io.Writer
		closer = func() error { return nil }
	)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("logging: create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("logging: open %s: %w", cfg.File, err)
		}
		w = f
		closer = f.Close
	} else {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}
