// Package logging owns the process-wide zerolog instance. Subsystems
// request child loggers tagged with their component name instead of
// touching the global logger directly.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config carries the options applied to the root logger.
type Config struct {
	Level   string    // "trace".."error"; empty falls back to $OPSIS_LOG_LEVEL, then "info"
	Output  io.Writer // defaults to os.Stdout
	Service string    // service field on every entry; defaults to "opsis-agent"
	Pretty  bool      // console writer for interactive runs
}

var (
	once sync.Once
	root zerolog.Logger
)

// Configure initialises the root logger exactly once. Later calls are
// no-ops, so the first caller (normally main) wins.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		raw := cfg.Level
		if raw == "" {
			raw = os.Getenv("OPSIS_LOG_LEVEL")
		}
		if raw != "" {
			if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		if cfg.Pretty {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
		}

		service := cfg.Service
		if service == "" {
			service = "opsis-agent"
		}

		root = zerolog.New(out).With().
			Timestamp().
			Str("service", service).
			Logger()
	})
}

func base() zerolog.Logger {
	Configure(Config{})
	return root
}

// Base returns the configured root logger.
func Base() zerolog.Logger {
	return base()
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return base().With().Str("component", component).Logger()
}

// WithDevice returns a component logger additionally tagged with the
// device identity, for entries that cross the wire boundary.
func WithDevice(component, deviceID string) zerolog.Logger {
	return base().With().Str("component", component).Str("device_id", deviceID).Logger()
}
