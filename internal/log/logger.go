// Package log provides structured logging utilities.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level   string    // optional log level ("debug", "info", etc.)
	Output  io.Writer // optional writer (defaults to os.Stdout)
	Service string    // optional service name attached to every log entry
}

var (
	mu      sync.RWMutex
	once    sync.Once
	base    zerolog.Logger
	output  io.Writer
	service string
)

// Configure initialises the global zerolog logger. Only the first call has
// any effect; later calls are ignored so that packages may call it lazily.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
				level = parsed
			}
		} else if env := os.Getenv("MOBU_LOG_LEVEL"); env != "" {
			if parsed, err := zerolog.ParseLevel(env); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339Nano

		writer := cfg.Output
		if writer == nil {
			writer = os.Stdout
		}

		name := cfg.Service
		if name == "" {
			name = "mobu"
		}

		mu.Lock()
		output = writer
		service = name
		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", name).
			Logger()
		mu.Unlock()
	})
}

func logger() zerolog.Logger {
	Configure(Config{})
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Base returns the configured base logger instance.
func Base() zerolog.Logger {
	return logger()
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str(FieldComponent, component).Logger()
}

// Derive attaches arbitrary fields to a child logger using the provided builder function.
func Derive(build func(*zerolog.Context)) zerolog.Logger {
	ctx := logger().With()
	if build != nil {
		build(&ctx)
	}
	return ctx.Logger()
}

// Tee returns a base logger that writes every entry both to the process
// output and to w.
func Tee(w io.Writer) zerolog.Logger {
	Configure(Config{})
	mu.RLock()
	out, name := output, service
	mu.RUnlock()
	return zerolog.New(zerolog.MultiLevelWriter(out, w)).With().
		Timestamp().
		Str("service", name).
		Logger()
}
