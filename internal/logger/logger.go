package logger

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls the global logger setup
type Config struct {
	ServiceName string
	Environment string
	LogLevel    string
	Format      string
}

// Configure sets up the global zerolog logger. Called once at startup.
func Configure(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339Nano,
		})
	} else {
		logger = zerolog.New(os.Stdout)
	}

	lctx := logger.With().Timestamp()
	if cfg.ServiceName != "" {
		lctx = lctx.Str("service", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		lctx = lctx.Str("environment", cfg.Environment)
	}
	log.Logger = lctx.Logger()

	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Debug starts a debug-level event on the global logger
func Debug() *zerolog.Event {
	return log.Debug()
}

// Info starts an info-level event on the global logger
func Info() *zerolog.Event {
	return log.Info()
}

// Warn starts a warn-level event on the global logger
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error starts an error-level event on the global logger
func Error() *zerolog.Event {
	return log.Error()
}

type loggerKey struct{}

// FromContext returns a logger from the given context
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		return &log.Logger
	}
	if l, ok := ctx.Value(loggerKey{}).(*zerolog.Logger); ok {
		return l
	}
	return &log.Logger
}

// WithContext returns a new context with the given logger
func WithContext(ctx context.Context, l *zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// WithJob returns a logger annotated with the job kind and id, for use across
// one reconciliation pass
func WithJob(l *zerolog.Logger, kind, id string) *zerolog.Logger {
	logger := l.With().Str("kind", kind).Str("id", id).Logger()
	return &logger
}
