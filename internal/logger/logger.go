// Package logger builds zap loggers for the proxy and threads them through
// context.Context so deeply nested components never need a logger passed as
// an explicit constructor argument just to log a warning.
package logger

import (
	"context"
	"fmt"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls how NewWithConfig builds a *zap.Logger.
type Config struct {
	// Level is the minimum enabled logging level: debug, info, warn, error,
	// dpanic, panic, fatal. Defaults to "info".
	Level string

	// Development switches to zap's development encoder settings and enables
	// stack traces on warnings and above; the output format is still chosen
	// by Encoding.
	Development bool

	// Encoding is "json" or "console". Defaults to "json".
	Encoding string

	// OutputPaths are sinks for normal log output. Defaults to ["stdout"].
	OutputPaths []string

	// ErrorOutputPaths are sinks for zap's own internal errors. Defaults to
	// ["stderr"].
	ErrorOutputPaths []string

	// InitialFields are attached to every entry emitted by the root logger.
	InitialFields map[string]interface{}
}

type contextKey struct{}

var loggerKey = contextKey{}

// NewDevelopment returns a colorized, human-readable logger suitable for a
// local run: debug level, console encoding, stack traces on warn+.
func NewDevelopment() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg.Build()
}

// NewProduction returns a JSON logger at info level with sampling enabled.
func NewProduction() (*zap.Logger, error) {
	return zap.NewProductionConfig().Build()
}

// NewWithConfig builds a logger from an explicit Config, applying defaults
// for any zero-valued field.
func NewWithConfig(cfg *Config) (*zap.Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logger config cannot be nil")
	}

	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "json"
	}
	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = []string{"stdout"}
	}
	if len(cfg.ErrorOutputPaths) == 0 {
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       cfg.Development,
		Encoding:          cfg.Encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       cfg.OutputPaths,
		ErrorOutputPaths:  cfg.ErrorOutputPaths,
		InitialFields:     cfg.InitialFields,
		DisableStacktrace: !cfg.Development,
	}

	built, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return built, nil
}

// WithLogger attaches logger to ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger attached to ctx, or a no-op logger if
// none was attached.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return zap.NewNop()
	}
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok && l != nil {
		return l
	}
	return zap.NewNop()
}

// WithComponent returns a child logger tagged with a "component" field.
func WithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}

// WithFields returns a child logger with additional structured fields.
func WithFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	return logger.With(fields...)
}

// WithRequestID returns a child logger tagged with the chi request ID found
// in ctx, if any, so every log line emitted while resolving a single HTTP
// request can be correlated back to it. Returns logger unchanged when ctx
// carries no request ID (e.g. in a background cache refresh).
func WithRequestID(ctx context.Context, logger *zap.Logger) *zap.Logger {
	id := chimiddleware.GetReqID(ctx)
	if id == "" {
		return logger
	}
	return logger.With(zap.String("request_id", id))
}
