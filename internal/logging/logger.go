package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the structured JSON logger used by every component.
// Debug output is enabled when debug is true.
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build(zap.Fields(zap.String("service", "leftright")))
}

// WithOperation scopes a logger to one operation and, when known, one
// prediction request.
func WithOperation(logger *zap.Logger, operation, requestID string, fields ...zap.Field) *zap.Logger {
	base := make([]zap.Field, 0, len(fields)+2)
	base = append(base, zap.String("operation", operation))
	if requestID != "" {
		base = append(base, zap.String("request_id", requestID))
	}
	return logger.With(append(base, fields...)...)
}
