package solo

import (
	"log/slog"

	"go.uber.org/zap"

	"github.com/arloliu/solo/internal/logging"
)

// NewZapLogger adapts a zap logger to Logger.
//
// Example:
//
//	zl, _ := zap.NewProduction()
//	inst, err := solo.NewInstance(&cfg, stores, solo.WithLogger(solo.NewZapLogger(zl)))
func NewZapLogger(logger *zap.Logger) Logger {
	return logging.NewZap(logger)
}

// NewSlogLogger adapts a slog logger to Logger.
func NewSlogLogger(logger *slog.Logger) Logger {
	return logging.NewSlog(logger)
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return logging.NewNop()
}
