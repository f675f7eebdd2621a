package logging

import (
	"go.uber.org/zap"

	"github.com/arloliu/solo/types"
)

// ZapLogger implements types.Logger with a zap.SugaredLogger.
//
// The Logger interface mirrors the SugaredLogger "w" methods, so this adapter
// only forwards calls.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// Compile-time assertion that ZapLogger implements Logger.
var _ types.Logger = (*ZapLogger)(nil)

// NewZap wraps a zap.Logger. A nil logger yields zap.NewNop().
//
// Parameters:
//   - logger: The zap logger to forward to
//
// Returns:
//   - *ZapLogger: Adapter using logger.Sugar()
//
// Example:
//
//	zl, _ := zap.NewProduction()
//	defer zl.Sync()
//	inst, err := solo.NewInstance(&cfg, conn, solo.WithLogger(logging.NewZap(zl)))
func NewZap(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ZapLogger{sugar: logger.Sugar()}
}

// Named returns a child logger with name appended to the logger name.
func (z *ZapLogger) Named(name string) *ZapLogger {
	return &ZapLogger{sugar: z.sugar.Named(name)}
}

// Sync flushes buffered log entries.
func (z *ZapLogger) Sync() error {
	return z.sugar.Sync()
}

// Debug logs a debug-level message.
func (z *ZapLogger) Debug(msg string, keysAndValues ...any) {
	z.sugar.Debugw(msg, keysAndValues...)
}

// Info logs an info-level message.
func (z *ZapLogger) Info(msg string, keysAndValues ...any) {
	z.sugar.Infow(msg, keysAndValues...)
}

// Warn logs a warning-level message.
func (z *ZapLogger) Warn(msg string, keysAndValues ...any) {
	z.sugar.Warnw(msg, keysAndValues...)
}

// Error logs an error-level message.
func (z *ZapLogger) Error(msg string, keysAndValues ...any) {
	z.sugar.Errorw(msg, keysAndValues...)
}

// Fatal logs a fatal-level message and exits the process.
func (z *ZapLogger) Fatal(msg string, keysAndValues ...any) {
	z.sugar.Fatalw(msg, keysAndValues...)
}
