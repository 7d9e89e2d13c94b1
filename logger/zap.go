package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ZapLogger struct {
	log *zap.Logger
}

// NewZapLogger builds a production zap logger at the given level. Unknown
// levels fall back to info.
func NewZapLogger(level string) Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	log, err := cfg.Build()
	if err != nil {
		return NoopLogger{}
	}
	return &ZapLogger{log: log}
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (z *ZapLogger) Debug(msg string, fields map[string]any) {
	z.log.Debug(msg, toZapFields(fields)...)
}

func (z *ZapLogger) Info(msg string, fields map[string]any) {
	z.log.Info(msg, toZapFields(fields)...)
}

func (z *ZapLogger) Warn(msg string, fields map[string]any) {
	z.log.Warn(msg, toZapFields(fields)...)
}

func (z *ZapLogger) Error(msg string, fields map[string]any) {
	z.log.Error(msg, toZapFields(fields)...)
}

func toZapFields(m map[string]any) []zap.Field {
	fields := make([]zap.Field, 0, len(m))
	for k, v := range m {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}
