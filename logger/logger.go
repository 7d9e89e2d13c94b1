// Package logger defines the minimal logging surface the engine writes to.
package logger

type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// NoopLogger discards everything. Default when no logger is configured.
type NoopLogger struct{}

func (NoopLogger) Debug(string, map[string]any) {}
func (NoopLogger) Info(string, map[string]any)  {}
func (NoopLogger) Warn(string, map[string]any)  {}
func (NoopLogger) Error(string, map[string]any) {}
