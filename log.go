package firehose

import (
	"errors"
	"log/slog"
)

// Logger is the logging façade the Dispatcher's default ErrorHandler
// uses for internal diagnostics. It mirrors
// log/slog's leveled-call shape so a *slog.Logger satisfies it directly.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// slogLogger adapts *slog.Logger to Logger (slog.Logger already has
// these exact methods, but this keeps the dependency explicit and gives
// us a named zero-value-friendly default).
type slogLogger struct{ l *slog.Logger }

func (s slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

// defaultLogger is slog.Default() wrapped as a Logger. It is the
// Dispatcher's error sink when no ErrorHandler is configured.
func defaultLogger() Logger { return slogLogger{l: slog.Default()} }

// defaultErrorHandler logs a dispatch-path error at a severity matching
// its kind, classifying it by the sentinel errors in errors.go.
func defaultErrorHandler(log Logger) func(error) {
	return func(err error) {
		switch {
		case err == nil:
			return
		case errors.Is(err, ErrPrecondition):
			log.Error("precondition violated", "error", err)
		case errors.Is(err, ErrConsumer):
			log.Warn("consumer failed", "error", err)
		case errors.Is(err, ErrBackpressureInterrupted):
			log.Warn("backpressure wait interrupted", "error", err)
		case errors.Is(err, ErrTimerCallback):
			log.Error("timer callback failed", "error", err)
		default:
			log.Error("dispatch failed", "error", err)
		}
	}
}
