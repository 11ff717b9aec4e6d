package errors

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger   *zap.Logger
	loggerMu sync.RWMutex
)

// Logger returns the relay logger. It is a no-op logger until SetLogger
// is called.
func Logger() *zap.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// SetLogger configures the relay logger. Pass nil to restore the no-op logger.
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// LogHandler is an ErrorHandler that writes structured log entries.
type LogHandler struct {
	// Logger overrides the package logger when set.
	Logger *zap.Logger
	// Verbose adds stack traces to panic entries.
	Verbose bool
}

func (h *LogHandler) log() *zap.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return Logger()
}

// HandleError logs a RelayError at warn level.
func (h *LogHandler) HandleError(err *RelayError) {
	if err == nil {
		return
	}
	fields := []zap.Field{
		zap.String("op", err.Op),
		zap.Stringer("kind", err.Kind),
		zap.Error(err.Err),
	}
	if err.Component != "" {
		fields = append(fields, zap.String("component", err.Component))
	}
	h.log().Warn("relay error", fields...)
}

// HandleDiagnostic logs a Diagnostic. Capture warnings and missed
// deliveries are expected in normal operation, so they log at info.
func (h *LogHandler) HandleDiagnostic(d *Diagnostic) {
	if d == nil {
		return
	}
	fields := []zap.Field{
		zap.String("op", d.Op),
		zap.Stringer("kind", d.Kind),
		zap.Time("at", d.Timestamp),
	}
	if d.InstanceID != "" {
		fields = append(fields, zap.String("instance", d.InstanceID))
	}
	if d.Key != "" {
		fields = append(fields, zap.String("key", d.Key))
	}
	if d.Err != nil {
		fields = append(fields, zap.Error(d.Err))
	}
	h.log().Info("relay diagnostic", fields...)
}

// HandlePanic logs a PanicError at error level.
func (h *LogHandler) HandlePanic(err *PanicError) {
	if err == nil {
		return
	}
	fields := []zap.Field{
		zap.String("op", err.Op),
		zap.Any("panic", err.Value),
	}
	if h.Verbose && err.StackTrace != "" {
		fields = append(fields, zap.String("stack", err.StackTrace))
	}
	h.log().Error("relay panic", fields...)
}
