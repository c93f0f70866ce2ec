// Package observability provides structured logging, metrics and tracing
// for the flow engine.
//
// Features:
//   - Structured logging via slog, with a colourised tint handler for
//     terminals and a JSON handler for production
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// NewLogger returns a logger writing human-readable lines to w. Output is
// colourised only when w is a terminal.
func NewLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		NoColor:    !isTerminal(w),
	}))
}

// NewJSONLogger returns a logger writing JSON lines to w.
func NewJSONLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && isatty.IsTerminal(f.Fd())
}

// EnrichLogger adds flow context to a logger.
// Returns a new logger with flow_id, event_id and event_type fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "flow_01h...", "evt-1", "wakeup")
//	enriched.Info("resuming") // includes flow_id, event_id, event_type
func EnrichLogger(logger *slog.Logger, flowID, eventID, eventType string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("flow_id", flowID),
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
	)
}

// LogEventStart logs the start of flow event processing.
func LogEventStart(logger *slog.Logger, flowID, eventType string) {
	if logger == nil {
		return
	}
	logger.Debug("flow event processing",
		slog.String("flow_id", flowID),
		slog.String("event_type", eventType),
	)
}

// LogEventComplete logs successful flow event processing.
func LogEventComplete(logger *slog.Logger, flowID string, durationMs float64, records int) {
	if logger == nil {
		return
	}
	logger.Info("flow event processed",
		slog.String("flow_id", flowID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("records", records),
	)
}

// LogEventError logs flow event processing failure.
func LogEventError(logger *slog.Logger, flowID string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("flow event failed",
		slog.String("flow_id", flowID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStage logs a pipeline stage transition.
func LogStage(logger *slog.Logger, flowID, stage string) {
	if logger == nil {
		return
	}
	logger.Debug("pipeline stage",
		slog.String("flow_id", flowID),
		slog.String("stage", stage),
	)
}

// LogSessionStatus logs a session status change.
func LogSessionStatus(logger *slog.Logger, sessionID, from, to string) {
	if logger == nil || from == to {
		return
	}
	logger.Info("session status changed",
		slog.String("session_id", sessionID),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// LogFlowTerminated logs that a flow reached a terminal status.
func LogFlowTerminated(logger *slog.Logger, flowID, status, reason string) {
	if logger == nil {
		return
	}
	logger.Info("flow terminated",
		slog.String("flow_id", flowID),
		slog.String("status", status),
		slog.String("reason", reason),
	)
}

// LogCheckpoint logs checkpoint persistence.
func LogCheckpoint(logger *slog.Logger, flowID string, sizeBytes int) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.String("flow_id", flowID),
		slog.Int("size_bytes", sizeBytes),
	)
}

// LogCheckpointError logs checkpoint failure.
func LogCheckpointError(logger *slog.Logger, flowID string, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint failed",
		slog.String("flow_id", flowID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
