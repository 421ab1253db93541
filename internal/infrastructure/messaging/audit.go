package messaging

import (
	"context"
	"log/slog"

	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

// AuditLogger writes every lab event to a structured log. Measurement
// events are frequent and go to debug level.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates an audit logger.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{logger: logger.With("component", "audit")}
}

// Register subscribes the audit logger to every event on bus.
func (a *AuditLogger) Register(bus shared.EventSubscriber) error {
	return bus.SubscribeAll(a.Handle)
}

// Handle logs one event.
func (a *AuditLogger) Handle(event shared.Event) error {
	level := slog.LevelInfo
	switch event.EventType() {
	case shared.EventMeasurementRecorded:
		level = slog.LevelDebug
	case shared.EventSaveFailed, shared.EventSubmissionFailed:
		level = slog.LevelWarn
	}

	attrs := []any{
		"event_type", string(event.EventType()),
		"session", event.AggregateID(),
		"occurred_at", event.OccurredAt(),
	}
	for k, v := range event.Payload() {
		attrs = append(attrs, k, v)
	}
	a.logger.Log(context.Background(), level, "lab event", attrs...)
	return nil
}
