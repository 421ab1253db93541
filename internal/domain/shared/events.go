// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Lab event types. Each event represents something significant that happened
// inside one lab session.
const (
	// Session lifecycle events
	EventSessionStarted       EventType = "lab.session_started"
	EventSectionNavigated     EventType = "lab.section_navigated"
	EventSectionStatusChanged EventType = "lab.section_status_changed"
	EventSessionSubmitted     EventType = "lab.session_submitted"
	EventSubmissionFailed     EventType = "lab.submission_failed"
	EventSaveFailed           EventType = "lab.save_failed"

	// Simulation events
	EventMeasurementRecorded EventType = "simulation.measurement_recorded"
	EventThresholdCrossed    EventType = "simulation.threshold_crossed"
	EventRunReset            EventType = "simulation.run_reset"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event stamped with at.
func NewBaseEvent(eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Session Events
// ═══════════════════════════════════════════════════════════════════════════

// SessionStartedEvent is emitted when a session leaves NotStarted.
type SessionStartedEvent struct {
	BaseEvent
	FirstSection string `json:"first_section"`
	Automatic    bool   `json:"automatic"`
}

// Payload implements Event interface.
func (e SessionStartedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"first_section": e.FirstSection,
		"automatic":     e.Automatic,
	}
}

// NewSessionStartedEvent creates a new SessionStartedEvent. Automatic marks
// the start performed on behalf of a privileged viewer.
func NewSessionStartedEvent(sessionID, firstSection string, automatic bool, at time.Time) SessionStartedEvent {
	return SessionStartedEvent{
		BaseEvent:    NewBaseEvent(EventSessionStarted, sessionID, at),
		FirstSection: firstSection,
		Automatic:    automatic,
	}
}

// SectionNavigatedEvent is emitted when the current section pointer moves.
type SectionNavigatedEvent struct {
	BaseEvent
	From string `json:"from"`
	To   string `json:"to"`
}

// Payload implements Event interface.
func (e SectionNavigatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"from": e.From,
		"to":   e.To,
	}
}

// NewSectionNavigatedEvent creates a new SectionNavigatedEvent.
func NewSectionNavigatedEvent(sessionID, from, to string, at time.Time) SectionNavigatedEvent {
	return SectionNavigatedEvent{
		BaseEvent: NewBaseEvent(EventSectionNavigated, sessionID, at),
		From:      from,
		To:        to,
	}
}

// SectionStatusChangedEvent is emitted when re-derivation changes a status.
type SectionStatusChangedEvent struct {
	BaseEvent
	Section string `json:"section"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// Payload implements Event interface.
func (e SectionStatusChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"section": e.Section,
		"from":    e.From,
		"to":      e.To,
	}
}

// NewSectionStatusChangedEvent creates a new SectionStatusChangedEvent.
func NewSectionStatusChangedEvent(sessionID, section, from, to string, at time.Time) SectionStatusChangedEvent {
	return SectionStatusChangedEvent{
		BaseEvent: NewBaseEvent(EventSectionStatusChanged, sessionID, at),
		Section:   section,
		From:      from,
		To:        to,
	}
}

// SessionSubmittedEvent is emitted after the grading endpoint accepted a submission.
type SessionSubmittedEvent struct {
	BaseEvent
	SubmissionID string    `json:"submission_id"`
	Privileged   bool      `json:"privileged"`
	SubmittedAt  time.Time `json:"submitted_at"`
	Completed    int       `json:"completed"`
}

// Payload implements Event interface.
func (e SessionSubmittedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"submission_id": e.SubmissionID,
		"privileged":    e.Privileged,
		"submitted_at":  e.SubmittedAt,
		"completed":     e.Completed,
	}
}

// NewSessionSubmittedEvent creates a new SessionSubmittedEvent.
func NewSessionSubmittedEvent(sessionID, submissionID string, privileged bool, completed int, at time.Time) SessionSubmittedEvent {
	return SessionSubmittedEvent{
		BaseEvent:    NewBaseEvent(EventSessionSubmitted, sessionID, at),
		SubmissionID: submissionID,
		Privileged:   privileged,
		SubmittedAt:  at,
		Completed:    completed,
	}
}

// SubmissionFailedEvent is emitted when the grading endpoint call fails.
type SubmissionFailedEvent struct {
	BaseEvent
	SubmissionID string `json:"submission_id"`
	Reason       string `json:"reason"`
}

// Payload implements Event interface.
func (e SubmissionFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"submission_id": e.SubmissionID,
		"reason":        e.Reason,
	}
}

// NewSubmissionFailedEvent creates a new SubmissionFailedEvent.
func NewSubmissionFailedEvent(sessionID, submissionID, reason string, at time.Time) SubmissionFailedEvent {
	return SubmissionFailedEvent{
		BaseEvent:    NewBaseEvent(EventSubmissionFailed, sessionID, at),
		SubmissionID: submissionID,
		Reason:       reason,
	}
}

// SaveFailedEvent is emitted when a store write fails.
type SaveFailedEvent struct {
	BaseEvent
	Trigger string   `json:"trigger"`
	Fields  []string `json:"fields"`
	Reason  string   `json:"reason"`
}

// Payload implements Event interface.
func (e SaveFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"trigger": e.Trigger,
		"fields":  e.Fields,
		"reason":  e.Reason,
	}
}

// NewSaveFailedEvent creates a new SaveFailedEvent.
func NewSaveFailedEvent(sessionID, trigger string, fields []string, reason string, at time.Time) SaveFailedEvent {
	return SaveFailedEvent{
		BaseEvent: NewBaseEvent(EventSaveFailed, sessionID, at),
		Trigger:   trigger,
		Fields:    fields,
		Reason:    reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Simulation Events
// ═══════════════════════════════════════════════════════════════════════════

// MeasurementRecordedEvent is emitted for every recorded decay data point.
type MeasurementRecordedEvent struct {
	BaseEvent
	Isotope     string      `json:"isotope"`
	Measurement Measurement `json:"measurement"`
}

// Payload implements Event interface.
func (e MeasurementRecordedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"isotope":  e.Isotope,
		"time":     e.Measurement.Time,
		"measured": e.Measurement.Measured,
		"net":      e.Measurement.Net,
	}
}

// NewMeasurementRecordedEvent creates a new MeasurementRecordedEvent.
func NewMeasurementRecordedEvent(sessionID, isotope string, m Measurement, at time.Time) MeasurementRecordedEvent {
	return MeasurementRecordedEvent{
		BaseEvent:   NewBaseEvent(EventMeasurementRecorded, sessionID, at),
		Isotope:     isotope,
		Measurement: m,
	}
}

// ThresholdCrossedEvent is emitted once per LED selection in experiment mode.
type ThresholdCrossedEvent struct {
	BaseEvent
	LED     string  `json:"led"`
	Voltage float64 `json:"voltage"`
}

// Payload implements Event interface.
func (e ThresholdCrossedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"led":     e.LED,
		"voltage": e.Voltage,
	}
}

// NewThresholdCrossedEvent creates a new ThresholdCrossedEvent.
func NewThresholdCrossedEvent(sessionID, led string, voltage float64, at time.Time) ThresholdCrossedEvent {
	return ThresholdCrossedEvent{
		BaseEvent: NewBaseEvent(EventThresholdCrossed, sessionID, at),
		LED:       led,
		Voltage:   voltage,
	}
}

// RunResetEvent is emitted when a new isotope or LED selection resets a run.
type RunResetEvent struct {
	BaseEvent
	Simulation string `json:"simulation"`
	Selection  string `json:"selection"`
}

// Payload implements Event interface.
func (e RunResetEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"simulation": e.Simulation,
		"selection":  e.Selection,
	}
}

// NewRunResetEvent creates a new RunResetEvent.
func NewRunResetEvent(sessionID, simulation, selection string, at time.Time) RunResetEvent {
	return RunResetEvent{
		BaseEvent:  NewBaseEvent(EventRunReset, sessionID, at),
		Simulation: simulation,
		Selection:  selection,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(Event) error { return nil }
