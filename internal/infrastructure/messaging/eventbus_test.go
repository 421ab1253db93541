package messaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

var at = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func syncBus() *InMemoryEventBus {
	return NewInMemoryEventBus(InMemoryEventBusConfig{
		Logger:        slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		EnableMetrics: true,
	})
}

func TestInMemoryEventBus_DeliversByType(t *testing.T) {
	bus := syncBus()

	var typed, all []shared.EventType
	require.NoError(t, bus.Subscribe(shared.EventSessionSubmitted, func(e shared.Event) error {
		typed = append(typed, e.EventType())
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		all = append(all, e.EventType())
		return nil
	}))

	require.NoError(t, bus.Publish(shared.NewSessionStartedEvent("u1/c/e", "intro", false, at)))
	require.NoError(t, bus.Publish(shared.NewSessionSubmittedEvent("u1/c/e", "sub-1", false, 3, at)))

	assert.Equal(t, []shared.EventType{shared.EventSessionSubmitted}, typed)
	assert.Equal(t, []shared.EventType{shared.EventSessionStarted, shared.EventSessionSubmitted}, all)

	snap := bus.Metrics().Snapshot()
	assert.EqualValues(t, 2, snap.TotalPublished)
	assert.EqualValues(t, 3, snap.HandlerExecutions)
	assert.Zero(t, snap.HandlerFailures)
}

func TestInMemoryEventBus_HandlerFailuresDoNotReachPublisher(t *testing.T) {
	bus := syncBus()

	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { return errors.New("boom") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { panic("worse") }))

	var reached bool
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		reached = true
		return nil
	}))

	assert.NoError(t, bus.Publish(shared.NewRunResetEvent("u1/c/e", "decay", "cs-137", at)))
	assert.True(t, reached)
	assert.EqualValues(t, 2, bus.Metrics().Snapshot().HandlerFailures)
}

func TestInMemoryEventBus_AsyncCloseWaitsForHandlers(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2})

	var handled atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		time.Sleep(5 * time.Millisecond)
		handled.Add(1)
		return nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(shared.NewThresholdCrossedEvent("u1/c/e", "red", 1.8, at)))
	}
	require.NoError(t, bus.Close())
	assert.LessOrEqual(t, handled.Load(), int32(5))

	assert.ErrorIs(t, bus.Publish(shared.NewRunResetEvent("u1/c/e", "led", "red", at)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.SubscribeAll(func(shared.Event) error { return nil }), ErrEventBusClosed)
	assert.NoError(t, bus.Close())
}

func TestInMemoryEventBus_RejectsNil(t *testing.T) {
	bus := syncBus()
	assert.ErrorIs(t, bus.Subscribe(shared.EventRunReset, nil), ErrNilHandler)
	assert.ErrorIs(t, bus.SubscribeAll(nil), ErrNilHandler)
	assert.ErrorIs(t, bus.Publish(nil), ErrNilEvent)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b.buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestAuditLogger_LogsEvents(t *testing.T) {
	out := &lockedBuffer{}
	audit := NewAuditLogger(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})))

	bus := syncBus()
	require.NoError(t, audit.Register(bus))

	require.NoError(t, bus.Publish(shared.NewSubmissionFailedEvent("u1/c/e", "sub-1", "grader down", at)))
	require.NoError(t, bus.Publish(shared.NewMeasurementRecordedEvent("u1/c/e", "cs-137", shared.Measurement{}, at)))

	lines := out.lines(t)
	require.Len(t, lines, 1, "measurements are debug-level")
	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, string(shared.EventSubmissionFailed), lines[0]["event_type"])
	assert.Equal(t, "u1/c/e", lines[0]["session"])
	assert.Equal(t, "audit", lines[0]["component"])
}
