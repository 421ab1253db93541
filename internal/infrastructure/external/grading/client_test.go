package grading

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
	"github.com/alem-hub/lab-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/lab-engine/pkg/circuitbreaker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func request() session.SubmitRequest {
	return session.SubmitRequest{
		ExerciseID:   "decay-halflife",
		StudentID:    "u1",
		CourseID:     "phys-101",
		SubmissionID: "3f0c4b8e-7d1a-4c39-9b64-2f7f1e0b6a11",
	}
}

func newClient(t *testing.T, handler http.HandlerFunc, breaker *circuitbreaker.CircuitBreaker) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig(srv.URL + "/")
	cfg.APIKey = "secret"
	cfg.Logger = quietLogger()
	return NewClient(cfg, breaker)
}

func TestClient_Submit_Success(t *testing.T) {
	var got session.SubmitRequest
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/submissions", r.URL.Path)
		assert.Equal(t, request().SubmissionID, r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true}`))
	}, nil)

	res, err := client.Submit(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, request(), got)
}

func TestClient_Submit_Rejection(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"success":false,"error":"deadline passed"}`))
	}, nil)

	res, err := client.Submit(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "deadline passed", res.Error)
}

func TestClient_Submit_RejectionWithoutBody(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}, nil)

	res, err := client.Submit(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "409")
}

func TestClient_Submit_ServerErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}, nil)

	_, err := client.Submit(context.Background(), request())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrGradingUnavailable)
	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.EqualValues(t, 1, calls.Load())
}

func TestClient_Submit_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	breaker := circuitbreaker.New("grading-test",
		circuitbreaker.WithFailureThreshold(2),
		circuitbreaker.WithTimeout(time.Hour),
	)
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, breaker)

	for i := 0; i < 2; i++ {
		_, err := client.Submit(context.Background(), request())
		require.Error(t, err)
	}
	_, err := client.Submit(context.Background(), request())
	assert.ErrorIs(t, err, shared.ErrGradingUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.EqualValues(t, 2, calls.Load())
}

func TestClient_Submit_RejectionsDoNotTripBreaker(t *testing.T) {
	breaker := circuitbreaker.New("grading-test", circuitbreaker.WithFailureThreshold(1))
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"not enrolled"}`))
	}, breaker)

	for i := 0; i < 3; i++ {
		res, err := client.Submit(context.Background(), request())
		require.NoError(t, err)
		assert.False(t, res.Success)
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
}

func TestLocalSubmitter_RecordsSubmission(t *testing.T) {
	store := memory.NewStore()
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	sub := NewLocalSubmitter(store, func() time.Time { return at }, quietLogger())

	res, err := sub.Submit(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, res.Success)

	key, err := session.NewKey("u1", "phys-101", "decay-halflife")
	require.NoError(t, err)
	rec, err := store.Record(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, rec.Submitted)
	require.NotNil(t, rec.SubmittedAt)
	assert.True(t, rec.SubmittedAt.Equal(at))
}

func TestLocalSubmitter_InvalidKeyIsRejected(t *testing.T) {
	sub := NewLocalSubmitter(memory.NewStore(), nil, quietLogger())
	req := request()
	req.StudentID = ""

	res, err := sub.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}
