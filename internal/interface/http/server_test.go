package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/alem-hub/lab-engine/internal/application/controller"
	"github.com/alem-hub/lab-engine/internal/application/labs"
	"github.com/alem-hub/lab-engine/internal/domain/exercise"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
	"github.com/alem-hub/lab-engine/internal/infrastructure/external/grading"
	"github.com/alem-hub/lab-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/lab-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/lab-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/lab-engine/internal/interface/http/handlers"
	"github.com/alem-hub/lab-engine/pkg/logger"
	"github.com/alem-hub/lab-engine/pkg/timeutil"
)

const staffToken = "correct-horse-battery-staple"

type apiFixture struct {
	handler http.Handler
	store   *memory.Store
	clock   *timeutil.Fake
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()

	reg, err := exercise.Default()
	require.NoError(t, err)

	store := memory.NewStore()
	clock := timeutil.NewFake(time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC))
	mgr := labs.NewManager(labs.Config{
		Registry:   reg,
		Controller: controller.DefaultOptions(),
		Deps: controller.Deps{
			Store:       store,
			Submitter:   grading.NewLocalSubmitter(store, clock.Now, nil),
			Assessments: store,
			Clock:       clock,
		},
		Logger: logger.Discard(),
	})
	t.Cleanup(mgr.CloseAll)

	hash, err := bcrypt.GenerateFromPassword([]byte(staffToken), bcrypt.MinCost)
	require.NoError(t, err)

	srv := NewServer(DefaultConfig(), Dependencies{
		Manager: mgr,
		Staff:   handlers.NewStaffTokens([]string{string(hash)}),
		Logger:  logger.Discard(),
		Version: "test",
	})
	return &apiFixture{handler: srv.Handler(), store: store, clock: clock}
}

type call struct {
	method string
	path   string
	body   any
	user   string
	staff  string
}

type reply struct {
	status int
	body   JSONResponse
	raw    []byte
}

func (f *apiFixture) do(t *testing.T, c call) reply {
	t.Helper()

	var body bytes.Buffer
	if c.body != nil {
		if s, ok := c.body.(string); ok {
			body.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&body).Encode(c.body))
		}
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	if c.user != "" {
		req.Header.Set(handlers.HeaderUserID, c.user)
	}
	if c.staff != "" {
		req.Header.Set(handlers.HeaderStaffToken, c.staff)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	out := reply{status: rec.Code, raw: rec.Body.Bytes()}
	if len(out.raw) > 0 {
		require.NoError(t, json.Unmarshal(out.raw, &out.body), string(out.raw))
	}
	return out
}

// view decodes the data of a session response.
func (r reply) view(t *testing.T) controller.View {
	t.Helper()
	data, err := json.Marshal(r.body.Data)
	require.NoError(t, err)
	var v controller.View
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func (r reply) code() string {
	if r.body.Error == nil {
		return ""
	}
	return r.body.Error.Code
}

const decayLab = "/api/v1/labs/phys-101/radioactive-decay"

func TestAPI_RequiresIdentity(t *testing.T) {
	api := newAPI(t)

	res := api.do(t, call{method: http.MethodGet, path: decayLab})
	assert.Equal(t, http.StatusUnauthorized, res.status)
	assert.Equal(t, "missing_identity", res.code())

	res = api.do(t, call{method: http.MethodGet, path: decayLab, user: "u1", staff: "wrong"})
	assert.Equal(t, http.StatusForbidden, res.status)
	assert.Equal(t, "invalid_staff_token", res.code())
}

func TestAPI_HealthAndCatalogue(t *testing.T) {
	api := newAPI(t)

	res := api.do(t, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, res.status)
	assert.True(t, res.body.Success)

	res = api.do(t, call{method: http.MethodGet, path: "/api/v1/exercises"})
	require.Equal(t, http.StatusOK, res.status)
	list, ok := res.body.Data.([]any)
	require.True(t, ok)
	assert.Len(t, list, 2)
}

type stubEvents struct{ snap messaging.EventBusMetricsSnapshot }

func (s stubEvents) Snapshot() messaging.EventBusMetricsSnapshot { return s.snap }

type stubJobs struct{}

func (stubJobs) IsRunning() bool { return true }

func (stubJobs) ListJobs() []scheduler.JobInfo {
	return []scheduler.JobInfo{{Name: "close_idle_sessions", Enabled: true, RunCount: 3, FailCount: 1}}
}

func TestAPI_ReadyReportsEventsAndJobs(t *testing.T) {
	reg, err := exercise.Default()
	require.NoError(t, err)
	mgr := labs.NewManager(labs.Config{Registry: reg, Deps: controller.Deps{Store: memory.NewStore()}})
	t.Cleanup(mgr.CloseAll)

	checks := handlers.NewChecks("test", 0)
	checks.Add("redis", handlers.Degraded, func(context.Context) error { return errors.New("connection refused") })

	srv := NewServer(DefaultConfig(), Dependencies{
		Manager:       mgr,
		HealthChecker: checks,
		Events:        stubEvents{snap: messaging.EventBusMetricsSnapshot{TotalPublished: 7, HandlerFailures: 2}},
		Jobs:          stubJobs{},
		Logger:        logger.Discard(),
	})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Data ReadyReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	report := body.Data
	assert.True(t, report.Ready)
	assert.Equal(t, []string{"redis"}, report.Degraded)
	require.NotNil(t, report.Events)
	assert.EqualValues(t, 7, report.Events.TotalPublished)
	assert.EqualValues(t, 2, report.Events.HandlerFailures)
	require.NotNil(t, report.Scheduler)
	assert.True(t, report.Scheduler.Running)
	require.Len(t, report.Scheduler.Jobs, 1)
	assert.Equal(t, "close_idle_sessions", report.Scheduler.Jobs[0].Name)
	assert.EqualValues(t, 1, report.Scheduler.Jobs[0].FailCount)
}

func TestAPI_NotReadyWhenStoreDown(t *testing.T) {
	reg, err := exercise.Default()
	require.NoError(t, err)
	mgr := labs.NewManager(labs.Config{Registry: reg, Deps: controller.Deps{Store: memory.NewStore()}})
	t.Cleanup(mgr.CloseAll)

	checks := handlers.NewChecks("test", 0)
	checks.Add("session_store", handlers.Critical, func(context.Context) error { return shared.ErrStoreUnavailable })
	srv := NewServer(DefaultConfig(), Dependencies{Manager: mgr, HealthChecker: checks, Logger: logger.Discard()})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "session_store")
}

func TestAPI_SessionLifecycle(t *testing.T) {
	api := newAPI(t)
	u := "student-7"

	res := api.do(t, call{method: http.MethodPost, path: decayLab + "/open", user: u})
	require.Equal(t, http.StatusOK, res.status, string(res.raw))
	v := res.view(t)
	assert.Equal(t, "student-7/phys-101/radioactive-decay", v.Key)
	assert.EqualValues(t, "not_started", v.State)

	res = api.do(t, call{method: http.MethodPost, path: decayLab + "/start", user: u})
	require.Equal(t, http.StatusOK, res.status)
	assert.EqualValues(t, "in_progress", res.view(t).State)

	res = api.do(t, call{method: http.MethodPost, path: decayLab + "/start", user: u})
	assert.Equal(t, http.StatusConflict, res.status)

	res = api.do(t, call{method: http.MethodPut, path: decayLab + "/sections/safety", user: u,
		body: map[string]any{"acknowledged": true}})
	require.Equal(t, http.StatusOK, res.status)
	v = res.view(t)
	require.NotEmpty(t, v.Sections)
	assert.EqualValues(t, "safety", v.Sections[0].Key)
	assert.EqualValues(t, "completed", v.Sections[0].Status)

	res = api.do(t, call{method: http.MethodPost, path: decayLab + "/navigate", user: u,
		body: map[string]any{"section": "hypothesis"}})
	require.Equal(t, http.StatusOK, res.status)
	assert.EqualValues(t, "hypothesis", res.view(t).CurrentSection)

	res = api.do(t, call{method: http.MethodPost, path: decayLab + "/navigate", user: u,
		body: map[string]any{"section": "nowhere"}})
	assert.Equal(t, http.StatusNotFound, res.status)

	res = api.do(t, call{method: http.MethodPost, path: decayLab + "/submit", user: u})
	assert.Equal(t, http.StatusConflict, res.status)
	assert.Equal(t, "submit_precondition", res.code())

	// Let the debounced section save reach the store.
	api.clock.Advance(time.Minute)

	res = api.do(t, call{method: http.MethodDelete, path: decayLab, user: u})
	assert.Equal(t, http.StatusNoContent, res.status)
	res = api.do(t, call{method: http.MethodDelete, path: decayLab, user: u})
	assert.Equal(t, http.StatusNotFound, res.status)

	// Reopening restores from the store.
	res = api.do(t, call{method: http.MethodGet, path: decayLab, user: u})
	require.Equal(t, http.StatusOK, res.status)
	v = res.view(t)
	assert.EqualValues(t, "in_progress", v.State)
	assert.EqualValues(t, "completed", v.Sections[0].Status)
}

func TestAPI_BadRequests(t *testing.T) {
	api := newAPI(t)
	u := "u1"

	res := api.do(t, call{method: http.MethodGet, path: "/api/v1/labs/phys-101/no-such-lab", user: u})
	assert.Equal(t, http.StatusNotFound, res.status)

	api.do(t, call{method: http.MethodPost, path: decayLab + "/start", user: u})

	res = api.do(t, call{method: http.MethodPost, path: decayLab + "/navigate", user: u, body: "{"})
	assert.Equal(t, http.StatusBadRequest, res.status)

	res = api.do(t, call{method: http.MethodPost, path: decayLab + "/navigate", user: u, body: `{"unknown":1}`})
	assert.Equal(t, http.StatusBadRequest, res.status)

	res = api.do(t, call{method: http.MethodPost, path: decayLab + "/decay/clock", user: u,
		body: map[string]any{"action": "rewind"}})
	assert.Equal(t, http.StatusBadRequest, res.status)

	res = api.do(t, call{method: http.MethodPost, path: decayLab + "/circuit/voltage", user: u,
		body: map[string]any{"voltage": 2.0}})
	assert.Equal(t, http.StatusConflict, res.status, "decay lab has no circuit")
}

func TestAPI_LEDLab(t *testing.T) {
	api := newAPI(t)
	u := "u2"
	lab := "/api/v1/labs/phys-101/led-planck"

	require.Equal(t, http.StatusOK, api.do(t, call{method: http.MethodPost, path: lab + "/start", user: u}).status)

	res := api.do(t, call{method: http.MethodPost, path: lab + "/circuit/led", user: u,
		body: map[string]any{"led": "red"}})
	require.Equal(t, http.StatusOK, res.status, string(res.raw))

	res = api.do(t, call{method: http.MethodPost, path: lab + "/circuit/mode", user: u,
		body: map[string]any{"experiment": true}})
	require.Equal(t, http.StatusOK, res.status)

	res = api.do(t, call{method: http.MethodPost, path: lab + "/circuit/voltage", user: u,
		body: map[string]any{"voltage": 1.9}})
	require.Equal(t, http.StatusOK, res.status)
	v := res.view(t)
	require.NotNil(t, v.Circuit)
	assert.True(t, v.Circuit.Active)
	require.Contains(t, v.Observation.Fields, "crossing_red")

	res = api.do(t, call{method: http.MethodPost, path: lab + "/circuit/voltage", user: u, body: map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, res.status)

	res = api.do(t, call{method: http.MethodPost, path: lab + "/circuit/led", user: u,
		body: map[string]any{"led": "ultraviolet"}})
	assert.Equal(t, http.StatusNotFound, res.status)
}

func TestAPI_StaffOpenAutoStarts(t *testing.T) {
	api := newAPI(t)

	res := api.do(t, call{method: http.MethodPost, path: decayLab + "/open", user: "ta-1", staff: staffToken})
	require.Equal(t, http.StatusOK, res.status)
	assert.EqualValues(t, "in_progress", res.view(t).State)
}

func TestAPI_StaffSelectsStudentSession(t *testing.T) {
	api := newAPI(t)
	student := "student-1"

	require.Equal(t, http.StatusOK, api.do(t, call{method: http.MethodPost, path: decayLab + "/start", user: student}).status)
	res := api.do(t, call{method: http.MethodPut, path: decayLab + "/sections/safety", user: student,
		body: map[string]any{"acknowledged": true}})
	require.Equal(t, http.StatusOK, res.status)

	// Staff reach the student's live session, not their own.
	res = api.do(t, call{method: http.MethodGet, path: decayLab + "?student=" + student, user: "ta-1", staff: staffToken})
	require.Equal(t, http.StatusOK, res.status, string(res.raw))
	v := res.view(t)
	assert.Equal(t, "student-1/phys-101/radioactive-decay", v.Key)
	assert.EqualValues(t, "in_progress", v.State)
	assert.EqualValues(t, "completed", v.Sections[0].Status)

	res = api.do(t, call{method: http.MethodPost, path: decayLab + "/navigate?student=" + student, user: "ta-1", staff: staffToken,
		body: map[string]any{"section": "hypothesis"}})
	require.Equal(t, http.StatusOK, res.status)

	res = api.do(t, call{method: http.MethodGet, path: decayLab, user: student})
	require.Equal(t, http.StatusOK, res.status)
	assert.EqualValues(t, "hypothesis", res.view(t).CurrentSection)

	// Naming yourself is harmless.
	res = api.do(t, call{method: http.MethodGet, path: decayLab + "?student=" + student, user: student})
	assert.Equal(t, http.StatusOK, res.status)

	// Another student may not.
	res = api.do(t, call{method: http.MethodGet, path: decayLab + "?student=" + student, user: "student-2"})
	assert.Equal(t, http.StatusForbidden, res.status)
	assert.Equal(t, "forbidden", res.code())

	res = api.do(t, call{method: http.MethodDelete, path: decayLab + "?student=" + student, user: "student-2"})
	assert.Equal(t, http.StatusForbidden, res.status)

	res = api.do(t, call{method: http.MethodDelete, path: decayLab + "?student=" + student, user: "ta-1", staff: staffToken})
	assert.Equal(t, http.StatusNoContent, res.status)
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{shared.ErrSubmitPrecondition, http.StatusConflict},
		{shared.WrapError("controller", "Submit", shared.ErrSubmissionRejected, "rejected", errors.New("x")), http.StatusBadGateway},
		{shared.ErrSessionSubmitted, http.StatusForbidden},
		{shared.ErrExerciseNotFound, http.StatusNotFound},
		{shared.ErrInvalidSessionKey, http.StatusBadRequest},
		{shared.ErrSessionClosed, http.StatusConflict},
		{shared.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := errorStatus(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}
