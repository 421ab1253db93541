package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/alem-hub/lab-engine/internal/application/controller"
	"github.com/alem-hub/lab-engine/internal/domain/section"
	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
	"github.com/alem-hub/lab-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/lab-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/lab-engine/internal/interface/http/handlers"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	status.Version = s.deps.Version
	if !status.Healthy {
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Ready {
		writeJSONError(w, http.StatusServiceUnavailable, "not_ready", status.Message)
		return
	}
	report := ReadyReport{
		Ready:        true,
		Degraded:     status.Degraded,
		OpenSessions: s.deps.Manager.Len(),
	}
	if s.deps.Events != nil {
		snap := s.deps.Events.Snapshot()
		report.Events = &snap
	}
	if s.deps.Jobs != nil {
		report.Scheduler = &SchedulerReport{
			Running: s.deps.Jobs.IsRunning(),
			Jobs:    s.deps.Jobs.ListJobs(),
		}
	}
	writeJSON(w, http.StatusOK, report)
}

// ReadyReport is the body of a successful readiness check.
type ReadyReport struct {
	Ready        bool                               `json:"ready"`
	Degraded     []string                           `json:"degraded,omitempty"`
	OpenSessions int                                `json:"open_sessions"`
	Events       *messaging.EventBusMetricsSnapshot `json:"events,omitempty"`
	Scheduler    *SchedulerReport                   `json:"scheduler,omitempty"`
}

// SchedulerReport lists the background jobs and their run counters.
type SchedulerReport struct {
	Running bool                `json:"running"`
	Jobs    []scheduler.JobInfo `json:"jobs"`
}

// ══════════════════════════════════════════════════════════════════════════════
// EXERCISE CATALOGUE
// ══════════════════════════════════════════════════════════════════════════════

// ExerciseSummary describes one registered exercise.
type ExerciseSummary struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Simulation string `json:"simulation"`
	Sections   int    `json:"sections"`
	Required   int    `json:"required_to_submit"`
}

func (s *Server) handleListExercises(w http.ResponseWriter, r *http.Request) {
	defs := s.deps.Manager.Registry().Definitions()
	out := make([]ExerciseSummary, 0, len(defs))
	for _, d := range defs {
		out = append(out, ExerciseSummary{
			ID:         string(d.ID),
			Title:      d.Title,
			Simulation: string(d.Simulation),
			Sections:   len(d.Sections),
			Required:   d.Submit.Required(len(d.Sections)),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// studentParam selects whose session a staff caller works on.
const studentParam = "student"

// sessionKey builds the session key for the requested lab. It belongs to the
// caller unless a staff caller names a student through ?student=.
func sessionKey(r *http.Request) (session.Key, handlers.Identity, error) {
	id, ok := handlers.IdentityFromContext(r.Context())
	if !ok {
		return session.Key{}, id, shared.NewDomainError("http", "Identity", shared.ErrUnauthorized, "no identity")
	}
	owner := string(id.UserID)
	if student := strings.TrimSpace(r.URL.Query().Get(studentParam)); student != "" && student != owner {
		if !id.Privileged {
			return session.Key{}, id, shared.NewDomainError("http", "Identity", shared.ErrForbidden,
				"only staff may open another student's session")
		}
		owner = student
	}
	key, err := session.NewKey(owner, r.PathValue("course"), r.PathValue("exercise"))
	return key, id, err
}

// controller returns the live controller of the request's session, opening
// it when needed. It writes the error response itself.
func (s *Server) controller(w http.ResponseWriter, r *http.Request) (*controller.Controller, bool) {
	key, id, err := sessionKey(r)
	if err != nil {
		writeDomainError(w, r, err)
		return nil, false
	}
	ctrl, err := s.deps.Manager.Open(r.Context(), key, controller.Actor{UserID: id.UserID, Privileged: id.Privileged})
	if err != nil {
		writeDomainError(w, r, err)
		return nil, false
	}
	return ctrl, true
}

// withSession runs op on the session and answers with its view.
func (s *Server) withSession(op func(*http.Request, *controller.Controller) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctrl, ok := s.controller(w, r)
		if !ok {
			return
		}
		if op != nil {
			if err := op(r, ctrl); err != nil {
				writeDomainError(w, r, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, ctrl.View())
	}
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	s.withSession(nil)(w, r)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.withSession(nil)(w, r)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	key, _, err := sessionKey(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if !s.deps.Manager.Close(key) {
		writeJSONError(w, http.StatusNotFound, "not_found", "session is not open")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.withSession(func(r *http.Request, c *controller.Controller) error {
		return c.Start(r.Context())
	})(w, r)
}

// NavigateRequest moves the current section.
type NavigateRequest struct {
	Section section.Key `json:"section"`
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	s.withSession(func(r *http.Request, c *controller.Controller) error {
		var req NavigateRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return c.NavigateTo(r.Context(), req.Section)
	})(w, r)
}

func (s *Server) handleUpdateSection(w http.ResponseWriter, r *http.Request) {
	s.withSession(func(r *http.Request, c *controller.Controller) error {
		var content section.Content
		if err := decodeBody(r, &content); err != nil {
			return err
		}
		_, err := c.UpdateSection(r.Context(), section.Key(r.PathValue("section")), content)
		return err
	})(w, r)
}

// DataRequest carries entered numeric values and notes.
type DataRequest struct {
	Fields map[string]*float64 `json:"fields"`
	Notes  map[string]string   `json:"notes"`
}

func (s *Server) handleUpdateObservation(w http.ResponseWriter, r *http.Request) {
	s.withSession(func(r *http.Request, c *controller.Controller) error {
		var req DataRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return c.UpdateData(r.Context(), section.SourceObservation, req.Fields, req.Notes)
	})(w, r)
}

func (s *Server) handleUpdateAnalysis(w http.ResponseWriter, r *http.Request) {
	s.withSession(func(r *http.Request, c *controller.Controller) error {
		var req DataRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return c.UpdateAnalysis(r.Context(), req.Fields, req.Notes)
	})(w, r)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.withSession(func(r *http.Request, c *controller.Controller) error {
		return c.Submit(r.Context())
	})(w, r)
}

// ══════════════════════════════════════════════════════════════════════════════
// SIMULATION HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// IsotopeRequest selects an isotope.
type IsotopeRequest struct {
	Isotope string `json:"isotope"`
}

func (s *Server) handleSelectIsotope(w http.ResponseWriter, r *http.Request) {
	s.withSession(func(r *http.Request, c *controller.Controller) error {
		var req IsotopeRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return c.SelectIsotope(r.Context(), req.Isotope)
	})(w, r)
}

// ClockRequest drives the counting clock: start, stop or reset.
type ClockRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleDecayClock(w http.ResponseWriter, r *http.Request) {
	s.withSession(func(r *http.Request, c *controller.Controller) error {
		var req ClockRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		switch req.Action {
		case "start":
			return c.StartClock()
		case "stop":
			return c.StopClock()
		case "reset":
			return c.ResetRun(r.Context())
		default:
			return shared.NewDomainError("http", "DecayClock", shared.ErrInvalidInput,
				fmt.Sprintf("unknown clock action %q", req.Action))
		}
	})(w, r)
}

// LEDRequest selects an LED.
type LEDRequest struct {
	LED string `json:"led"`
}

func (s *Server) handleSelectLED(w http.ResponseWriter, r *http.Request) {
	s.withSession(func(r *http.Request, c *controller.Controller) error {
		var req LEDRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return c.SelectLED(r.Context(), req.LED)
	})(w, r)
}

// VoltageRequest applies a voltage.
type VoltageRequest struct {
	Voltage *float64 `json:"voltage"`
}

func (s *Server) handleSetVoltage(w http.ResponseWriter, r *http.Request) {
	s.withSession(func(r *http.Request, c *controller.Controller) error {
		var req VoltageRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		if req.Voltage == nil {
			return shared.NewDomainError("http", "SetVoltage", shared.ErrInvalidInput, "voltage is required")
		}
		_, err := c.SetVoltage(r.Context(), *req.Voltage)
		return err
	})(w, r)
}

// ModeRequest toggles experiment mode.
type ModeRequest struct {
	Experiment bool `json:"experiment"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	s.withSession(func(r *http.Request, c *controller.Controller) error {
		var req ModeRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return c.SetExperimentMode(req.Experiment)
	})(w, r)
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// decodeBody decodes a JSON body into dst, rejecting unknown fields.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return shared.NewDomainError("http", "Decode", shared.ErrInvalidInput, "request body is required")
		}
		return shared.WrapError("http", "Decode", shared.ErrInvalidFormat, "malformed request body", err)
	}
	return nil
}
