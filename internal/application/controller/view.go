package controller

import (
	"time"

	"github.com/alem-hub/lab-engine/internal/domain/circuit"
	"github.com/alem-hub/lab-engine/internal/domain/decay"
	"github.com/alem-hub/lab-engine/internal/domain/section"
	"github.com/alem-hub/lab-engine/internal/domain/session"
)

// SectionView is one section as presented to the student.
type SectionView struct {
	Key     section.Key     `json:"key"`
	Title   string          `json:"title"`
	Kind    section.Kind    `json:"kind"`
	Status  section.Status  `json:"status"`
	Content section.Content `json:"content"`
}

// SaveNotice is the last failed save, shown until the next one fails.
type SaveNotice struct {
	Trigger string    `json:"trigger"`
	Fields  []string  `json:"fields"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Hints are values derived from the recorded data to help with analysis.
type Hints struct {
	HalfLifeFit    *decay.Fit `json:"half_life_fit,omitempty"`
	PlanckEstimate *float64   `json:"planck_estimate,omitempty"`
}

// View is a consistent read-only snapshot of a session.
type View struct {
	Key            string          `json:"key"`
	ExerciseTitle  string          `json:"exercise_title"`
	State          session.State   `json:"state"`
	CurrentSection section.Key     `json:"current_section"`
	Sections       []SectionView   `json:"sections"`
	Observation    session.DataSet `json:"observation"`
	Analysis       session.DataSet `json:"analysis"`
	Completed      int             `json:"completed"`
	Required       int             `json:"required"`
	CanSubmit      bool            `json:"can_submit"`
	Submitting     bool            `json:"submitting"`
	SubmittedAt    *time.Time      `json:"submitted_at,omitempty"`
	SubmissionID   string          `json:"submission_id,omitempty"`
	ReadOnly       bool            `json:"read_only"`
	Decay          *decay.Status   `json:"decay,omitempty"`
	Circuit        *circuit.State  `json:"circuit,omitempty"`
	Hints          Hints           `json:"hints"`
	LastSaveError  *SaveNotice     `json:"last_save_error,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	LastModified   time.Time       `json:"last_modified"`
}

// View returns a snapshot of the session. It holds the controller lock only
// long enough to copy state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.sess
	v := View{
		Key:            c.key.String(),
		ExerciseTitle:  c.def.Title,
		State:          s.State(),
		CurrentSection: s.CurrentSection,
		Sections:       make([]SectionView, 0, len(c.def.Sections)),
		Observation:    s.Observation.Clone(),
		Analysis:       s.Analysis.Clone(),
		Completed:      s.CompletedCount(),
		Required:       c.def.Submit.Required(len(c.def.Sections)),
		Submitting:     c.submitting,
		SubmissionID:   s.SubmissionID,
		ReadOnly:       s.Submitted && !c.actor.Privileged,
		LastError:      c.lastError,
		LastModified:   s.LastModified,
	}
	for _, r := range c.def.Sections {
		sec := s.Sections[r.Key]
		v.Sections = append(v.Sections, SectionView{
			Key:     r.Key,
			Title:   r.Title,
			Kind:    r.Kind,
			Status:  sec.Status,
			Content: sec.Content.Clone(),
		})
	}
	v.CanSubmit = s.State() == session.StateInProgress && !c.submitting && v.Completed >= v.Required
	if s.SubmittedAt != nil {
		at := *s.SubmittedAt
		v.SubmittedAt = &at
	}

	if c.run != nil {
		st := c.run.Status()
		v.Decay = &st
		if fit, err := decay.FitHalfLife(s.Observation.Measurements, st.Isotope.Background); err == nil {
			v.Hints.HalfLifeFit = &fit
		}
	}
	if c.led != nil {
		st := c.led.State()
		v.Circuit = &st
		if h, err := circuit.EstimatePlanck(c.crossingsLocked()); err == nil {
			v.Hints.PlanckEstimate = &h
		}
	}
	if n := c.lastNotice; n != nil {
		msg := ""
		if n.Err != nil {
			msg = n.Err.Error()
		}
		v.LastSaveError = &SaveNotice{
			Trigger: string(n.Trigger),
			Fields:  append([]string(nil), n.Fields...),
			Message: msg,
			At:      n.At,
		}
	}
	return v
}
