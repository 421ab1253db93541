// Package controller runs one lab session: its NotStarted → InProgress →
// Submitted state machine, section navigation and edits, the simulation
// attached to the exercise, and the submission protocol.
//
// Every operation and every timer callback is serialized on the
// controller's mutex. Store writes and the grading call happen with the
// mutex released.
package controller

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/lab-engine/internal/application/persistence"
	"github.com/alem-hub/lab-engine/internal/domain/circuit"
	"github.com/alem-hub/lab-engine/internal/domain/decay"
	"github.com/alem-hub/lab-engine/internal/domain/exercise"
	"github.com/alem-hub/lab-engine/internal/domain/section"
	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
	"github.com/alem-hub/lab-engine/pkg/circuitbreaker"
	"github.com/alem-hub/lab-engine/pkg/logger"
	"github.com/alem-hub/lab-engine/pkg/retry"
	"github.com/alem-hub/lab-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Options tune one controller.
type Options struct {
	Persistence persistence.Config

	// Tick is the wall-clock period of one simulated second.
	Tick time.Duration

	// ExactPoisson selects the exact counting sampler instead of the
	// Gaussian approximation.
	ExactPoisson bool

	// StaffAutoStart starts a not-started session when a privileged actor
	// opens it.
	StaffAutoStart bool

	// Sampler overrides the sampler choice. Tests use it for determinism.
	Sampler decay.Sampler

	// RandSource seeds the samplers. Nil uses the process-wide generator.
	RandSource rand.Source

	// LoadRetry configures retries of the initial document load.
	LoadRetry []retry.Option
}

// DefaultOptions returns the standard settings.
func DefaultOptions() Options {
	return Options{
		Persistence:    persistence.DefaultConfig(),
		Tick:           time.Second,
		StaffAutoStart: true,
		LoadRetry:      retry.StoreReadOptions(),
	}
}

// Deps are the external collaborators of a controller.
type Deps struct {
	Store        session.Store
	Submitter    session.Submitter
	Assessments  session.AssessmentReader
	Events       shared.EventPublisher
	Clock        timeutil.Clock
	Logger       *logger.Logger
	StoreBreaker *circuitbreaker.CircuitBreaker
}

// Actor is the identity operating the controller.
type Actor struct {
	UserID     shared.UserID
	Privileged bool
}

// ══════════════════════════════════════════════════════════════════════════════
// CONTROLLER
// ══════════════════════════════════════════════════════════════════════════════

// Controller owns one live lab session.
type Controller struct {
	key   session.Key
	def   exercise.Definition
	opts  Options
	store session.Store
	grade session.Submitter
	rec   session.AssessmentReader
	bus   shared.EventPublisher
	clock timeutil.Clock
	log   *logger.Logger
	coord *persistence.Coordinator

	mu         sync.Mutex
	actor      Actor
	sess       *session.LabSession
	run        *decay.Run
	led        *circuit.Model
	ticker     timeutil.Timer
	lastNotice *persistence.Notice
	lastError  string
	submitting bool
	opened     bool
	closed     bool
}

// New builds a controller for key. Open must be called before use.
func New(key session.Key, def exercise.Definition, actor Actor, opts Options, deps Deps) (*Controller, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if key.ExerciseID != def.ID {
		return nil, shared.WrapError("controller", "New", shared.ErrInvalidInput,
			fmt.Sprintf("key exercise %q does not match definition %q", key.ExerciseID, def.ID), nil)
	}
	if deps.Store == nil {
		return nil, shared.NewDomainError("controller", "New", shared.ErrInvalidInput, "session store is required")
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.NewReal()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	if deps.Events == nil {
		deps.Events = shared.NopPublisher{}
	}

	c := &Controller{
		key:   key,
		def:   def,
		opts:  opts,
		store: deps.Store,
		grade: deps.Submitter,
		rec:   deps.Assessments,
		bus:   deps.Events,
		clock: deps.Clock,
		actor: actor,
		sess:  session.New(key, def),
		log: deps.Logger.With(
			logger.Component("controller"),
			logger.UserID(string(key.UserID)),
			logger.CourseID(string(key.CourseID)),
			logger.ExerciseID(string(key.ExerciseID)),
		),
	}

	switch def.Simulation {
	case exercise.SimulationDecay:
		profile, ok := def.DefaultProfile()
		if !ok {
			return nil, shared.WrapError("controller", "New", shared.ErrUnknownIsotope, string(def.ID), nil)
		}
		sampler := opts.Sampler
		if sampler == nil {
			sampler = decay.NewSampler(opts.ExactPoisson, opts.RandSource)
		}
		run, err := decay.NewRun(profile, sampler, def.Stride())
		if err != nil {
			return nil, err
		}
		c.run = run
	case exercise.SimulationLED:
		model, err := circuit.NewModel(def.LEDs, def.InitialVoltage)
		if err != nil {
			return nil, err
		}
		c.led = model
	}

	c.coord = persistence.New(key, opts.Persistence, persistence.Deps{
		Store:    deps.Store,
		Clock:    deps.Clock,
		Breaker:  deps.StoreBreaker,
		Logger:   deps.Logger,
		Source:   c.autosaveSnapshot,
		OnNotice: c.onNotice,
	})
	return c, nil
}

// Key returns the session key.
func (c *Controller) Key() session.Key { return c.key }

// Definition returns the exercise definition.
func (c *Controller) Definition() exercise.Definition { return c.def }

// SetActor replaces the acting identity, for example when a staff member
// opens a session that is already live.
func (c *Controller) SetActor(actor Actor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actor = actor
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Open loads the stored document, applies the authoritative assessment
// record, auto-starts for privileged actors and starts autosave.
func (c *Controller) Open(ctx context.Context) error {
	doc, err := retry.DoWithData(ctx, func(ctx context.Context) (session.Document, error) {
		d, err := c.store.Load(ctx, c.key)
		if errors.Is(err, shared.ErrNotFound) {
			return session.Document{}, nil
		}
		if err != nil {
			return session.Document{}, retry.Retryable(err)
		}
		return d, nil
	}, c.opts.LoadRetry...)
	if err != nil {
		return fmt.Errorf("loading session %s: %w", c.key, err)
	}

	var record session.AssessmentRecord
	if c.rec != nil {
		record, err = c.rec.Record(ctx, c.key)
		if err != nil {
			// The record only tightens the lock; a stale view is recovered
			// by the periodic reconciliation.
			c.log.Warn("assessment record unavailable", logger.Err(err))
			record = session.AssessmentRecord{}
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return shared.ErrSessionClosed
	}
	c.sess.Merge(doc, c.def.Sections)
	c.restoreSimulationLocked()
	c.applyRecordLocked(record)

	var (
		patch  session.Document
		events []shared.Event
	)
	if !c.sess.Submitted && !c.sess.Started && c.actor.Privileged && c.opts.StaffAutoStart {
		now := c.clock.Now()
		if err := c.sess.MarkStarted(c.def.FirstSection(), now); err == nil {
			patch = c.startPatchLocked()
			events = append(events, shared.NewSessionStartedEvent(c.key.String(), string(c.def.FirstSection()), true, now))
		}
	}
	submitted := c.sess.Submitted
	c.opened = true
	c.mu.Unlock()

	c.emit(events...)
	if submitted {
		c.coord.Lock()
		return nil
	}
	if !patch.IsEmpty() {
		c.saveNow(ctx, patch)
	}
	c.coord.StartAutosave()
	c.log.Info("session opened", logger.String("state", string(c.State())))
	return nil
}

// Start moves a not-started session to InProgress at the first section and
// persists the transition immediately.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	now := c.clock.Now()
	if err := c.sess.MarkStarted(c.def.FirstSection(), now); err != nil {
		c.mu.Unlock()
		return err
	}
	patch := c.startPatchLocked()
	c.mu.Unlock()

	c.emit(shared.NewSessionStartedEvent(c.key.String(), string(c.def.FirstSection()), false, now))
	c.saveNow(ctx, patch)
	return nil
}

// NavigateTo moves the current section. Valid only while in progress.
func (c *Controller) NavigateTo(ctx context.Context, key section.Key) error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.inProgressLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	from := c.sess.CurrentSection
	now := c.clock.Now()
	if err := c.sess.Navigate(key, now); err != nil {
		c.mu.Unlock()
		return err
	}
	cur := c.sess.CurrentSection
	patch := session.Document{CurrentSection: &cur, LastModified: &now}
	c.mu.Unlock()

	c.emit(shared.NewSectionNavigatedEvent(c.key.String(), string(from), string(key), now))
	c.saveNow(ctx, patch)
	return nil
}

// Close stops the simulation clock, the debounce timer and autosave.
// Edits still waiting for the debounce are not awaited.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopClockLocked()
	c.mu.Unlock()

	c.coord.Close()
	c.log.Debug("session closed")
}

// FlushPending writes the queued, not yet saved, edits now.
func (c *Controller) FlushPending(ctx context.Context) error {
	return c.coord.SaveNow(ctx, session.Document{})
}

// Submitting reports whether a submission is in flight.
func (c *Controller) Submitting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitting
}

// State returns the lifecycle state.
func (c *Controller) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.State()
}

// ══════════════════════════════════════════════════════════════════════════════
// EDITS
// ══════════════════════════════════════════════════════════════════════════════

// UpdateSection replaces the content of a section and returns its derived
// status. After submission the edit is ignored for regular actors and
// written through the exempt path for privileged ones. While a submission
// is in flight it fails with shared.ErrSubmissionInFlight.
func (c *Controller) UpdateSection(ctx context.Context, key section.Key, content section.Content) (section.Status, error) {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return "", err
	}
	exempt, skip, err := c.writableLocked()
	if err != nil || skip {
		status := c.sess.Sections[key].Status
		c.mu.Unlock()
		return status, err
	}
	now := c.clock.Now()
	if err := c.sess.SetContent(key, content, now); err != nil {
		c.mu.Unlock()
		return "", err
	}
	events := c.reassessLocked(now)
	status := c.sess.Sections[key].Status
	snap := c.sess.Snapshot()
	patch := session.Document{
		SectionContent: snap.SectionContent,
		SectionStatus:  snap.SectionStatus,
		LastModified:   &now,
	}
	c.mu.Unlock()

	c.emit(events...)
	c.persist(ctx, patch, exempt)
	return status, nil
}

// UpdateData merges entered values into the observation or analysis data.
func (c *Controller) UpdateData(ctx context.Context, src section.DataSource, fields map[string]*float64, notes map[string]string) error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	exempt, skip, err := c.writableLocked()
	if err != nil || skip {
		c.mu.Unlock()
		return err
	}
	now := c.clock.Now()
	c.sess.UpdateData(src, fields, notes, now)
	events := c.reassessLocked(now)
	patch := c.dataPatchLocked(src, now)
	c.mu.Unlock()

	c.emit(events...)
	c.persist(ctx, patch, exempt)
	return nil
}

// UpdateAnalysis merges entered values into the analysis data.
func (c *Controller) UpdateAnalysis(ctx context.Context, fields map[string]*float64, notes map[string]string) error {
	return c.UpdateData(ctx, section.SourceAnalysis, fields, notes)
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBMISSION
// ══════════════════════════════════════════════════════════════════════════════

// Submit hands the session to grading.
//
// With too few completed sections it fails with shared.ErrSubmitPrecondition
// before any state change or external call. Otherwise the full snapshot is
// flushed, then the grading endpoint is called once. On success the session
// is frozen; on failure it stays in progress and the caller may retry with
// the same submission id.
func (c *Controller) Submit(ctx context.Context) error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	switch {
	case c.sess.Submitted:
		c.mu.Unlock()
		return shared.ErrSessionSubmitted
	case !c.sess.Started:
		c.mu.Unlock()
		return shared.ErrSessionNotStarted
	case c.submitting:
		c.mu.Unlock()
		return shared.ErrSubmissionInFlight
	case c.grade == nil:
		c.mu.Unlock()
		return shared.ErrGradingUnavailable
	}

	c.sess.Reassess(c.def.Sections)
	completed := c.sess.CompletedCount()
	required := c.def.Submit.Required(len(c.def.Sections))
	if completed < required {
		c.mu.Unlock()
		return shared.WrapError("controller", "Submit", shared.ErrSubmitPrecondition,
			fmt.Sprintf("%d of %d required sections completed", completed, required), nil)
	}

	if c.sess.SubmissionID == "" {
		c.sess.SubmissionID = uuid.NewString()
	}
	// Edits are refused until the attempt ends, so these statuses describe
	// exactly what Flush writes and grading sees.
	graded := c.sess.Statuses()
	req := session.SubmitRequest{
		ExerciseID:   string(c.key.ExerciseID),
		StudentID:    string(c.key.UserID),
		CourseID:     string(c.key.CourseID),
		Privileged:   c.actor.Privileged,
		SubmissionID: c.sess.SubmissionID,
	}
	c.submitting = true
	c.lastError = ""
	c.mu.Unlock()

	if err := c.coord.Flush(ctx); err != nil {
		c.failSubmission(req.SubmissionID, "saving before submission failed: "+err.Error())
		return shared.WrapError("controller", "Submit", shared.ErrStoreUnavailable, "flush before submission", err)
	}

	res, err := c.grade.Submit(ctx, req)
	if err == nil && !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "submission rejected"
		}
		err = errors.New(msg)
	}
	if err != nil {
		c.failSubmission(req.SubmissionID, err.Error())
		return shared.WrapError("controller", "Submit", shared.ErrSubmissionRejected, req.SubmissionID, err)
	}

	c.mu.Lock()
	now := c.clock.Now()
	c.submitting = false
	c.sess.MarkSubmitted(req.SubmissionID, now)
	c.stopClockLocked()
	submitted := true
	id := req.SubmissionID
	marker := session.Document{
		Submitted:     &submitted,
		SubmittedAt:   &now,
		SubmissionID:  &id,
		SectionStatus: graded,
		Started:       &submitted,
		LastModified:  &now,
	}
	c.mu.Unlock()

	c.emit(shared.NewSessionSubmittedEvent(c.key.String(), id, req.Privileged, completed, now))
	if err := c.coord.Finalize(ctx, marker); err != nil {
		// Grading accepted the work; the assessment record carries the
		// authoritative flag until the marker is written.
		c.log.Warn("submission marker not saved", logger.Err(err))
	}
	c.log.Info("session submitted", logger.String("submission_id", id))
	return nil
}

func (c *Controller) failSubmission(submissionID, reason string) {
	c.mu.Lock()
	c.submitting = false
	c.lastError = reason
	c.mu.Unlock()

	c.emit(shared.NewSubmissionFailedEvent(c.key.String(), submissionID, reason, c.clock.Now()))
	c.log.Warn("submission failed", logger.String("submission_id", submissionID), logger.String("reason", reason))
}

// ══════════════════════════════════════════════════════════════════════════════
// REMOTE UPDATES
// ══════════════════════════════════════════════════════════════════════════════

// ApplyRemote merges a document delivered by the live feed. Queued local
// edits are overlaid first so they survive.
func (c *Controller) ApplyRemote(doc session.Document) {
	c.ApplyUpdate(session.RemoteUpdate{Patch: doc})
}

// ApplyUpdate is ApplyRemote for a feed update. Once the session is
// submitted only the submission fields of a regular write are taken;
// content arrives through exempt writes alone.
func (c *Controller) ApplyUpdate(u session.RemoteUpdate) {
	merged := c.coord.Reconcile(u.Patch)

	c.mu.Lock()
	if c.closed || !c.opened {
		c.mu.Unlock()
		return
	}
	if c.sess.Submitted && !u.Exempt {
		merged = session.Document{
			Submitted:    merged.Submitted,
			SubmittedAt:  merged.SubmittedAt,
			SubmissionID: merged.SubmissionID,
		}
	}
	wasSubmitted := c.sess.Submitted
	changes := c.sess.Merge(merged, c.def.Sections)
	events := c.statusEventsLocked(changes, c.clock.Now())
	if merged.ObservationData != nil {
		c.restoreSimulationLocked()
	}
	lock := c.sess.Submitted && !wasSubmitted
	if lock {
		c.stopClockLocked()
	}
	c.mu.Unlock()

	c.emit(events...)
	if lock {
		c.coord.Lock()
	}
}

// LockFromRecord applies the course system's authoritative submitted flag.
func (c *Controller) LockFromRecord(record session.AssessmentRecord) {
	if !record.Submitted {
		return
	}
	c.mu.Lock()
	c.applyRecordLocked(record)
	c.mu.Unlock()
	c.coord.Lock()
}

// RefreshRecord reads the assessment record and applies it.
func (c *Controller) RefreshRecord(ctx context.Context) (bool, error) {
	if c.rec == nil {
		return false, nil
	}
	record, err := c.rec.Record(ctx, c.key)
	if err != nil {
		return false, fmt.Errorf("reading assessment record: %w", err)
	}
	c.LockFromRecord(record)
	return record.Submitted, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// INTERNALS
// ══════════════════════════════════════════════════════════════════════════════

func (c *Controller) usableLocked() error {
	if c.closed {
		return shared.ErrSessionClosed
	}
	if !c.opened {
		return shared.NewDomainError("controller", "Use", shared.ErrInvalidState, "session is not open")
	}
	return nil
}

func (c *Controller) inProgressLocked() error {
	switch c.sess.State() {
	case session.StateNotStarted:
		return shared.ErrSessionNotStarted
	case session.StateSubmitted:
		return shared.ErrSessionSubmitted
	}
	return nil
}

// writableLocked decides how an edit is handled: exempt for a privileged
// actor after submission, skip for anyone else after submission, an error
// before the session started or while a submission is in flight.
func (c *Controller) writableLocked() (exempt, skip bool, err error) {
	if c.submitting {
		return false, false, shared.ErrSubmissionInFlight
	}
	if c.sess.Submitted {
		if c.actor.Privileged {
			return true, false, nil
		}
		return false, true, nil
	}
	if !c.sess.Started {
		return false, false, shared.ErrSessionNotStarted
	}
	return false, false, nil
}

func (c *Controller) applyRecordLocked(record session.AssessmentRecord) {
	if !record.Submitted {
		return
	}
	c.sess.Submitted = true
	c.sess.Started = true
	if record.SubmittedAt != nil {
		at := *record.SubmittedAt
		c.sess.SubmittedAt = &at
	}
	c.stopClockLocked()
}

func (c *Controller) startPatchLocked() session.Document {
	started := true
	cur := c.sess.CurrentSection
	now := c.sess.LastModified
	return session.Document{Started: &started, CurrentSection: &cur, LastModified: &now}
}

func (c *Controller) dataPatchLocked(src section.DataSource, now time.Time) session.Document {
	ds := c.sess.DataSetFor(src).Clone()
	patch := session.Document{SectionStatus: c.sess.Statuses(), LastModified: &now}
	if src == section.SourceAnalysis {
		patch.AnalysisData = &ds
	} else {
		patch.ObservationData = &ds
	}
	return patch
}

func (c *Controller) reassessLocked(now time.Time) []shared.Event {
	return c.statusEventsLocked(c.sess.Reassess(c.def.Sections), now)
}

func (c *Controller) statusEventsLocked(changes []session.StatusChange, now time.Time) []shared.Event {
	events := make([]shared.Event, 0, len(changes))
	for _, ch := range changes {
		events = append(events, shared.NewSectionStatusChangedEvent(
			c.key.String(), string(ch.Key), string(ch.From), string(ch.To), now))
	}
	return events
}

func (c *Controller) persist(ctx context.Context, patch session.Document, exempt bool) {
	if exempt {
		if err := c.coord.SaveExempt(ctx, patch); err != nil {
			c.log.Warn("exempt save failed", logger.Err(err))
		}
		return
	}
	c.coord.ScheduleSave(patch)
}

func (c *Controller) saveNow(ctx context.Context, patch session.Document) {
	if err := c.coord.SaveNow(ctx, patch); err != nil {
		c.log.Debug("immediate save deferred", logger.Err(err))
	}
}

func (c *Controller) autosaveSnapshot() (session.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Snapshot(), !c.closed && c.sess.State() == session.StateInProgress
}

func (c *Controller) onNotice(n persistence.Notice) {
	c.mu.Lock()
	c.lastNotice = &n
	c.mu.Unlock()
	reason := ""
	if n.Err != nil {
		reason = n.Err.Error()
	}
	c.emit(shared.NewSaveFailedEvent(c.key.String(), string(n.Trigger), n.Fields, reason, n.At))
}

func (c *Controller) emit(events ...shared.Event) {
	for _, e := range events {
		if err := c.bus.Publish(e); err != nil {
			c.log.Warn("publishing event failed", logger.String("event", string(e.EventType())), logger.Err(err))
		}
	}
}
