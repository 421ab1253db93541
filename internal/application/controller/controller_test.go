package controller

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/lab-engine/internal/domain/exercise"
	"github.com/alem-hub/lab-engine/internal/domain/section"
	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
	"github.com/alem-hub/lab-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

type memStore struct {
	mu     sync.Mutex
	docs   map[string]session.Document
	writes int
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]session.Document)}
}

func (s *memStore) Load(_ context.Context, key session.Key) (session.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key.String()]
	if !ok {
		return session.Document{}, shared.ErrSessionNotFound
	}
	return doc, nil
}

func (s *memStore) Save(_ context.Context, key session.Key, patch session.Document, opts session.WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, applied := session.ApplyPatch(s.docs[key.String()], patch, opts)
	if applied {
		s.writes++
	}
	s.docs[key.String()] = next
	return nil
}

func (s *memStore) doc(key session.Key) session.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[key.String()]
}

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []session.SubmitRequest
	result   session.SubmitResult
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, req session.SubmitRequest) (session.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.result, f.err
}

func (f *fakeSubmitter) calls() []session.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.SubmitRequest(nil), f.requests...)
}

// gatedSubmitter parks Submit until released.
type gatedSubmitter struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSubmitter() *gatedSubmitter {
	return &gatedSubmitter{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSubmitter) Submit(context.Context, session.SubmitRequest) (session.SubmitResult, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return session.SubmitResult{Success: true}, nil
}

type fakeRecords struct {
	record session.AssessmentRecord
}

func (f *fakeRecords) Record(context.Context, session.Key) (session.AssessmentRecord, error) {
	return f.record, nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []shared.Event
}

func (b *recordingBus) Publish(e shared.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *recordingBus) count(t shared.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.EventType() == t {
			n++
		}
	}
	return n
}

// roundSampler returns the expected rate rounded, so runs are deterministic.
type roundSampler struct{}

func (roundSampler) Sample(rate float64) int { return int(math.Round(rate)) }

type fixture struct {
	t       *testing.T
	clock   *timeutil.Fake
	store   *memStore
	grader  *fakeSubmitter
	gate    session.Submitter
	records *fakeRecords
	bus     *recordingBus
	key     session.Key
	def     exercise.Definition
}

func newFixture(t *testing.T, exerciseID string) *fixture {
	t.Helper()
	reg, err := exercise.Default()
	require.NoError(t, err)
	def, err := reg.Lookup(shared.ExerciseID(exerciseID))
	require.NoError(t, err)
	key, err := session.NewKey("student-1", "phys-101", exerciseID)
	require.NoError(t, err)
	return &fixture{
		t:       t,
		clock:   timeutil.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)),
		store:   newMemStore(),
		grader:  &fakeSubmitter{result: session.SubmitResult{Success: true}},
		records: &fakeRecords{},
		bus:     &recordingBus{},
		key:     key,
		def:     def,
	}
}

func (f *fixture) open(privileged bool) *Controller {
	f.t.Helper()
	opts := DefaultOptions()
	opts.Sampler = roundSampler{}
	var grader session.Submitter = f.grader
	if f.gate != nil {
		grader = f.gate
	}
	c, err := New(f.key, f.def, Actor{UserID: f.key.UserID, Privileged: privileged}, opts, Deps{
		Store:       f.store,
		Submitter:   grader,
		Assessments: f.records,
		Events:      f.bus,
		Clock:       f.clock,
	})
	require.NoError(f.t, err)
	require.NoError(f.t, c.Open(context.Background()))
	f.t.Cleanup(c.Close)
	return c
}

func text(n int) section.Content {
	return section.Content{Text: strings.Repeat("a", n)}
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

func TestOpen_FreshSessionIsNotStarted(t *testing.T) {
	f := newFixture(t, "radioactive-decay")
	c := f.open(false)

	v := c.View()
	assert.Equal(t, session.StateNotStarted, v.State)
	require.Len(t, v.Sections, 5)
	for _, s := range v.Sections {
		assert.Equal(t, section.NotStarted, s.Status, s.Key)
	}
	assert.Equal(t, 4, v.Required)
	assert.False(t, v.CanSubmit)
	assert.Zero(t, f.store.writes)
}

func TestStart_PersistsImmediately(t *testing.T) {
	f := newFixture(t, "radioactive-decay")
	c := f.open(false)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, session.StateInProgress, c.State())

	doc := f.store.doc(f.key)
	require.NotNil(t, doc.Started)
	assert.True(t, *doc.Started)
	require.NotNil(t, doc.CurrentSection)
	assert.Equal(t, section.Key("safety"), *doc.CurrentSection)
	assert.Equal(t, 1, f.bus.count(shared.EventSessionStarted))

	assert.ErrorIs(t, c.Start(ctx), shared.ErrSessionStarted)
}

func TestOpen_PrivilegedActorAutoStarts(t *testing.T) {
	f := newFixture(t, "radioactive-decay")
	c := f.open(true)

	assert.Equal(t, session.StateInProgress, c.State())
	doc := f.store.doc(f.key)
	require.NotNil(t, doc.Started)
	assert.True(t, *doc.Started)
}

func TestNavigateTo(t *testing.T) {
	f := newFixture(t, "radioactive-decay")
	c := f.open(false)
	ctx := context.Background()

	assert.ErrorIs(t, c.NavigateTo(ctx, "hypothesis"), shared.ErrSessionNotStarted)

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.NavigateTo(ctx, "hypothesis"))
	assert.Equal(t, section.Key("hypothesis"), c.View().CurrentSection)
	assert.Equal(t, section.Key("hypothesis"), *f.store.doc(f.key).CurrentSection)

	assert.ErrorIs(t, c.NavigateTo(ctx, "nowhere"), shared.ErrUnknownSection)
}

func TestOpen_RestoresStoredSession(t *testing.T) {
	f := newFixture(t, "radioactive-decay")
	started := true
	cur := section.Key("hypothesis")
	f.store.docs[f.key.String()] = session.Document{
		Started:        &started,
		CurrentSection: &cur,
		SectionContent: map[section.Key]section.Content{
			"safety":     {Acknowledged: true},
			"hypothesis": text(10),
		},
		// Stored statuses are stale and must be re-derived.
		SectionStatus: map[section.Key]section.Status{"hypothesis": section.Completed},
	}

	c := f.open(false)
	v := c.View()
	assert.Equal(t, session.StateInProgress, v.State)
	assert.Equal(t, cur, v.CurrentSection)
	assert.Equal(t, section.Completed, v.Sections[0].Status)
	assert.Equal(t, section.InProgress, v.Sections[1].Status)
}

func TestOpen_AssessmentRecordLocksSession(t *testing.T) {
	f := newFixture(t, "radioactive-decay")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.records.record = session.AssessmentRecord{Submitted: true, SubmittedAt: &at}

	c := f.open(false)
	v := c.View()
	assert.Equal(t, session.StateSubmitted, v.State)
	assert.True(t, v.ReadOnly)
	require.NotNil(t, v.SubmittedAt)
	assert.True(t, at.Equal(*v.SubmittedAt))

	_, err := c.UpdateSection(context.Background(), "hypothesis", text(80))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	assert.Zero(t, f.store.writes)
}

// ══════════════════════════════════════════════════════════════════════════════
// EDITS
// ══════════════════════════════════════════════════════════════════════════════

func TestUpdateSection_DerivesStatusAndDebounces(t *testing.T) {
	f := newFixture(t, "radioactive-decay")
	c := f.open(false)
	ctx := context.Background()

	_, err := c.UpdateSection(ctx, "safety", section.Content{Acknowledged: true})
	assert.ErrorIs(t, err, shared.ErrSessionNotStarted)

	require.NoError(t, c.Start(ctx))
	status, err := c.UpdateSection(ctx, "safety", section.Content{Acknowledged: true})
	require.NoError(t, err)
	assert.Equal(t, section.Completed, status)

	status, err = c.UpdateSection(ctx, "hypothesis", text(49))
	require.NoError(t, err)
	assert.Equal(t, section.InProgress, status)
	status, err = c.UpdateSection(ctx, "hypothesis", text(50))
	require.NoError(t, err)
	assert.Equal(t, section.Completed, status)

	assert.Nil(t, f.store.doc(f.key).SectionContent, "edits wait for the debounce")
	f.clock.Advance(time.Second)

	doc := f.store.doc(f.key)
	require.NotNil(t, doc.SectionContent)
	assert.True(t, doc.SectionContent["safety"].Acknowledged)
	assert.Len(t, doc.SectionContent["hypothesis"].Text, 50)
	assert.Equal(t, section.Completed, doc.SectionStatus["hypothesis"])
	assert.Equal(t, 3, f.bus.count(shared.EventSectionStatusChanged), "safety once, hypothesis twice")
}

func TestUpdateAnalysis_CompletesNumericSection(t *testing.T) {
	f := newFixture(t, "radioactive-decay")
	c := f.open(false)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	require.NoError(t, c.UpdateAnalysis(ctx, map[string]*float64{"half_life_fit": shared.Float(29.5)}, nil))
	assert.Equal(t, section.Completed, c.View().Sections[3].Status)

	require.NoError(t, c.UpdateAnalysis(ctx, map[string]*float64{"half_life_fit": nil}, nil))
	assert.Equal(t, section.NotStarted, c.View().Sections[3].Status)
}

// ══════════════════════════════════════════════════════════════════════════════
// SIMULATION
// ══════════════════════════════════════════════════════════════════════════════

func TestDecayClock_RecordsEveryStride(t *testing.T) {
	f := newFixture(t, "radioactive-decay")
	c := f.open(false)
	ctx := context.Background()

	assert.ErrorIs(t, c.StartClock(), shared.ErrSessionNotStarted)
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.StartClock())
	require.NoError(t, c.StartClock())

	f.clock.Advance(30 * time.Second)
	v := c.View()
	require.Len(t, v.Observation.Measurements, 6)
	assert.Equal(t, 5.0, v.Observation.Measurements[0].Time)
	assert.Equal(t, 30.0, v.Observation.Measurements[5].Time)
	assert.Equal(t, section.Completed, v.Sections[2].Status)
	require.NotNil(t, v.Hints.HalfLifeFit)
	assert.InDelta(t, 30.0, v.Hints.HalfLifeFit.HalfLife, 1.5)
	assert.Equal(t, 6, f.bus.count(shared.EventMeasurementRecorded))

	require.NoError(t, c.StopClock())
	f.clock.Advance(time.Minute)
	assert.Len(t, c.View().Observation.Measurements, 6)

	f.clock.Advance(time.Second)
	stored := f.store.doc(f.key).ObservationData
	require.NotNil(t, stored)
	assert.Len(t, stored.Measurements, 6)
}

func TestSelectIsotope_ResetsRun(t *testing.T) {
	f := newFixture(t, "radioactive-decay")
	c := f.open(false)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.StartClock())
	f.clock.Advance(10 * time.Second)
	require.Len(t, c.View().Observation.Measurements, 2)

	require.NoError(t, c.SelectIsotope(ctx, "ba-137m"))
	v := c.View()
	assert.Empty(t, v.Observation.Measurements)
	assert.Equal(t, "ba-137m", v.Observation.Notes[session.NoteSelection])
	assert.Equal(t, 153.0, *v.Observation.Reference["half_life"])
	require.NotNil(t, v.Decay)
	assert.False(t, v.Decay.Running)
	assert.Zero(t, v.Decay.Elapsed)

	assert.ErrorIs(t, c.SelectIsotope(ctx, "u-235"), shared.ErrUnknownIsotope)
	assert.ErrorIs(t, c.SetExperimentMode(true), shared.ErrSimulationNotAvailable)
}

func TestSetVoltage_RecordsFirstCrossingOnly(t *testing.T) {
	f := newFixture(t, "led-planck")
	c := f.open(false)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	// Outside experiment mode nothing is recorded.
	_, err := c.SetVoltage(ctx, 2.0)
	require.NoError(t, err)
	_, err = c.SetVoltage(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, c.View().Observation.Fields["crossing_red"])

	require.NoError(t, c.SetExperimentMode(true))
	state, err := c.SetVoltage(ctx, 1.85)
	require.NoError(t, err)
	assert.True(t, state.Active)
	_, _ = c.SetVoltage(ctx, 1.0)
	_, _ = c.SetVoltage(ctx, 1.95)

	v := c.View()
	require.NotNil(t, v.Observation.Fields["crossing_red"])
	assert.Equal(t, 1.85, *v.Observation.Fields["crossing_red"])
	assert.Equal(t, 1, f.bus.count(shared.EventThresholdCrossed))
	require.NotNil(t, v.Hints.PlanckEstimate)

	require.NoError(t, c.SelectLED(ctx, "green"))
	v = c.View()
	assert.NotNil(t, v.Observation.Fields["crossing_red"], "crossings of other LEDs are kept")
	assert.Equal(t, 2.2, *v.Observation.Reference["threshold_voltage"])

	assert.ErrorIs(t, c.SelectLED(ctx, "infrared"), shared.ErrUnknownLED)
	assert.ErrorIs(t, c.StartClock(), shared.ErrSimulationNotAvailable)
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBMISSION
// ══════════════════════════════════════════════════════════════════════════════

func completeLEDLab(t *testing.T, c *Controller) {
	t.Helper()
	ctx := context.Background()
	if c.State() == session.StateNotStarted {
		require.NoError(t, c.Start(ctx))
	}
	_, err := c.UpdateSection(ctx, "introduction", text(60))
	require.NoError(t, err)
	_, err = c.UpdateSection(ctx, "questions", section.Content{Answers: map[string]string{
		"q1": strings.Repeat("b", 25),
		"q2": strings.Repeat("c", 25),
	}})
	require.NoError(t, err)
	require.NoError(t, c.SetExperimentMode(true))
	for _, led := range []string{"red", "green", "blue"} {
		require.NoError(t, c.SelectLED(ctx, led))
		_, err := c.SetVoltage(ctx, 3.0)
		require.NoError(t, err)
	}
	require.Equal(t, 3, c.View().Completed)
}

func TestSubmit_PreconditionHasNoSideEffects(t *testing.T) {
	f := newFixture(t, "led-planck")
	c := f.open(false)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	_, err := c.UpdateSection(ctx, "introduction", text(60))
	require.NoError(t, err)
	writes := f.store.writes

	err = c.Submit(ctx)
	assert.ErrorIs(t, err, shared.ErrSubmitPrecondition)
	assert.Empty(t, f.grader.calls())
	assert.Equal(t, writes, f.store.writes)
	assert.Equal(t, session.StateInProgress, c.State())
	assert.Empty(t, c.View().SubmissionID)
}

func TestSubmit_Success(t *testing.T) {
	f := newFixture(t, "led-planck")
	c := f.open(false)
	completeLEDLab(t, c)
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx))

	calls := f.grader.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "led-planck", calls[0].ExerciseID)
	assert.Equal(t, "student-1", calls[0].StudentID)
	assert.Equal(t, "phys-101", calls[0].CourseID)
	assert.NotEmpty(t, calls[0].SubmissionID)

	v := c.View()
	assert.Equal(t, session.StateSubmitted, v.State)
	assert.True(t, v.ReadOnly)
	assert.Equal(t, calls[0].SubmissionID, v.SubmissionID)

	doc := f.store.doc(f.key)
	assert.True(t, doc.IsSubmitted())
	require.NotNil(t, doc.SectionContent, "the flush precedes the submission")
	assert.Len(t, doc.SectionContent["introduction"].Text, 60)

	// Further edits are ignored for a regular actor.
	writes := f.store.writes
	_, err := c.UpdateSection(ctx, "introduction", text(5))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	assert.Equal(t, writes, f.store.writes)
	assert.Len(t, c.View().Sections[0].Content.Text, 60)

	assert.ErrorIs(t, c.Submit(ctx), shared.ErrSessionSubmitted)
	assert.Equal(t, 1, f.bus.count(shared.EventSessionSubmitted))
}

func TestSubmit_FailureKeepsSessionOpen(t *testing.T) {
	f := newFixture(t, "led-planck")
	c := f.open(false)
	completeLEDLab(t, c)
	ctx := context.Background()

	f.grader.result = session.SubmitResult{Success: false, Error: "grading closed"}
	err := c.Submit(ctx)
	assert.ErrorIs(t, err, shared.ErrSubmissionRejected)
	assert.Contains(t, err.Error(), "grading closed")

	v := c.View()
	assert.Equal(t, session.StateInProgress, v.State)
	assert.Equal(t, "grading closed", v.LastError)
	assert.True(t, v.CanSubmit)
	assert.Equal(t, 1, f.bus.count(shared.EventSubmissionFailed))

	f.grader.result = session.SubmitResult{}
	f.grader.err = errors.New("connection reset")
	assert.ErrorIs(t, c.Submit(ctx), shared.ErrSubmissionRejected)

	f.grader.err = nil
	f.grader.result = session.SubmitResult{Success: true}
	require.NoError(t, c.Submit(ctx))

	calls := f.grader.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, calls[0].SubmissionID, calls[2].SubmissionID, "retries reuse the submission id")
}

func TestSubmit_EditsRefusedWhileInFlight(t *testing.T) {
	f := newFixture(t, "led-planck")
	gate := newGatedSubmitter()
	f.gate = gate
	c := f.open(false)
	completeLEDLab(t, c)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- c.Submit(ctx) }()
	<-gate.entered

	_, err := c.UpdateSection(ctx, "introduction", text(5))
	assert.ErrorIs(t, err, shared.ErrSubmissionInFlight)
	assert.ErrorIs(t, c.UpdateAnalysis(ctx, map[string]*float64{"planck_estimate": shared.Float(6.6e-34)}, nil), shared.ErrSubmissionInFlight)
	assert.ErrorIs(t, c.SelectLED(ctx, "red"), shared.ErrSubmissionInFlight)
	_, err = c.SetVoltage(ctx, 0)
	assert.ErrorIs(t, err, shared.ErrSubmissionInFlight)
	assert.ErrorIs(t, c.Submit(ctx), shared.ErrSubmissionInFlight)

	close(gate.release)
	require.NoError(t, <-done)

	doc := f.store.doc(f.key)
	require.True(t, doc.IsSubmitted())
	assert.Len(t, doc.SectionContent["introduction"].Text, 60)
	assert.Len(t, c.View().Sections[0].Content.Text, 60)

	// Every stored status follows from the stored content.
	stored := session.New(f.key, f.def)
	stored.Merge(doc, f.def.Sections)
	assert.Equal(t, stored.Statuses(), doc.SectionStatus)
}

func TestSubmit_PrivilegedActorEditsThroughExemptPath(t *testing.T) {
	f := newFixture(t, "led-planck")
	c := f.open(true)
	completeLEDLab(t, c)
	ctx := context.Background()
	require.NoError(t, c.Submit(ctx))
	assert.True(t, f.grader.calls()[0].Privileged)

	_, err := c.UpdateSection(ctx, "introduction", text(70))
	require.NoError(t, err)
	assert.False(t, c.View().ReadOnly)
	assert.Len(t, f.store.doc(f.key).SectionContent["introduction"].Text, 70)
	assert.True(t, f.store.doc(f.key).IsSubmitted())
}

// ══════════════════════════════════════════════════════════════════════════════
// REMOTE UPDATES
// ══════════════════════════════════════════════════════════════════════════════

func TestApplyRemote_PendingEditsSurvive(t *testing.T) {
	f := newFixture(t, "radioactive-decay")
	c := f.open(false)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	_, err := c.UpdateSection(ctx, "hypothesis", text(55))
	require.NoError(t, err)

	c.ApplyRemote(session.Document{
		SectionContent: map[section.Key]section.Content{"hypothesis": text(3)},
		AnalysisData:   &session.DataSet{Fields: map[string]*float64{"half_life_fit": shared.Float(31)}},
	})

	v := c.View()
	assert.Len(t, v.Sections[1].Content.Text, 55)
	assert.Equal(t, section.Completed, v.Sections[3].Status)
}

func TestApplyRemote_SubmittedElsewhereLocks(t *testing.T) {
	f := newFixture(t, "radioactive-decay")
	c := f.open(false)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	submitted := true
	c.ApplyRemote(session.Document{Submitted: &submitted})
	assert.Equal(t, session.StateSubmitted, c.State())

	_, err := c.UpdateSection(ctx, "hypothesis", text(80))
	require.NoError(t, err)
	writes := f.store.writes
	f.clock.Advance(time.Minute)
	assert.Equal(t, writes, f.store.writes)
}

func TestApplyUpdate_SubmittedSessionTakesExemptContentOnly(t *testing.T) {
	f := newFixture(t, "led-planck")
	c := f.open(false)
	completeLEDLab(t, c)
	ctx := context.Background()
	require.NoError(t, c.Submit(ctx))

	c.ApplyRemote(session.Document{
		SectionContent: map[section.Key]section.Content{"introduction": text(3)},
	})
	assert.Len(t, c.View().Sections[0].Content.Text, 60, "regular writes never reach frozen work")

	c.ApplyUpdate(session.RemoteUpdate{
		Patch:  session.Document{SectionContent: map[section.Key]section.Content{"introduction": text(75)}},
		Exempt: true,
	})
	assert.Len(t, c.View().Sections[0].Content.Text, 75)
	assert.Equal(t, session.StateSubmitted, c.State())
}

func TestApplyRemote_IsotopeChangedElsewhereResetsRun(t *testing.T) {
	f := newFixture(t, "radioactive-decay")
	c := f.open(false)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.StartClock())
	f.clock.Advance(10 * time.Second)
	require.NoError(t, c.StopClock())
	require.Len(t, c.View().Observation.Measurements, 2)
	f.clock.Advance(2 * time.Second)
	require.True(t, c.coord.Pending().IsEmpty())

	c.ApplyRemote(session.Document{ObservationData: &session.DataSet{
		Reference: map[string]*float64{"half_life": shared.Float(153)},
		Notes:     map[string]string{session.NoteSelection: "ba-137m"},
	}})

	v := c.View()
	assert.Empty(t, v.Observation.Measurements)
	require.NotNil(t, v.Decay)
	assert.Equal(t, "ba-137m", v.Decay.Isotope.ID)
	assert.Zero(t, v.Decay.Elapsed)

	require.NoError(t, c.StartClock())
	f.clock.Advance(5 * time.Second)
	ms := c.View().Observation.Measurements
	require.Len(t, ms, 1)
	assert.Equal(t, 5.0, ms[0].Time)
}

func TestOpen_RecordedCrossingStaysDisarmed(t *testing.T) {
	f := newFixture(t, "led-planck")
	started := true
	f.store.docs[f.key.String()] = session.Document{
		Started: &started,
		ObservationData: &session.DataSet{
			Fields: map[string]*float64{"crossing_red": shared.Float(1.85)},
			Notes:  map[string]string{session.NoteSelection: "red"},
		},
	}
	c := f.open(false)
	ctx := context.Background()
	require.NoError(t, c.SetExperimentMode(true))

	state, err := c.SetVoltage(ctx, 3.0)
	require.NoError(t, err)
	assert.True(t, state.Crossed)
	assert.Equal(t, 1.85, *c.View().Observation.Fields["crossing_red"])
	assert.Zero(t, f.bus.count(shared.EventThresholdCrossed))

	// An explicit selection re-arms the LED.
	require.NoError(t, c.SelectLED(ctx, "red"))
	_, err = c.SetVoltage(ctx, 2.5)
	require.NoError(t, err)
	assert.Equal(t, 2.5, *c.View().Observation.Fields["crossing_red"])
	assert.Equal(t, 1, f.bus.count(shared.EventThresholdCrossed))
}

func TestClose_StopsTimers(t *testing.T) {
	f := newFixture(t, "radioactive-decay")
	c := f.open(false)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.StartClock())

	c.Close()
	assert.Zero(t, f.clock.Pending())
	assert.ErrorIs(t, c.Start(ctx), shared.ErrSessionClosed)
	c.Close()
}
