package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/lab-engine/internal/domain/section"
	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/pkg/circuitbreaker"
	"github.com/alem-hub/lab-engine/pkg/timeutil"
)

type savedCall struct {
	patch session.Document
	opts  session.WriteOptions
}

type fakeStore struct {
	mu    sync.Mutex
	calls []savedCall
	fail  error
}

func (s *fakeStore) Load(context.Context, session.Key) (session.Document, error) {
	return session.Document{}, nil
}

func (s *fakeStore) Save(_ context.Context, _ session.Key, patch session.Document, opts session.WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.calls = append(s.calls, savedCall{patch: patch, opts: opts})
	return nil
}

func (s *fakeStore) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *fakeStore) saved() []savedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]savedCall(nil), s.calls...)
}

type harness struct {
	clock   *timeutil.Fake
	store   *fakeStore
	coord   *Coordinator
	notices []Notice
	active  bool
	snap    session.Document
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  timeutil.NewFake(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)),
		store:  &fakeStore{},
		active: true,
	}
	started := true
	h.snap = session.Document{Started: &started}
	h.coord = New(session.Key{UserID: "u", CourseID: "c", ExerciseID: "e"}, DefaultConfig(), Deps{
		Store:    h.store,
		Clock:    h.clock,
		Breaker:  circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(100)),
		Source:   func() (session.Document, bool) { return h.snap, h.active },
		OnNotice: func(n Notice) { h.notices = append(h.notices, n) },
	})
	return h
}

func sectionPatch(key string) session.Document {
	k := section.Key(key)
	return session.Document{CurrentSection: &k}
}

func textPatch(text string) session.Document {
	return session.Document{SectionContent: map[section.Key]section.Content{"intro": {Text: text}}}
}

func TestScheduleSave_TrailingDebounceResets(t *testing.T) {
	h := newHarness(t)

	h.coord.ScheduleSave(textPatch("a"))
	h.clock.Advance(500 * time.Millisecond)
	h.coord.ScheduleSave(textPatch("ab"))
	h.clock.Advance(900 * time.Millisecond)
	h.coord.ScheduleSave(sectionPatch("intro"))
	h.clock.Advance(999 * time.Millisecond)
	assert.Empty(t, h.store.saved())

	h.clock.Advance(time.Millisecond)
	calls := h.store.saved()
	require.Len(t, calls, 1)
	assert.Equal(t, "ab", calls[0].patch.SectionContent["intro"].Text)
	assert.Equal(t, section.Key("intro"), *calls[0].patch.CurrentSection)
	assert.True(t, h.coord.Pending().IsEmpty())
}

func TestAutosave_WritesSnapshotWhileActive(t *testing.T) {
	h := newHarness(t)
	h.coord.StartAutosave()
	h.coord.StartAutosave()

	h.clock.Advance(30 * time.Second)
	require.Len(t, h.store.saved(), 1)
	assert.Equal(t, h.snap, h.store.saved()[0].patch)

	h.active = false
	h.clock.Advance(60 * time.Second)
	assert.Len(t, h.store.saved(), 1)

	h.active = true
	h.clock.Advance(30 * time.Second)
	assert.Len(t, h.store.saved(), 2)
}

func TestLock_DisablesRegularWrites(t *testing.T) {
	h := newHarness(t)
	h.coord.StartAutosave()
	h.coord.ScheduleSave(textPatch("queued"))

	h.coord.Lock()
	assert.True(t, h.coord.Locked())
	h.coord.ScheduleSave(textPatch("late"))
	require.NoError(t, h.coord.SaveNow(context.Background(), sectionPatch("x")))
	require.NoError(t, h.coord.Flush(context.Background()))
	h.clock.Advance(5 * time.Minute)
	assert.Empty(t, h.store.saved())
	assert.Zero(t, h.clock.Pending())

	require.NoError(t, h.coord.SaveExempt(context.Background(), textPatch("staff")))
	calls := h.store.saved()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].opts.Exempt)
}

func TestSaveNow_IncludesQueuedEdits(t *testing.T) {
	h := newHarness(t)
	h.coord.ScheduleSave(textPatch("draft"))

	require.NoError(t, h.coord.SaveNow(context.Background(), sectionPatch("next")))
	calls := h.store.saved()
	require.Len(t, calls, 1)
	assert.Equal(t, "draft", calls[0].patch.SectionContent["intro"].Text)
	assert.Equal(t, section.Key("next"), *calls[0].patch.CurrentSection)

	h.clock.Advance(2 * time.Second)
	assert.Len(t, h.store.saved(), 1, "debounce finds nothing left to write")
}

func TestWriteFailure_NoticeAndRequeue(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("store offline")
	h.store.setFail(boom)

	h.coord.ScheduleSave(textPatch("first"))
	h.clock.Advance(time.Second)
	require.Len(t, h.notices, 1)
	assert.ErrorIs(t, h.notices[0].Err, boom)
	assert.Equal(t, TriggerDebounce, h.notices[0].Trigger)
	assert.Equal(t, []string{"sectionContent"}, h.notices[0].Fields)
	assert.Equal(t, "first", h.coord.Pending().SectionContent["intro"].Text)

	h.store.setFail(nil)
	h.coord.ScheduleSave(sectionPatch("two"))
	h.clock.Advance(time.Second)

	calls := h.store.saved()
	require.Len(t, calls, 1)
	assert.Equal(t, "first", calls[0].patch.SectionContent["intro"].Text)
	assert.Equal(t, section.Key("two"), *calls[0].patch.CurrentSection)
}

func TestWriteFailure_NewerEditsWinOverRequeued(t *testing.T) {
	h := newHarness(t)
	h.store.setFail(errors.New("down"))

	err := h.coord.SaveNow(context.Background(), textPatch("old"))
	require.Error(t, err)
	h.coord.ScheduleSave(textPatch("new"))
	assert.Equal(t, "new", h.coord.Pending().SectionContent["intro"].Text)
}

func TestFlush_WritesFullSnapshot(t *testing.T) {
	h := newHarness(t)
	h.coord.ScheduleSave(textPatch("x"))

	require.NoError(t, h.coord.Flush(context.Background()))
	calls := h.store.saved()
	require.Len(t, calls, 1)
	assert.Equal(t, h.snap, calls[0].patch)

	h.store.setFail(errors.New("down"))
	assert.Error(t, h.coord.Flush(context.Background()))
	assert.Len(t, h.notices, 1)
}

func TestReconcile_OverlaysPendingOnRemote(t *testing.T) {
	h := newHarness(t)
	h.coord.ScheduleSave(textPatch("local edit"))

	remoteSection := section.Key("remote")
	remote := session.Document{
		SectionContent: map[section.Key]section.Content{"intro": {Text: "stale"}},
		CurrentSection: &remoteSection,
	}
	got := h.coord.Reconcile(remote)
	assert.Equal(t, "local edit", got.SectionContent["intro"].Text)
	assert.Equal(t, remoteSection, *got.CurrentSection)
}

func TestClose_StopsTimersWithoutWriting(t *testing.T) {
	h := newHarness(t)
	h.coord.StartAutosave()
	h.coord.ScheduleSave(textPatch("unsaved"))

	h.coord.Close()
	h.coord.Close()
	assert.Zero(t, h.clock.Pending())
	h.clock.Advance(time.Minute)
	assert.Empty(t, h.store.saved())
	assert.True(t, h.coord.Pending().IsEmpty())
}

func TestFinalize_LocksThenWritesMarker(t *testing.T) {
	h := newHarness(t)
	h.coord.StartAutosave()
	submitted := true

	require.NoError(t, h.coord.Finalize(context.Background(), session.Document{Submitted: &submitted}))
	assert.True(t, h.coord.Locked())
	calls := h.store.saved()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].patch.IsSubmitted())
	assert.False(t, calls[0].opts.Exempt)
}

func TestBreakerOpen_SurfacesNoticeQuickly(t *testing.T) {
	h := newHarness(t)
	h.coord.cb = circuitbreaker.New("store", circuitbreaker.WithFailureThreshold(1))
	h.store.setFail(errors.New("down"))

	assert.Error(t, h.coord.SaveNow(context.Background(), sectionPatch("a")))
	err := h.coord.SaveNow(context.Background(), sectionPatch("b"))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Len(t, h.notices, 2)
}
