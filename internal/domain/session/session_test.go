package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/lab-engine/internal/domain/exercise"
	"github.com/alem-hub/lab-engine/internal/domain/section"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func decayLab(t *testing.T) exercise.Definition {
	t.Helper()
	reg, err := exercise.Default()
	require.NoError(t, err)
	def, err := reg.Lookup("radioactive-decay")
	require.NoError(t, err)
	return def
}

func testKey() Key {
	return Key{UserID: "u-1", CourseID: "phys-101", ExerciseID: "radioactive-decay"}
}

func TestKey_ParseRoundTrip(t *testing.T) {
	k := testKey()
	parsed, err := ParseKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	_, err = ParseKey("only/two")
	assert.ErrorIs(t, err, shared.ErrInvalidSessionKey)
	_, err = NewKey("", "c", "e")
	assert.ErrorIs(t, err, shared.ErrInvalidID)
	assert.Error(t, Key{UserID: "u"}.Validate())
}

func TestNew_SeedsSectionsAndReference(t *testing.T) {
	def := decayLab(t)
	s := New(testKey(), def)

	assert.Equal(t, StateNotStarted, s.State())
	assert.Len(t, s.Sections, len(def.Sections))
	for _, sec := range s.Sections {
		assert.Equal(t, section.NotStarted, sec.Status)
	}
	require.NotNil(t, s.Observation.Reference["half_life"])
	assert.Equal(t, 30.0, *s.Observation.Reference["half_life"])
}

func TestMerge_PreservesReferenceAndMonotonicFlags(t *testing.T) {
	def := decayLab(t)
	s := New(testKey(), def)
	require.NoError(t, s.MarkStarted(def.FirstSection(), t0))

	cur := section.Key("hypothesis")
	remote := Document{
		ObservationData: &DataSet{
			Reference:    map[string]*float64{"half_life": nil, "extra": shared.Float(1)},
			Measurements: []shared.Measurement{{Time: 5, Measured: 1800, Net: 1775}},
			Fields:       map[string]*float64{"note_value": shared.Float(3)},
		},
		Started:        boolPtr(false),
		Submitted:      boolPtr(false),
		CurrentSection: &cur,
		SectionContent: map[section.Key]section.Content{
			"hypothesis": {Text: "The count rate will halve every half-life period of the isotope."},
		},
		SectionStatus: map[section.Key]section.Status{"hypothesis": section.NotStarted},
	}
	changes := s.Merge(remote, def.Sections)

	assert.Equal(t, 30.0, *s.Observation.Reference["half_life"], "null reference keeps local value")
	assert.Equal(t, 2000.0, *s.Observation.Reference["initial_activity"], "absent reference keeps local value")
	assert.Equal(t, 1.0, *s.Observation.Reference["extra"])
	assert.Len(t, s.Observation.Measurements, 1)
	assert.True(t, s.Started, "started never reverts")
	assert.Equal(t, cur, s.CurrentSection)
	assert.Equal(t, section.Completed, s.Sections["hypothesis"].Status, "stored status is re-derived")
	assert.Contains(t, changes, StatusChange{Key: "hypothesis", From: section.NotStarted, To: section.Completed})
	assert.Equal(t, section.InProgress, s.Sections["observation"].Status)

	s.Merge(Document{Submitted: boolPtr(true), SubmittedAt: timePtr(t0)}, def.Sections)
	s.Merge(Document{Submitted: boolPtr(false)}, def.Sections)
	assert.Equal(t, StateSubmitted, s.State())
}

func TestSetContent_AcknowledgmentIsSticky(t *testing.T) {
	def := decayLab(t)
	s := New(testKey(), def)

	require.NoError(t, s.SetContent("safety", section.Content{Acknowledged: true}, t0))
	require.NoError(t, s.SetContent("safety", section.Content{Acknowledged: false}, t0))
	s.Reassess(def.Sections)
	assert.Equal(t, section.Completed, s.Sections["safety"].Status)

	assert.ErrorIs(t, s.SetContent("nope", section.Content{}, t0), shared.ErrUnknownSection)
}

func TestContentFor_NumericUsesDataSet(t *testing.T) {
	def := decayLab(t)
	s := New(testKey(), def)
	rule, ok := def.Rule("analysis")
	require.True(t, ok)

	assert.Equal(t, section.NotStarted, section.Derive(rule, s.ContentFor(rule)))
	s.UpdateData(section.SourceAnalysis, map[string]*float64{"half_life_fit": shared.Float(29.5)}, nil, t0)
	assert.Equal(t, section.Completed, section.Derive(rule, s.ContentFor(rule)))

	s.UpdateData(section.SourceAnalysis, map[string]*float64{"half_life_fit": nil}, nil, t0)
	assert.Equal(t, section.NotStarted, section.Derive(rule, s.ContentFor(rule)))
}

func TestAppendMeasurementAndResetRun(t *testing.T) {
	s := New(testKey(), decayLab(t))
	require.NoError(t, s.AppendMeasurement(shared.Measurement{Time: 5, Measured: 10}, t0))
	assert.Error(t, s.AppendMeasurement(shared.Measurement{Time: 5, Measured: 9}, t0))
	require.NoError(t, s.AppendMeasurement(shared.Measurement{Time: 10, Measured: 9}, t0))

	s.ResetRun(map[string]*float64{"half_life": shared.Float(70)}, "pa-234m", t0)
	assert.Empty(t, s.Observation.Measurements)
	assert.Equal(t, 70.0, *s.Observation.Reference["half_life"])
	assert.Equal(t, 25.0, *s.Observation.Reference["background"])
	assert.Equal(t, "pa-234m", s.Observation.Notes[NoteSelection])
}

func TestMerge_RemoteResetClearsMeasurements(t *testing.T) {
	def := decayLab(t)
	local := New(testKey(), def)
	require.NoError(t, local.AppendMeasurement(shared.Measurement{Time: 5, Measured: 100, Net: 75}, t0))

	remote := New(testKey(), def)
	remote.ResetRun(map[string]*float64{"half_life": shared.Float(70)}, "pa-234m", t0)
	obs := remote.Observation.Clone()

	raw, err := json.Marshal(Document{ObservationData: &obs})
	require.NoError(t, err)
	var wire Document
	require.NoError(t, json.Unmarshal(raw, &wire))
	require.NotNil(t, wire.ObservationData)

	local.Merge(wire, def.Sections)
	assert.Empty(t, local.Observation.Measurements)
	assert.Equal(t, "pa-234m", local.Observation.Notes[NoteSelection])
	assert.Equal(t, 70.0, *local.Observation.Reference["half_life"])

	// Entered values keep their merge semantics.
	local.UpdateData(section.SourceObservation, map[string]*float64{"count_rate": shared.Float(3)}, nil, t0)
	require.NoError(t, local.AppendMeasurement(shared.Measurement{Time: 5, Measured: 90, Net: 65}, t0))
	local.UpdateData(section.SourceObservation, nil, map[string]string{"comment": "ok"}, t0)
	assert.Len(t, local.Observation.Measurements, 1, "entering data never touches the run")
	assert.Equal(t, 3.0, *local.Observation.Fields["count_rate"])
}

func TestLifecycle(t *testing.T) {
	def := decayLab(t)
	s := New(testKey(), def)

	assert.Error(t, s.Navigate("missing", t0))
	require.NoError(t, s.MarkStarted("safety", t0))
	assert.ErrorIs(t, s.MarkStarted("safety", t0), shared.ErrSessionStarted)
	require.NoError(t, s.Navigate("conclusion", t0))
	assert.Equal(t, section.Key("conclusion"), s.CurrentSection)

	s.MarkSubmitted("sub-1", t0.Add(time.Hour))
	assert.Equal(t, StateSubmitted, s.State())
	assert.ErrorIs(t, s.MarkStarted("safety", t0), shared.ErrSessionSubmitted)
}

func TestSnapshot_MergeIntoFreshSessionReproducesState(t *testing.T) {
	def := decayLab(t)
	s := New(testKey(), def)
	require.NoError(t, s.MarkStarted(def.FirstSection(), t0))
	require.NoError(t, s.SetContent("safety", section.Content{Acknowledged: true}, t0))
	require.NoError(t, s.AppendMeasurement(shared.Measurement{Time: 5, Measured: 1800, Net: 1775}, t0))
	require.NoError(t, s.Navigate("observation", t0))
	s.Reassess(def.Sections)

	raw, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))

	fresh := New(testKey(), def)
	fresh.Merge(doc, def.Sections)
	assert.Equal(t, s.Statuses(), fresh.Statuses())
	assert.Equal(t, s.CurrentSection, fresh.CurrentSection)
	assert.Equal(t, s.Observation.Measurements, fresh.Observation.Measurements)
	assert.Equal(t, StateInProgress, fresh.State())
}

func TestDocumentOverlayAndApplyPatch(t *testing.T) {
	a := section.Key("a")
	b := section.Key("b")
	older := Document{CurrentSection: &a, Started: boolPtr(true)}
	newer := Document{CurrentSection: &b}

	got := older.Overlay(newer)
	assert.Equal(t, b, *got.CurrentSection)
	assert.True(t, *got.Started)
	assert.Equal(t, []string{"currentSection", "started"}, got.FieldNames())
	assert.True(t, Document{}.IsEmpty())

	stored := Document{Submitted: boolPtr(true)}
	next, applied := ApplyPatch(stored, newer, WriteOptions{})
	assert.False(t, applied)
	assert.Nil(t, next.CurrentSection)

	next, applied = ApplyPatch(stored, newer, WriteOptions{Exempt: true})
	assert.True(t, applied)
	assert.Equal(t, b, *next.CurrentSection)
}

func TestDocument_JSONFieldNames(t *testing.T) {
	cur := section.Key("intro")
	raw, err := json.Marshal(Document{CurrentSection: &cur, Submitted: boolPtr(false)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"currentSection":"intro","submitted":false}`, string(raw))
}
