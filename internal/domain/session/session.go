package session

import (
	"time"

	"github.com/alem-hub/lab-engine/internal/domain/exercise"
	"github.com/alem-hub/lab-engine/internal/domain/section"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATE
// ══════════════════════════════════════════════════════════════════════════════

// State is the lifecycle position of a session.
type State string

const (
	StateNotStarted State = "not_started"
	StateInProgress State = "in_progress"
	StateSubmitted  State = "submitted"
)

// Section is one section of a session with its derived status.
type Section struct {
	Key     section.Key     `json:"key"`
	Status  section.Status  `json:"status"`
	Content section.Content `json:"content"`
}

// StatusChange records a section whose derived status moved.
type StatusChange struct {
	Key  section.Key
	From section.Status
	To   section.Status
}

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATE
// ══════════════════════════════════════════════════════════════════════════════

// LabSession is the state of one student's work on one exercise. It is a
// plain aggregate without locking; the controller owning it serializes access.
type LabSession struct {
	Key            Key
	Sections       map[section.Key]Section
	Observation    DataSet
	Analysis       DataSet
	Started        bool
	Submitted      bool
	SubmittedAt    *time.Time
	CurrentSection section.Key
	LastModified   time.Time
	SubmissionID   string
}

// New creates a not-started session with empty sections and the reference
// data of the definition.
func New(key Key, def exercise.Definition) *LabSession {
	s := &LabSession{
		Key:         key,
		Sections:    make(map[section.Key]Section, len(def.Sections)),
		Observation: DataSet{Reference: def.ObservationReference()},
	}
	for _, r := range def.Sections {
		s.Sections[r.Key] = Section{Key: r.Key, Status: section.NotStarted}
	}
	return s
}

// State derives the lifecycle state from the flags.
func (s *LabSession) State() State {
	switch {
	case s.Submitted:
		return StateSubmitted
	case s.Started:
		return StateInProgress
	default:
		return StateNotStarted
	}
}

// Snapshot returns the complete document of the session.
func (s *LabSession) Snapshot() Document {
	statuses := make(map[section.Key]section.Status, len(s.Sections))
	contents := make(map[section.Key]section.Content, len(s.Sections))
	for k, sec := range s.Sections {
		statuses[k] = sec.Status
		contents[k] = sec.Content.Clone()
	}
	obs := s.Observation.Clone()
	ana := s.Analysis.Clone()
	doc := Document{
		SectionStatus:   statuses,
		SectionContent:  contents,
		ObservationData: &obs,
		AnalysisData:    &ana,
		Started:         boolPtr(s.Started),
		Submitted:       boolPtr(s.Submitted),
	}
	if s.SubmittedAt != nil {
		doc.SubmittedAt = timePtr(*s.SubmittedAt)
	}
	if s.SubmissionID != "" {
		id := s.SubmissionID
		doc.SubmissionID = &id
	}
	if !s.LastModified.IsZero() {
		doc.LastModified = timePtr(s.LastModified)
	}
	cur := s.CurrentSection
	doc.CurrentSection = &cur
	return doc
}

// Clone returns a deep copy.
func (s *LabSession) Clone() *LabSession {
	out := *s
	out.Sections = make(map[section.Key]Section, len(s.Sections))
	for k, sec := range s.Sections {
		sec.Content = sec.Content.Clone()
		out.Sections[k] = sec
	}
	out.Observation = s.Observation.Clone()
	out.Analysis = s.Analysis.Clone()
	if s.SubmittedAt != nil {
		out.SubmittedAt = timePtr(*s.SubmittedAt)
	}
	return &out
}

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION
// ══════════════════════════════════════════════════════════════════════════════

// Merge folds a remote, possibly partial, document into the session and
// re-derives section statuses.
//
// Absent remote fields keep their local value. Reference values absent or
// null remotely are preserved. Started and Submitted only ever move to true.
// Stored statuses are ignored because statuses are always derived.
func (s *LabSession) Merge(remote Document, rules []section.Rule) []StatusChange {
	for k, c := range remote.SectionContent {
		sec := s.Sections[k]
		sec.Key = k
		sec.Content = c.Clone()
		s.Sections[k] = sec
	}
	s.Observation.merge(remote.ObservationData)
	s.Analysis.merge(remote.AnalysisData)

	if remote.Started != nil && *remote.Started {
		s.Started = true
	}
	if remote.Submitted != nil && *remote.Submitted {
		s.Submitted = true
		s.Started = true
	}
	if remote.SubmittedAt != nil {
		s.SubmittedAt = timePtr(*remote.SubmittedAt)
	}
	if remote.CurrentSection != nil && *remote.CurrentSection != "" {
		s.CurrentSection = *remote.CurrentSection
	}
	if remote.SubmissionID != nil && *remote.SubmissionID != "" {
		s.SubmissionID = *remote.SubmissionID
	}
	if remote.LastModified != nil && remote.LastModified.After(s.LastModified) {
		s.LastModified = *remote.LastModified
	}
	return s.Reassess(rules)
}

// ContentFor returns the content a rule is evaluated against. Numeric
// sections see the fields and measurements of their data set, with values
// typed into the section itself taking precedence.
func (s *LabSession) ContentFor(rule section.Rule) section.Content {
	own := s.Sections[rule.Key].Content
	if rule.Kind != section.KindNumeric {
		return own
	}
	ds := s.Observation
	if rule.DataSet() == section.SourceAnalysis {
		ds = s.Analysis
	}
	c := own.Clone()
	c.Measurements = ds.Measurements
	fields := make(map[string]*float64, len(ds.Fields)+len(own.Fields))
	for k, v := range ds.Fields {
		fields[k] = v
	}
	for k, v := range own.Fields {
		if v != nil {
			fields[k] = v
		}
	}
	c.Fields = fields
	return c
}

// Reassess re-derives every section from its content and reports changes.
func (s *LabSession) Reassess(rules []section.Rule) []StatusChange {
	var changes []StatusChange
	for _, r := range rules {
		sec, ok := s.Sections[r.Key]
		if !ok {
			sec = Section{Key: r.Key, Status: section.NotStarted}
		}
		next := section.Derive(r, s.ContentFor(r))
		if ok && sec.Status != next {
			changes = append(changes, StatusChange{Key: r.Key, From: sec.Status, To: next})
		}
		sec.Status = next
		s.Sections[r.Key] = sec
	}
	return changes
}

// Statuses returns the current status of every section.
func (s *LabSession) Statuses() map[section.Key]section.Status {
	out := make(map[section.Key]section.Status, len(s.Sections))
	for k, sec := range s.Sections {
		out[k] = sec.Status
	}
	return out
}

// CompletedCount counts completed sections.
func (s *LabSession) CompletedCount() int {
	return section.CountCompleted(s.Statuses())
}

// ══════════════════════════════════════════════════════════════════════════════
// MUTATIONS
// ══════════════════════════════════════════════════════════════════════════════

// MarkStarted moves a not-started session to in progress at the first section.
func (s *LabSession) MarkStarted(first section.Key, now time.Time) error {
	if s.Submitted {
		return shared.ErrSessionSubmitted
	}
	if s.Started {
		return shared.ErrSessionStarted
	}
	s.Started = true
	s.CurrentSection = first
	s.LastModified = now
	return nil
}

// Navigate moves the current section pointer.
func (s *LabSession) Navigate(key section.Key, now time.Time) error {
	if _, ok := s.Sections[key]; !ok {
		return shared.WrapError("session", "Navigate", shared.ErrUnknownSection, string(key), nil)
	}
	s.CurrentSection = key
	s.LastModified = now
	return nil
}

// SetContent replaces a section's content. An acknowledgment once given
// stays given.
func (s *LabSession) SetContent(key section.Key, content section.Content, now time.Time) error {
	sec, ok := s.Sections[key]
	if !ok {
		return shared.WrapError("session", "SetContent", shared.ErrUnknownSection, string(key), nil)
	}
	if sec.Content.Acknowledged {
		content.Acknowledged = true
	}
	sec.Content = content.Clone()
	s.Sections[key] = sec
	s.LastModified = now
	return nil
}

// DataSetFor returns the observation or analysis data set.
func (s *LabSession) DataSetFor(src section.DataSource) *DataSet {
	if src == section.SourceAnalysis {
		return &s.Analysis
	}
	return &s.Observation
}

// UpdateData merges entered fields and notes into a data set. A nil field
// value clears it.
func (s *LabSession) UpdateData(src section.DataSource, fields map[string]*float64, notes map[string]string, now time.Time) {
	s.DataSetFor(src).mergeEntries(fields, notes)
	s.LastModified = now
}

// AppendMeasurement records an observation data point. Times must strictly
// increase within a run.
func (s *LabSession) AppendMeasurement(m shared.Measurement, now time.Time) error {
	if !m.IsValid() {
		return shared.NewDomainError("session", "AppendMeasurement", shared.ErrInvalidInput, "invalid measurement")
	}
	if n := len(s.Observation.Measurements); n > 0 && m.Time <= s.Observation.Measurements[n-1].Time {
		return shared.NewDomainError("session", "AppendMeasurement", shared.ErrInvalidInput, "measurement times must increase")
	}
	s.Observation.Measurements = append(s.Observation.Measurements, m)
	s.LastModified = now
	return nil
}

// ResetRun discards the recorded measurements and replaces the reference
// values with those of the new selection.
func (s *LabSession) ResetRun(reference map[string]*float64, selection string, now time.Time) {
	s.Observation.Measurements = nil
	if s.Observation.Reference == nil {
		s.Observation.Reference = make(map[string]*float64, len(reference))
	}
	for k, v := range reference {
		s.Observation.Reference[k] = v
	}
	if s.Observation.Notes == nil {
		s.Observation.Notes = make(map[string]string)
	}
	s.Observation.Notes[NoteSelection] = selection
	s.LastModified = now
}

// NoteSelection is the observation note holding the selected isotope or LED.
const NoteSelection = "selection"

// MarkSubmitted freezes the session.
func (s *LabSession) MarkSubmitted(submissionID string, at time.Time) {
	s.Submitted = true
	s.Started = true
	s.SubmittedAt = timePtr(at)
	s.SubmissionID = submissionID
	s.LastModified = at
}
