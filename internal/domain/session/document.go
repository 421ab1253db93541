package session

import (
	"sort"
	"time"

	"github.com/alem-hub/lab-engine/internal/domain/section"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

// DataSet holds the observation or analysis data of a session.
//
// Reference values are seeded from the exercise definition (isotope
// parameters, LED thresholds). Fields are entered or computed numbers; a nil
// entry is a value the student cleared.
type DataSet struct {
	Reference    map[string]*float64  `json:"reference,omitempty"`
	Measurements []shared.Measurement `json:"measurements,omitempty"`
	Fields       map[string]*float64  `json:"fields,omitempty"`
	Notes        map[string]string    `json:"notes,omitempty"`
}

// Clone returns a deep copy.
func (d DataSet) Clone() DataSet {
	out := DataSet{
		Reference: cloneFloats(d.Reference),
		Fields:    cloneFloats(d.Fields),
	}
	if d.Measurements != nil {
		out.Measurements = append([]shared.Measurement(nil), d.Measurements...)
	}
	if d.Notes != nil {
		out.Notes = make(map[string]string, len(d.Notes))
		for k, v := range d.Notes {
			out.Notes[k] = v
		}
	}
	return out
}

// merge folds a remote data set in. A present data set carries the whole
// run, so its measurements replace the local ones even when empty. Other
// remote values win, except that a reference value absent or null remotely
// keeps its local value.
func (d *DataSet) merge(remote *DataSet) {
	if remote == nil {
		return
	}
	for k, v := range remote.Reference {
		if v == nil {
			continue
		}
		if d.Reference == nil {
			d.Reference = make(map[string]*float64)
		}
		d.Reference[k] = shared.Float(*v)
	}
	d.Measurements = append([]shared.Measurement(nil), remote.Measurements...)
	d.mergeEntries(remote.Fields, remote.Notes)
}

// mergeEntries sets entered fields and notes. A nil field value clears it.
func (d *DataSet) mergeEntries(fields map[string]*float64, notes map[string]string) {
	for k, v := range fields {
		if d.Fields == nil {
			d.Fields = make(map[string]*float64)
		}
		if v != nil {
			v = shared.Float(*v)
		}
		d.Fields[k] = v
	}
	for k, v := range notes {
		if d.Notes == nil {
			d.Notes = make(map[string]string)
		}
		d.Notes[k] = v
	}
}

func cloneFloats(m map[string]*float64) map[string]*float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]*float64, len(m))
	for k, v := range m {
		if v != nil {
			v = shared.Float(*v)
		}
		out[k] = v
	}
	return out
}

// Document is the persisted form of a session, and also a partial update of
// it: a nil field is absent. Top-level fields are the unit of a partial
// write, so a present field always carries its complete value.
type Document struct {
	SectionStatus   map[section.Key]section.Status  `json:"sectionStatus,omitempty"`
	SectionContent  map[section.Key]section.Content `json:"sectionContent,omitempty"`
	ObservationData *DataSet                        `json:"observationData,omitempty"`
	AnalysisData    *DataSet                        `json:"analysisData,omitempty"`
	Started         *bool                           `json:"started,omitempty"`
	Submitted       *bool                           `json:"submitted,omitempty"`
	SubmittedAt     *time.Time                      `json:"submittedAt,omitempty"`
	CurrentSection  *section.Key                    `json:"currentSection,omitempty"`
	SubmissionID    *string                         `json:"submissionId,omitempty"`
	LastModified    *time.Time                      `json:"lastModified,omitempty"`
}

// Overlay returns d with every field present in newer replaced by newer's value.
func (d Document) Overlay(newer Document) Document {
	out := d
	if newer.SectionStatus != nil {
		out.SectionStatus = newer.SectionStatus
	}
	if newer.SectionContent != nil {
		out.SectionContent = newer.SectionContent
	}
	if newer.ObservationData != nil {
		out.ObservationData = newer.ObservationData
	}
	if newer.AnalysisData != nil {
		out.AnalysisData = newer.AnalysisData
	}
	if newer.Started != nil {
		out.Started = newer.Started
	}
	if newer.Submitted != nil {
		out.Submitted = newer.Submitted
	}
	if newer.SubmittedAt != nil {
		out.SubmittedAt = newer.SubmittedAt
	}
	if newer.CurrentSection != nil {
		out.CurrentSection = newer.CurrentSection
	}
	if newer.SubmissionID != nil {
		out.SubmissionID = newer.SubmissionID
	}
	if newer.LastModified != nil {
		out.LastModified = newer.LastModified
	}
	return out
}

// IsEmpty reports whether no field is present.
func (d Document) IsEmpty() bool {
	return len(d.FieldNames()) == 0
}

// IsSubmitted reports whether the document carries submitted=true.
func (d Document) IsSubmitted() bool {
	return d.Submitted != nil && *d.Submitted
}

// FieldNames lists the present fields by their document names, sorted.
func (d Document) FieldNames() []string {
	var names []string
	add := func(present bool, name string) {
		if present {
			names = append(names, name)
		}
	}
	add(d.SectionStatus != nil, "sectionStatus")
	add(d.SectionContent != nil, "sectionContent")
	add(d.ObservationData != nil, "observationData")
	add(d.AnalysisData != nil, "analysisData")
	add(d.Started != nil, "started")
	add(d.Submitted != nil, "submitted")
	add(d.SubmittedAt != nil, "submittedAt")
	add(d.CurrentSection != nil, "currentSection")
	add(d.SubmissionID != nil, "submissionId")
	add(d.LastModified != nil, "lastModified")
	sort.Strings(names)
	return names
}

// WriteOptions qualifies a store write.
type WriteOptions struct {
	// Exempt marks a privileged write that bypasses the submitted guard.
	Exempt bool
}

// ApplyPatch computes the stored document after writing patch over current.
// A write to a submitted document is dropped unless exempt; applied is
// false in that case. Stores without server-side merge use this.
func ApplyPatch(current, patch Document, opts WriteOptions) (next Document, applied bool) {
	if current.IsSubmitted() && !opts.Exempt {
		return current, false
	}
	return current.Overlay(patch), true
}

func boolPtr(b bool) *bool { return &b }

func timePtr(t time.Time) *time.Time { return &t }
