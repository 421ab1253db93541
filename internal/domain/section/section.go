// Package section derives the completion status of exercise sections from
// their content. Derivation is pure: the same rule and content always give
// the same status and nothing is remembered between calls.
package section

import (
	"fmt"

	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

// Status is the derived completion state of a section.
type Status string

const (
	NotStarted Status = "not_started"
	InProgress Status = "in_progress"
	Completed  Status = "completed"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case NotStarted, InProgress, Completed:
		return true
	}
	return false
}

// Key names a section inside an exercise.
type Key string

// Kind selects the completion predicate of a section.
type Kind string

const (
	KindText           Kind = "text"
	KindStructured     Kind = "structured"
	KindAcknowledgment Kind = "acknowledgment"
	KindNumeric        Kind = "numeric"
)

// DataSource names the data set a numeric section is evaluated against.
type DataSource string

const (
	SourceObservation DataSource = "observation"
	SourceAnalysis    DataSource = "analysis"
)

// SubAnswer is one question of a structured section.
type SubAnswer struct {
	ID        string `yaml:"id" json:"id"`
	Prompt    string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	MinLength int    `yaml:"min_length" json:"min_length"`
}

// Rule configures how one section is evaluated.
type Rule struct {
	Key             Key         `yaml:"key" json:"key"`
	Title           string      `yaml:"title" json:"title"`
	Kind            Kind        `yaml:"kind" json:"kind"`
	MinLength       int         `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	SubAnswers      []SubAnswer `yaml:"sub_answers,omitempty" json:"sub_answers,omitempty"`
	RequiredFields  []string    `yaml:"required_fields,omitempty" json:"required_fields,omitempty"`
	MinMeasurements int         `yaml:"min_measurements,omitempty" json:"min_measurements,omitempty"`
	Source          DataSource  `yaml:"source,omitempty" json:"source,omitempty"`
}

// Validate checks that the rule can ever be completed.
func (r Rule) Validate() error {
	fail := func(msg string) error {
		return shared.WrapError("section", "Validate", shared.ErrValidation, string(r.Key), fmt.Errorf("%s", msg))
	}
	if r.Key == "" {
		return fail("section key is required")
	}
	if r.MinLength < 0 || r.MinMeasurements < 0 {
		return fail("minimums cannot be negative")
	}
	switch r.Kind {
	case KindText, KindAcknowledgment:
	case KindStructured:
		if len(r.SubAnswers) == 0 {
			return fail("structured section needs sub-answers")
		}
		seen := make(map[string]bool, len(r.SubAnswers))
		for _, sa := range r.SubAnswers {
			if sa.ID == "" || seen[sa.ID] {
				return fail("sub-answer ids must be unique and non-empty")
			}
			if sa.MinLength < 0 {
				return fail("minimums cannot be negative")
			}
			seen[sa.ID] = true
		}
	case KindNumeric:
		if len(r.RequiredFields) == 0 && r.MinMeasurements == 0 {
			return fail("numeric section needs required fields or a measurement minimum")
		}
		switch r.Source {
		case "", SourceObservation, SourceAnalysis:
		default:
			return fail("unknown data source " + string(r.Source))
		}
	default:
		return fail("unknown section kind " + string(r.Kind))
	}
	return nil
}

// DataSet returns the data source of a numeric rule, defaulting to observation.
func (r Rule) DataSet() DataSource {
	if r.Source == "" {
		return SourceObservation
	}
	return r.Source
}

// Content is everything a student has entered for one section. Numeric
// sections see the fields and measurements of their data set.
type Content struct {
	Text         string               `json:"text,omitempty"`
	Answers      map[string]string    `json:"answers,omitempty"`
	Acknowledged bool                 `json:"acknowledged,omitempty"`
	Fields       map[string]*float64  `json:"fields,omitempty"`
	Measurements []shared.Measurement `json:"measurements,omitempty"`
}

// Clone returns a deep copy.
func (c Content) Clone() Content {
	out := Content{Text: c.Text, Acknowledged: c.Acknowledged}
	if c.Answers != nil {
		out.Answers = make(map[string]string, len(c.Answers))
		for k, v := range c.Answers {
			out.Answers[k] = v
		}
	}
	if c.Fields != nil {
		out.Fields = make(map[string]*float64, len(c.Fields))
		for k, v := range c.Fields {
			if v != nil {
				v = shared.Float(*v)
			}
			out.Fields[k] = v
		}
	}
	if c.Measurements != nil {
		out.Measurements = append([]shared.Measurement(nil), c.Measurements...)
	}
	return out
}
