// Package exercise holds the registry of lab exercise definitions. Each
// definition supplies its own section rules, submission policy and
// simulation parameters, so adding a lab is a data change.
package exercise

import (
	"fmt"
	"math"

	"github.com/alem-hub/lab-engine/internal/domain/circuit"
	"github.com/alem-hub/lab-engine/internal/domain/decay"
	"github.com/alem-hub/lab-engine/internal/domain/section"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

// Simulation selects the interactive model attached to an exercise.
type Simulation string

const (
	SimulationNone  Simulation = "none"
	SimulationDecay Simulation = "decay"
	SimulationLED   Simulation = "led"
)

// CrossingField is the observation field holding the crossing voltage of an LED.
func CrossingField(ledID string) string { return "crossing_" + ledID }

// SubmitPolicy is the completion threshold for submission. The stricter of
// the two minimums applies; a zero policy requires every section.
type SubmitPolicy struct {
	MinCompleted int     `yaml:"min_completed" json:"min_completed"`
	MinFraction  float64 `yaml:"min_fraction" json:"min_fraction"`
}

// Required returns the number of completed sections needed out of total.
func (p SubmitPolicy) Required(total int) int {
	if p.MinCompleted <= 0 && p.MinFraction <= 0 {
		return total
	}
	need := p.MinCompleted
	if byFraction := int(math.Ceil(p.MinFraction*float64(total) - 1e-9)); byFraction > need {
		need = byFraction
	}
	if need > total {
		need = total
	}
	return need
}

// Allows reports whether completed sections out of total meet the policy.
func (p SubmitPolicy) Allows(completed, total int) bool {
	return completed >= p.Required(total)
}

// Definition describes one lab exercise.
type Definition struct {
	ID             shared.ExerciseID      `yaml:"id" json:"id"`
	Title          string                 `yaml:"title" json:"title"`
	Simulation     Simulation             `yaml:"simulation" json:"simulation"`
	Sections       []section.Rule         `yaml:"sections" json:"sections"`
	Submit         SubmitPolicy           `yaml:"submit" json:"submit"`
	Isotopes       []decay.IsotopeProfile `yaml:"isotopes,omitempty" json:"isotopes,omitempty"`
	DefaultIsotope string                 `yaml:"default_isotope,omitempty" json:"default_isotope,omitempty"`
	SamplingStride int                    `yaml:"sampling_stride,omitempty" json:"sampling_stride,omitempty"`
	LEDs           []circuit.LED          `yaml:"leds,omitempty" json:"leds,omitempty"`
	InitialVoltage float64                `yaml:"initial_voltage,omitempty" json:"initial_voltage,omitempty"`
	Reference      map[string]float64     `yaml:"reference,omitempty" json:"reference,omitempty"`
}

func invalid(id shared.ExerciseID, format string, args ...any) error {
	return shared.WrapError("exercise", "Validate", shared.ErrInvalidExercise, string(id), fmt.Errorf(format, args...))
}

// Validate checks the definition as a whole.
func (d Definition) Validate() error {
	if !d.ID.IsValid() {
		return invalid(d.ID, "invalid exercise id %q", d.ID)
	}
	if len(d.Sections) == 0 {
		return invalid(d.ID, "no sections")
	}
	keys := make(map[section.Key]bool, len(d.Sections))
	for _, r := range d.Sections {
		if keys[r.Key] {
			return shared.WrapError("exercise", "Validate", shared.ErrDuplicateSectionKeys, string(d.ID),
				fmt.Errorf("section %q", r.Key))
		}
		keys[r.Key] = true
		if err := r.Validate(); err != nil {
			return invalid(d.ID, "section %q: %w", r.Key, err)
		}
	}
	if d.Submit.MinCompleted < 0 || d.Submit.MinFraction < 0 || d.Submit.MinFraction > 1 {
		return invalid(d.ID, "invalid submit policy")
	}
	if d.Submit.MinCompleted > len(d.Sections) {
		return invalid(d.ID, "submit policy needs %d sections, exercise has %d", d.Submit.MinCompleted, len(d.Sections))
	}

	switch d.Simulation {
	case "", SimulationNone:
	case SimulationDecay:
		if len(d.Isotopes) == 0 {
			return invalid(d.ID, "decay exercise without isotopes")
		}
		seen := make(map[string]bool, len(d.Isotopes))
		for _, iso := range d.Isotopes {
			if err := iso.Validate(); err != nil {
				return invalid(d.ID, "isotope %q: %w", iso.ID, err)
			}
			if seen[iso.ID] {
				return invalid(d.ID, "duplicate isotope %q", iso.ID)
			}
			seen[iso.ID] = true
		}
		if d.DefaultIsotope != "" && !seen[d.DefaultIsotope] {
			return invalid(d.ID, "unknown default isotope %q", d.DefaultIsotope)
		}
		if d.SamplingStride < 0 {
			return invalid(d.ID, "negative sampling stride")
		}
	case SimulationLED:
		if _, err := circuit.NewModel(d.LEDs, d.InitialVoltage); err != nil {
			return invalid(d.ID, "LED table: %w", err)
		}
	default:
		return invalid(d.ID, "unknown simulation %q", d.Simulation)
	}
	return nil
}

// Rule returns the rule of a section.
func (d Definition) Rule(key section.Key) (section.Rule, bool) {
	for _, r := range d.Sections {
		if r.Key == key {
			return r, true
		}
	}
	return section.Rule{}, false
}

// FirstSection returns the key of the first section.
func (d Definition) FirstSection() section.Key {
	if len(d.Sections) == 0 {
		return ""
	}
	return d.Sections[0].Key
}

// Isotope looks up an isotope profile.
func (d Definition) Isotope(id string) (decay.IsotopeProfile, bool) {
	for _, iso := range d.Isotopes {
		if iso.ID == id {
			return iso, true
		}
	}
	return decay.IsotopeProfile{}, false
}

// DefaultProfile returns the isotope a new run starts with.
func (d Definition) DefaultProfile() (decay.IsotopeProfile, bool) {
	if d.DefaultIsotope != "" {
		return d.Isotope(d.DefaultIsotope)
	}
	if len(d.Isotopes) == 0 {
		return decay.IsotopeProfile{}, false
	}
	return d.Isotopes[0], true
}

// Stride returns the sampling stride, defaulting to decay.DefaultStride.
func (d Definition) Stride() int {
	if d.SamplingStride > 0 {
		return d.SamplingStride
	}
	return decay.DefaultStride
}

// ObservationReference returns the static reference values a fresh session
// starts with: the explicit reference table plus the parameters of the
// default isotope or the first LED.
func (d Definition) ObservationReference() map[string]*float64 {
	ref := make(map[string]*float64, len(d.Reference)+3)
	for k, v := range d.Reference {
		ref[k] = shared.Float(v)
	}
	switch d.Simulation {
	case SimulationDecay:
		if p, ok := d.DefaultProfile(); ok {
			for k, v := range p.Reference() {
				ref[k] = v
			}
		}
	case SimulationLED:
		if len(d.LEDs) > 0 {
			ref[circuit.RefThresholdVoltage] = shared.Float(d.LEDs[0].Threshold)
		}
	}
	return ref
}
