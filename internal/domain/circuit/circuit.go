// Package circuit models an LED driven by an adjustable voltage source.
package circuit

import (
	"fmt"
	"math"

	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

// RefThresholdVoltage is the reference field seeded with the selected LED's threshold.
const RefThresholdVoltage = "threshold_voltage"

// LED is one selectable diode.
type LED struct {
	ID         string  `yaml:"id" json:"id"`
	Color      string  `yaml:"color" json:"color"`
	Threshold  float64 `yaml:"threshold" json:"threshold"`   // volts
	Wavelength float64 `yaml:"wavelength" json:"wavelength"` // nanometres
}

// Validate checks the LED parameters.
func (l LED) Validate() error {
	if l.ID == "" {
		return shared.NewDomainError("circuit", "Validate", shared.ErrEmptyValue, "LED id is required")
	}
	if !(l.Threshold > 0) || math.IsInf(l.Threshold, 0) {
		return shared.WrapError("circuit", "Validate", shared.ErrInvalidThreshold, l.ID,
			fmt.Errorf("threshold %v", l.Threshold))
	}
	if l.Wavelength < 0 {
		return shared.NewDomainError("circuit", "Validate", shared.ErrNegativeValue, "wavelength cannot be negative")
	}
	return nil
}

// Crossing is the one-shot event of an LED starting to emit.
type Crossing struct {
	LED        string  `json:"led"`
	Voltage    float64 `json:"voltage"`
	Wavelength float64 `json:"wavelength"`
}

// State is a read-only view of the model.
type State struct {
	LED        LED     `json:"led"`
	Voltage    float64 `json:"voltage"`
	Active     bool    `json:"active"`
	Experiment bool    `json:"experiment"`
	Crossed    bool    `json:"crossed"`
}

// Model tracks the applied voltage against the selected LED's threshold.
//
// In experiment mode the first transition from inactive to active emits a
// Crossing. Later transitions emit nothing until another Select. Model is not
// safe for concurrent use.
type Model struct {
	leds           []LED
	selected       LED
	initialVoltage float64
	voltage        float64
	experiment     bool
	crossed        bool
	wasActive      bool
}

// NewModel validates the LED table and selects its first entry.
func NewModel(leds []LED, initialVoltage float64) (*Model, error) {
	if len(leds) == 0 {
		return nil, shared.NewDomainError("circuit", "NewModel", shared.ErrEmptyValue, "at least one LED is required")
	}
	seen := make(map[string]bool, len(leds))
	for _, l := range leds {
		if err := l.Validate(); err != nil {
			return nil, err
		}
		if seen[l.ID] {
			return nil, shared.NewDomainError("circuit", "NewModel", shared.ErrAlreadyExists, "duplicate LED "+l.ID)
		}
		seen[l.ID] = true
	}
	if initialVoltage < 0 {
		return nil, shared.NewDomainError("circuit", "NewModel", shared.ErrNegativeValue, "initial voltage cannot be negative")
	}
	m := &Model{
		leds:           append([]LED(nil), leds...),
		initialVoltage: initialVoltage,
	}
	m.reset(leds[0])
	return m, nil
}

// LEDs returns the selectable LEDs.
func (m *Model) LEDs() []LED {
	return append([]LED(nil), m.leds...)
}

// Lookup returns the LED with the given id.
func (m *Model) Lookup(id string) (LED, bool) {
	for _, l := range m.leds {
		if l.ID == id {
			return l, true
		}
	}
	return LED{}, false
}

// Select switches to another LED, re-arming the crossing and restoring the
// initial voltage. Selecting the current LED also re-arms.
func (m *Model) Select(id string) error {
	l, ok := m.Lookup(id)
	if !ok {
		return shared.WrapError("circuit", "Select", shared.ErrUnknownLED, id, nil)
	}
	m.reset(l)
	return nil
}

func (m *Model) reset(l LED) {
	m.selected = l
	m.voltage = m.initialVoltage
	m.crossed = false
	m.wasActive = m.Active()
}

// Disarm marks the selected LED's crossing as already taken, so no crossing
// is emitted until the next Select.
func (m *Model) Disarm() {
	m.crossed = true
}

// SetExperimentMode switches between experiment and free exploration.
func (m *Model) SetExperimentMode(on bool) {
	m.experiment = on
}

// SetVoltage applies v and reports the crossing if this change is the first
// transition into the active state in experiment mode.
func (m *Model) SetVoltage(v float64) (Crossing, bool) {
	if math.IsNaN(v) || v < 0 {
		v = 0
	}
	m.voltage = v
	active := m.Active()
	transition := active && !m.wasActive
	m.wasActive = active

	if !transition || !m.experiment || m.crossed {
		return Crossing{}, false
	}
	m.crossed = true
	return Crossing{LED: m.selected.ID, Voltage: v, Wavelength: m.selected.Wavelength}, true
}

// Active reports whether the LED emits at the current voltage.
func (m *Model) Active() bool {
	return m.voltage >= m.selected.Threshold
}

// Selected returns the current LED.
func (m *Model) Selected() LED { return m.selected }

// State returns a snapshot of the model.
func (m *Model) State() State {
	return State{
		LED:        m.selected,
		Voltage:    m.voltage,
		Active:     m.Active(),
		Experiment: m.experiment,
		Crossed:    m.crossed,
	}
}
