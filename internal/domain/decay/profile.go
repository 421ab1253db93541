// Package decay simulates a radioactive sample observed through a counter.
//
// The expected activity follows the exponential decay law plus a constant
// background. Counts are drawn per simulated second from a Sampler and every
// stride-th second a Measurement is recorded.
package decay

import (
	"fmt"
	"math"

	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

// Reference field names seeded into the observation data of a decay lab.
const (
	RefHalfLife        = "half_life"
	RefInitialActivity = "initial_activity"
	RefBackground      = "background"
)

// IsotopeProfile is immutable reference data for one isotope.
type IsotopeProfile struct {
	ID              string  `yaml:"id" json:"id"`
	Name            string  `yaml:"name" json:"name"`
	HalfLife        float64 `yaml:"half_life" json:"half_life"`               // seconds
	InitialActivity float64 `yaml:"initial_activity" json:"initial_activity"` // counts per second at t=0
	Background      float64 `yaml:"background" json:"background"`             // counts per second
}

// Validate fails on parameters the decay law cannot represent.
func (p IsotopeProfile) Validate() error {
	switch {
	case p.ID == "":
		return shared.NewDomainError("decay", "Validate", shared.ErrEmptyValue, "isotope id is required")
	case !(p.HalfLife > 0) || math.IsInf(p.HalfLife, 0):
		return shared.WrapError("decay", "Validate", shared.ErrInvalidHalfLife, p.ID,
			fmt.Errorf("half-life %v", p.HalfLife))
	case p.InitialActivity < 0 || math.IsNaN(p.InitialActivity):
		return shared.WrapError("decay", "Validate", shared.ErrNegativeActivity, p.ID,
			fmt.Errorf("initial activity %v", p.InitialActivity))
	case p.Background < 0 || math.IsNaN(p.Background):
		return shared.WrapError("decay", "Validate", shared.ErrNegativeBackground, p.ID,
			fmt.Errorf("background %v", p.Background))
	}
	return nil
}

// Reference returns the static parameters as observation reference fields.
func (p IsotopeProfile) Reference() map[string]*float64 {
	return map[string]*float64{
		RefHalfLife:        shared.Float(p.HalfLife),
		RefInitialActivity: shared.Float(p.InitialActivity),
		RefBackground:      shared.Float(p.Background),
	}
}

// DecayConstant returns ln2 / half-life.
func (p IsotopeProfile) DecayConstant() float64 {
	return math.Ln2 / p.HalfLife
}
