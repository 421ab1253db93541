package circuit

import "github.com/alem-hub/lab-engine/internal/domain/shared"

const (
	elementaryCharge = 1.602176634e-19 // C
	speedOfLight     = 299792458.0     // m/s
	// PlanckConstant is the CODATA value, for comparing estimates.
	PlanckConstant = 6.62607015e-34 // J·s
)

// EstimatePlanck averages h ≈ e·V·λ/c over the crossings. Crossings without
// a wavelength are skipped.
func EstimatePlanck(crossings []Crossing) (float64, error) {
	var sum float64
	n := 0
	for _, c := range crossings {
		if c.Wavelength <= 0 || c.Voltage <= 0 {
			continue
		}
		sum += elementaryCharge * c.Voltage * c.Wavelength * 1e-9 / speedOfLight
		n++
	}
	if n == 0 {
		return 0, shared.ErrNoCrossings
	}
	return sum / float64(n), nil
}
