package decay

import (
	"fmt"
	"math"

	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

// Fit is the result of a half-life regression.
type Fit struct {
	HalfLife        float64 `json:"half_life"`
	InitialActivity float64 `json:"initial_activity"`
	Points          int     `json:"points"`
}

// FitHalfLife estimates the half-life by a least-squares fit of ln(measured −
// background) against time. Points whose net value is not positive are
// skipped.
func FitHalfLife(ms []shared.Measurement, background float64) (Fit, error) {
	var n, sx, sy, sxx, sxy float64
	for _, m := range ms {
		net := m.Measured - background
		if !(net > 0) || !m.IsValid() {
			continue
		}
		y := math.Log(net)
		n++
		sx += m.Time
		sy += y
		sxx += m.Time * m.Time
		sxy += m.Time * y
	}
	if n < 2 {
		return Fit{}, shared.ErrInsufficientData
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return Fit{}, shared.WrapError("decay", "FitHalfLife", shared.ErrInsufficientData,
			"measurements share one timestamp", nil)
	}
	slope := (n*sxy - sx*sy) / den
	if slope >= 0 {
		return Fit{}, shared.WrapError("decay", "FitHalfLife", shared.ErrInvalidInput,
			"counts do not decrease", fmt.Errorf("slope %.4g", slope))
	}
	intercept := (sy - slope*sx) / n
	return Fit{
		HalfLife:        -math.Ln2 / slope,
		InitialActivity: math.Exp(intercept),
		Points:          int(n),
	}, nil
}
