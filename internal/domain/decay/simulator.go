package decay

import "math"

// Simulator maps elapsed time to the expected activity of one isotope.
type Simulator struct {
	profile IsotopeProfile
	lambda  float64
}

// NewSimulator validates the profile and returns a simulator for it.
func NewSimulator(profile IsotopeProfile) (*Simulator, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &Simulator{profile: profile, lambda: profile.DecayConstant()}, nil
}

// Profile returns the isotope being simulated.
func (s *Simulator) Profile() IsotopeProfile {
	return s.profile
}

// Activity returns max(0, A0·e^(−ln2·t/halfLife)) + background for t seconds.
// Negative t is treated as zero.
func (s *Simulator) Activity(t float64) float64 {
	if t < 0 {
		t = 0
	}
	sample := s.profile.InitialActivity * math.Exp(-s.lambda*t)
	return math.Max(0, sample) + s.profile.Background
}
