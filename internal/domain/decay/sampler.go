package decay

import (
	"math"
	"math/rand/v2"
)

// Sampler turns an expected per-second rate into an integer count.
type Sampler interface {
	Sample(rate float64) int
}

// GaussianSampler approximates a Poisson draw with a normal distribution of
// equal mean and variance: round(λ + √λ·z), clamped at zero. The
// approximation is poor for small λ, where the clamp biases the mean upward.
type GaussianSampler struct {
	rng *rand.Rand
}

// NewGaussianSampler returns a sampler drawing from src. A nil src uses the
// process-wide generator.
func NewGaussianSampler(src rand.Source) *GaussianSampler {
	s := &GaussianSampler{}
	if src != nil {
		s.rng = rand.New(src)
	}
	return s
}

// Sample implements Sampler.
func (s *GaussianSampler) Sample(rate float64) int {
	if !(rate > 0) {
		return 0
	}
	v := math.Round(rate + math.Sqrt(rate)*s.norm())
	if v < 0 {
		return 0
	}
	return int(v)
}

func (s *GaussianSampler) norm() float64 {
	if s.rng != nil {
		return s.rng.NormFloat64()
	}
	return rand.NormFloat64()
}

// poissonChunk bounds the mean handled by one multiplication loop so e^-λ
// stays well inside float64 range.
const poissonChunk = 500

// PoissonSampler draws exact Poisson counts using Knuth's multiplication
// method. Large rates are split into chunks of at most poissonChunk whose
// draws are summed, which is exact because Poisson variables are additive.
type PoissonSampler struct {
	rng *rand.Rand
}

// NewPoissonSampler returns an exact sampler drawing from src. A nil src uses
// the process-wide generator.
func NewPoissonSampler(src rand.Source) *PoissonSampler {
	s := &PoissonSampler{}
	if src != nil {
		s.rng = rand.New(src)
	}
	return s
}

// Sample implements Sampler.
func (s *PoissonSampler) Sample(rate float64) int {
	if !(rate > 0) || math.IsInf(rate, 0) {
		return 0
	}
	total := 0
	for remaining := rate; remaining > 0; remaining -= poissonChunk {
		total += s.knuth(math.Min(remaining, poissonChunk))
	}
	return total
}

func (s *PoissonSampler) knuth(lambda float64) int {
	limit := math.Exp(-lambda)
	k := 0
	for p := s.uniform(); p > limit; p *= s.uniform() {
		k++
	}
	return k
}

func (s *PoissonSampler) uniform() float64 {
	if s.rng != nil {
		return s.rng.Float64()
	}
	return rand.Float64()
}

// NewSampler picks the exact sampler when exact is set, the Gaussian
// approximation otherwise.
func NewSampler(exact bool, src rand.Source) Sampler {
	if exact {
		return NewPoissonSampler(src)
	}
	return NewGaussianSampler(src)
}
