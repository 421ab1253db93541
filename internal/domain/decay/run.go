package decay

import (
	"math"

	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

// DefaultStride is the number of ticks between recorded measurements.
const DefaultStride = 5

// Status is a read-only view of a run.
type Status struct {
	Isotope      IsotopeProfile       `json:"isotope"`
	Elapsed      int                  `json:"elapsed"`
	Running      bool                 `json:"running"`
	TotalCounts  int64                `json:"total_counts"`
	LastCount    int                  `json:"last_count"`
	ExpectedRate float64              `json:"expected_rate"`
	Measurements []shared.Measurement `json:"measurements"`
}

// Run is one counting experiment. One tick is one simulated second. Run is
// not safe for concurrent use; the owning controller serializes access.
type Run struct {
	sim     *Simulator
	sampler Sampler
	stride  int

	elapsed      int
	running      bool
	totalCounts  int64
	lastCount    int
	measurements []shared.Measurement
}

// NewRun creates a stopped run. A stride below one uses DefaultStride.
func NewRun(profile IsotopeProfile, sampler Sampler, stride int) (*Run, error) {
	sim, err := NewSimulator(profile)
	if err != nil {
		return nil, err
	}
	if sampler == nil {
		sampler = NewGaussianSampler(nil)
	}
	if stride < 1 {
		stride = DefaultStride
	}
	return &Run{sim: sim, sampler: sampler, stride: stride}, nil
}

// Start resumes the clock.
func (r *Run) Start() { r.running = true }

// Stop halts the clock. Recorded data is kept.
func (r *Run) Stop() { r.running = false }

// Running reports whether the clock is running.
func (r *Run) Running() bool { return r.running }

// Profile returns the selected isotope.
func (r *Run) Profile() IsotopeProfile { return r.sim.Profile() }

// Tick advances a running clock by one second and samples that second's
// count. On every stride-th second the returned measurement is recorded and
// ok is true. A stopped run ignores the tick.
func (r *Run) Tick() (m shared.Measurement, ok bool) {
	if !r.running {
		return shared.Measurement{}, false
	}
	r.elapsed++
	count := r.sampler.Sample(r.sim.Activity(float64(r.elapsed)))
	r.lastCount = count
	r.totalCounts += int64(count)

	if r.elapsed%r.stride != 0 {
		return shared.Measurement{}, false
	}
	m = shared.NewMeasurement(float64(r.elapsed), float64(count), r.sim.Profile().Background)
	r.measurements = append(r.measurements, m)
	return m, true
}

// Select switches the isotope. The clock halts, measurements are discarded
// and elapsed time returns to zero.
func (r *Run) Select(profile IsotopeProfile) error {
	sim, err := NewSimulator(profile)
	if err != nil {
		return err
	}
	r.sim = sim
	r.reset()
	return nil
}

// Reset clears the run without changing the isotope.
func (r *Run) Reset() { r.reset() }

func (r *Run) reset() {
	r.running = false
	r.elapsed = 0
	r.totalCounts = 0
	r.lastCount = 0
	r.measurements = nil
}

// Resume restores previously recorded measurements, for example after a
// session reload, and moves the clock past the last one so that new
// measurements keep strictly increasing times. Measurements out of order
// are dropped from the first violation on.
func (r *Run) Resume(ms []shared.Measurement) {
	r.reset()
	for _, m := range ms {
		if len(r.measurements) > 0 && m.Time <= r.measurements[len(r.measurements)-1].Time {
			break
		}
		if !m.IsValid() {
			break
		}
		r.measurements = append(r.measurements, m)
		r.totalCounts += int64(m.Measured)
	}
	if n := len(r.measurements); n > 0 {
		r.elapsed = int(math.Ceil(r.measurements[n-1].Time))
	}
}

// Measurements returns a copy of the recorded measurements.
func (r *Run) Measurements() []shared.Measurement {
	out := make([]shared.Measurement, len(r.measurements))
	copy(out, r.measurements)
	return out
}

// Status returns a snapshot of the run.
func (r *Run) Status() Status {
	return Status{
		Isotope:      r.sim.Profile(),
		Elapsed:      r.elapsed,
		Running:      r.running,
		TotalCounts:  r.totalCounts,
		LastCount:    r.lastCount,
		ExpectedRate: r.sim.Activity(float64(r.elapsed)),
		Measurements: r.Measurements(),
	}
}
