package controller

import (
	"context"

	"github.com/alem-hub/lab-engine/internal/domain/circuit"
	"github.com/alem-hub/lab-engine/internal/domain/exercise"
	"github.com/alem-hub/lab-engine/internal/domain/section"
	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
	"github.com/alem-hub/lab-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// DECAY SIMULATION
// ══════════════════════════════════════════════════════════════════════════════

// SelectIsotope switches the isotope, discarding the recorded run and
// replacing the reference values.
func (c *Controller) SelectIsotope(ctx context.Context, id string) error {
	c.mu.Lock()
	if err := c.simulationLocked(exercise.SimulationDecay); err != nil {
		c.mu.Unlock()
		return err
	}
	exempt, skip, err := c.writableLocked()
	if err != nil || skip {
		c.mu.Unlock()
		return err
	}
	profile, ok := c.def.Isotope(id)
	if !ok {
		c.mu.Unlock()
		return shared.WrapError("controller", "SelectIsotope", shared.ErrUnknownIsotope, id, nil)
	}
	c.stopClockLocked()
	if err := c.run.Select(profile); err != nil {
		c.mu.Unlock()
		return err
	}
	now := c.clock.Now()
	c.sess.ResetRun(profile.Reference(), id, now)
	events := c.reassessLocked(now)
	events = append(events, shared.NewRunResetEvent(c.key.String(), string(exercise.SimulationDecay), id, now))
	patch := c.dataPatchLocked(section.SourceObservation, now)
	c.mu.Unlock()

	c.emit(events...)
	c.persist(ctx, patch, exempt)
	return nil
}

// StartClock starts the counting clock. One tick of the configured period
// is one simulated second.
func (c *Controller) StartClock() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.simulationLocked(exercise.SimulationDecay); err != nil {
		return err
	}
	if err := c.inProgressLocked(); err != nil {
		return err
	}
	if c.run.Running() {
		return nil
	}
	c.run.Start()
	c.ticker = c.clock.Every(c.opts.Tick, c.onTick)
	return nil
}

// StopClock halts the counting clock. Recorded data is kept.
func (c *Controller) StopClock() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.simulationLocked(exercise.SimulationDecay); err != nil {
		return err
	}
	c.stopClockLocked()
	return nil
}

// ResetRun discards the recorded measurements of the current isotope.
func (c *Controller) ResetRun(ctx context.Context) error {
	c.mu.Lock()
	if err := c.simulationLocked(exercise.SimulationDecay); err != nil {
		c.mu.Unlock()
		return err
	}
	id := c.run.Profile().ID
	c.mu.Unlock()
	return c.SelectIsotope(ctx, id)
}

func (c *Controller) onTick() {
	c.mu.Lock()
	if c.closed || c.run == nil || !c.run.Running() || c.sess.Submitted || c.submitting {
		c.mu.Unlock()
		return
	}
	m, ok := c.run.Tick()
	if !ok {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	if err := c.sess.AppendMeasurement(m, now); err != nil {
		c.mu.Unlock()
		c.log.Warn("measurement dropped", logger.Float64("time", m.Time), logger.Err(err))
		return
	}
	events := c.reassessLocked(now)
	events = append(events, shared.NewMeasurementRecordedEvent(c.key.String(), c.run.Profile().ID, m, now))
	patch := c.dataPatchLocked(section.SourceObservation, now)
	c.mu.Unlock()

	c.emit(events...)
	c.coord.ScheduleSave(patch)
}

func (c *Controller) stopClockLocked() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	if c.run != nil {
		c.run.Stop()
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// LED CIRCUIT
// ══════════════════════════════════════════════════════════════════════════════

// SelectLED switches the LED and re-arms its crossing. Crossings recorded
// for other LEDs are kept.
func (c *Controller) SelectLED(ctx context.Context, id string) error {
	c.mu.Lock()
	if err := c.simulationLocked(exercise.SimulationLED); err != nil {
		c.mu.Unlock()
		return err
	}
	exempt, skip, err := c.writableLocked()
	if err != nil || skip {
		c.mu.Unlock()
		return err
	}
	if err := c.led.Select(id); err != nil {
		c.mu.Unlock()
		return err
	}
	now := c.clock.Now()
	threshold := c.led.Selected().Threshold
	c.sess.ResetRun(map[string]*float64{circuit.RefThresholdVoltage: &threshold}, id, now)
	events := c.reassessLocked(now)
	events = append(events, shared.NewRunResetEvent(c.key.String(), string(exercise.SimulationLED), id, now))
	patch := c.dataPatchLocked(section.SourceObservation, now)
	c.mu.Unlock()

	c.emit(events...)
	c.persist(ctx, patch, exempt)
	return nil
}

// SetExperimentMode switches the circuit between exploration and experiment.
func (c *Controller) SetExperimentMode(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.simulationLocked(exercise.SimulationLED); err != nil {
		return err
	}
	c.led.SetExperimentMode(on)
	return nil
}

// SetVoltage applies a voltage to the circuit. The first crossing of the
// selected LED in experiment mode is recorded in the observation data.
func (c *Controller) SetVoltage(ctx context.Context, v float64) (circuit.State, error) {
	c.mu.Lock()
	if err := c.simulationLocked(exercise.SimulationLED); err != nil {
		c.mu.Unlock()
		return circuit.State{}, err
	}
	exempt, skip, err := c.writableLocked()
	if err != nil {
		c.mu.Unlock()
		return circuit.State{}, err
	}
	crossing, crossed := c.led.SetVoltage(v)
	state := c.led.State()
	if !crossed || skip {
		c.mu.Unlock()
		return state, nil
	}
	now := c.clock.Now()
	voltage := crossing.Voltage
	c.sess.UpdateData(section.SourceObservation,
		map[string]*float64{exercise.CrossingField(crossing.LED): &voltage}, nil, now)
	events := c.reassessLocked(now)
	events = append(events, shared.NewThresholdCrossedEvent(c.key.String(), crossing.LED, crossing.Voltage, now))
	patch := c.dataPatchLocked(section.SourceObservation, now)
	c.mu.Unlock()

	c.emit(events...)
	c.persist(ctx, patch, exempt)
	return state, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func (c *Controller) simulationLocked(want exercise.Simulation) error {
	if err := c.usableLocked(); err != nil {
		return err
	}
	if c.def.Simulation != want {
		return shared.WrapError("controller", "Simulate", shared.ErrSimulationNotAvailable, string(want), nil)
	}
	return nil
}

// restoreSimulationLocked brings the simulation in line with the session
// after a load or a remote update: the stored selection is re-applied,
// recorded measurements are resumed and an LED whose crossing is already
// recorded stays disarmed. A running decay clock is left alone.
func (c *Controller) restoreSimulationLocked() {
	selection := c.sess.Observation.Notes[session.NoteSelection]
	switch {
	case c.run != nil:
		if c.run.Running() {
			return
		}
		if profile, ok := c.def.Isotope(selection); ok && profile.ID != c.run.Profile().ID {
			_ = c.run.Select(profile)
		}
		c.run.Resume(c.sess.Observation.Measurements)
	case c.led != nil:
		if selection != "" && selection != c.led.Selected().ID {
			if err := c.led.Select(selection); err != nil {
				c.log.Warn("stored LED selection ignored", logger.String("led", selection))
			}
		}
		if c.sess.Observation.Fields[exercise.CrossingField(c.led.Selected().ID)] != nil {
			c.led.Disarm()
		}
	}
}

// crossingsLocked collects the recorded crossings of every known LED.
func (c *Controller) crossingsLocked() []circuit.Crossing {
	if c.led == nil {
		return nil
	}
	var out []circuit.Crossing
	for _, l := range c.led.LEDs() {
		v := c.sess.Observation.Fields[exercise.CrossingField(l.ID)]
		if v == nil {
			continue
		}
		out = append(out, circuit.Crossing{LED: l.ID, Voltage: *v, Wavelength: l.Wavelength})
	}
	return out
}

