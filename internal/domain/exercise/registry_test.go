package exercise

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/lab-engine/internal/domain/decay"
	"github.com/alem-hub/lab-engine/internal/domain/section"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

func TestDefaultRegistry(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, []shared.ExerciseID{"led-planck", "radioactive-decay"}, reg.IDs())

	def, err := reg.Lookup("radioactive-decay")
	require.NoError(t, err)
	assert.Equal(t, SimulationDecay, def.Simulation)
	assert.Equal(t, section.Key("safety"), def.FirstSection())
	assert.Equal(t, 4, def.Submit.Required(len(def.Sections)))
	assert.Equal(t, 5, def.Stride())

	p, ok := def.DefaultProfile()
	require.True(t, ok)
	assert.Equal(t, 30.0, p.HalfLife)

	ref := def.ObservationReference()
	require.NotNil(t, ref[decay.RefBackground])
	assert.Equal(t, 25.0, *ref[decay.RefBackground])

	led, err := reg.Lookup("led-planck")
	require.NoError(t, err)
	assert.Len(t, led.LEDs, 3)
	assert.Equal(t, 3, led.Submit.Required(len(led.Sections)))
	assert.Equal(t, 1.8, *led.ObservationReference()["threshold_voltage"])
	assert.Equal(t, "crossing_red", CrossingField("red"))

	_, err = reg.Lookup("missing")
	assert.ErrorIs(t, err, shared.ErrExerciseNotFound)
	assert.True(t, shared.IsNotFound(err))
}

func TestSubmitPolicy_Required(t *testing.T) {
	assert.Equal(t, 4, SubmitPolicy{}.Required(4))
	assert.Equal(t, 3, SubmitPolicy{MinCompleted: 3}.Required(4))
	assert.Equal(t, 4, SubmitPolicy{MinFraction: 0.8}.Required(5))
	assert.Equal(t, 4, SubmitPolicy{MinFraction: 0.8}.Required(4))
	assert.Equal(t, 4, SubmitPolicy{MinCompleted: 2, MinFraction: 0.75}.Required(5))
	assert.True(t, SubmitPolicy{MinCompleted: 3}.Allows(3, 4))
	assert.False(t, SubmitPolicy{MinCompleted: 3}.Allows(2, 4))
}

func TestLoadYAML_Validation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", `
exercises:
  - id: a
    colour: red
    sections: [{key: s, kind: acknowledgment}]
`},
		{"no sections", `
exercises:
  - id: a
    sections: []
`},
		{"duplicate section keys", `
exercises:
  - id: a
    sections: [{key: s, kind: acknowledgment}, {key: s, kind: text}]
`},
		{"unknown default isotope", `
exercises:
  - id: a
    simulation: decay
    default_isotope: nope
    isotopes: [{id: x, half_life: 10, initial_activity: 5, background: 0}]
    sections: [{key: s, kind: acknowledgment}]
`},
		{"invalid isotope", `
exercises:
  - id: a
    simulation: decay
    isotopes: [{id: x, half_life: 0, initial_activity: 5, background: 0}]
    sections: [{key: s, kind: acknowledgment}]
`},
		{"led without table", `
exercises:
  - id: a
    simulation: led
    sections: [{key: s, kind: acknowledgment}]
`},
		{"duplicate exercise", `
exercises:
  - id: a
    sections: [{key: s, kind: acknowledgment}]
  - id: a
    sections: [{key: s, kind: acknowledgment}]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadYAML(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadYAML_Minimal(t *testing.T) {
	reg, err := LoadYAML(strings.NewReader(`
exercises:
  - id: reading
    title: Reading response
    sections:
      - {key: summary, kind: text, min_length: 20}
`))
	require.NoError(t, err)
	def, err := reg.Lookup("reading")
	require.NoError(t, err)
	assert.Equal(t, 1, def.Submit.Required(1))
	assert.Empty(t, def.ObservationReference())

	_, ok := def.Rule("summary")
	assert.True(t, ok)
	_, ok = def.Rule("other")
	assert.False(t, ok)
}
