package main

import (
	"fmt"
	"io"
	"math"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alem-hub/lab-engine/internal/domain/circuit"
	"github.com/alem-hub/lab-engine/internal/domain/exercise"
)

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Sweep the circuit voltage and estimate Planck's constant",
		Long: `Raises the voltage across each LED of an exercise in experiment mode,
records the first threshold crossing of every LED and estimates Planck's
constant from the crossings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			exerciseID, _ := cmd.Flags().GetString("exercise")
			leds, _ := cmd.Flags().GetStringSlice("led")
			from, _ := cmd.Flags().GetFloat64("from")
			to, _ := cmd.Flags().GetFloat64("to")
			step, _ := cmd.Flags().GetFloat64("step")

			def, err := lookupExercise(cmd, exerciseID)
			if err != nil {
				return err
			}
			result, err := runSweep(def, leds, from, to, step)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			return printSweep(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().String("exercise", "led-planck", "Exercise to take the LEDs from")
	cmd.Flags().StringSlice("led", nil, "LED ids to sweep (default: all)")
	cmd.Flags().Float64("from", 0, "Start voltage")
	cmd.Flags().Float64("to", 4, "End voltage")
	cmd.Flags().Float64("step", 0.05, "Voltage step")
	return cmd
}

type sweepResult struct {
	Crossings []circuit.Crossing `json:"crossings"`
	Missed    []string           `json:"missed,omitempty"`
	Planck    *float64           `json:"planck_estimate,omitempty"`
	ErrorPct  *float64           `json:"error_percent,omitempty"`
}

func runSweep(def exercise.Definition, ids []string, from, to, step float64) (sweepResult, error) {
	if def.Simulation != exercise.SimulationLED {
		return sweepResult{}, fmt.Errorf("exercise %s has no circuit simulation", def.ID)
	}
	if !(step > 0) || to < from {
		return sweepResult{}, fmt.Errorf("invalid sweep %.3g..%.3g step %.3g", from, to, step)
	}
	model, err := circuit.NewModel(def.LEDs, def.InitialVoltage)
	if err != nil {
		return sweepResult{}, err
	}
	if len(ids) == 0 {
		for _, l := range model.LEDs() {
			ids = append(ids, l.ID)
		}
	}

	var result sweepResult
	model.SetExperimentMode(true)
	for _, id := range ids {
		if err := model.Select(id); err != nil {
			return sweepResult{}, err
		}
		crossed := false
		steps := int(math.Floor((to-from)/step + 1e-9))
		for i := 0; i <= steps && !crossed; i++ {
			if c, ok := model.SetVoltage(from + float64(i)*step); ok {
				result.Crossings = append(result.Crossings, c)
				crossed = true
			}
		}
		if !crossed {
			result.Missed = append(result.Missed, id)
		}
	}

	if h, err := circuit.EstimatePlanck(result.Crossings); err == nil {
		pct := 100 * (h - circuit.PlanckConstant) / circuit.PlanckConstant
		result.Planck = &h
		result.ErrorPct = &pct
	}
	return result, nil
}

func printSweep(w io.Writer, r sweepResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LED\tVOLTAGE\tWAVELENGTH")
	for _, c := range r.Crossings {
		fmt.Fprintf(tw, "%s\t%.3f V\t%.0f nm\n", c.LED, c.Voltage, c.Wavelength)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, id := range r.Missed {
		fmt.Fprintf(w, "%s: no crossing in range\n", id)
	}
	if r.Planck != nil {
		fmt.Fprintf(w, "\nh ≈ %.4e J·s (%+.1f%% from %.4e)\n", *r.Planck, *r.ErrorPct, circuit.PlanckConstant)
	} else {
		fmt.Fprintln(w, "\nno usable crossings for a Planck estimate")
	}
	return nil
}
