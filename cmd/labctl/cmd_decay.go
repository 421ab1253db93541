package main

import (
	"fmt"
	"io"
	"math/rand/v2"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alem-hub/lab-engine/internal/domain/decay"
	"github.com/alem-hub/lab-engine/internal/domain/exercise"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

func newDecayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decay",
		Short: "Run a counting experiment and fit the half-life",
		Long: `Runs the decay simulation of an exercise for the given number of simulated
seconds, prints the recorded measurements and the half-life fitted from them.

Use --seed for a reproducible run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			exerciseID, _ := cmd.Flags().GetString("exercise")
			isotopeID, _ := cmd.Flags().GetString("isotope")
			seconds, _ := cmd.Flags().GetInt("seconds")
			seed, _ := cmd.Flags().GetUint64("seed")
			exact, _ := cmd.Flags().GetBool("exact")

			def, err := lookupExercise(cmd, exerciseID)
			if err != nil {
				return err
			}
			profile, err := pickIsotope(def, isotopeID)
			if err != nil {
				return err
			}

			result, err := runDecay(profile, def.Stride(), seconds, exact, seed)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			return printDecay(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().String("exercise", "radioactive-decay", "Exercise to take the isotopes from")
	cmd.Flags().String("isotope", "", "Isotope id (default: the exercise's default isotope)")
	cmd.Flags().Int("seconds", 120, "Simulated seconds to run")
	cmd.Flags().Uint64("seed", 1, "Random seed")
	cmd.Flags().Bool("exact", false, "Sample exact Poisson counts instead of the Gaussian approximation")
	return cmd
}

type decayResult struct {
	Isotope      decay.IsotopeProfile `json:"isotope"`
	Seconds      int                  `json:"seconds"`
	TotalCounts  int64                `json:"total_counts"`
	Measurements []shared.Measurement `json:"measurements"`
	Fit          *decay.Fit           `json:"fit,omitempty"`
	FitError     string               `json:"fit_error,omitempty"`
}

func pickIsotope(def exercise.Definition, id string) (decay.IsotopeProfile, error) {
	if def.Simulation != exercise.SimulationDecay {
		return decay.IsotopeProfile{}, fmt.Errorf("exercise %s has no decay simulation", def.ID)
	}
	if id == "" {
		if p, ok := def.DefaultProfile(); ok {
			return p, nil
		}
	}
	if p, ok := def.Isotope(id); ok {
		return p, nil
	}
	return decay.IsotopeProfile{}, shared.WrapError("labctl", "decay", shared.ErrUnknownIsotope, id, nil)
}

func runDecay(profile decay.IsotopeProfile, stride, seconds int, exact bool, seed uint64) (decayResult, error) {
	if seconds < 1 {
		return decayResult{}, fmt.Errorf("--seconds must be positive")
	}
	sampler := decay.NewSampler(exact, rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	run, err := decay.NewRun(profile, sampler, stride)
	if err != nil {
		return decayResult{}, err
	}

	run.Start()
	for i := 0; i < seconds; i++ {
		run.Tick()
	}
	run.Stop()

	status := run.Status()
	result := decayResult{
		Isotope:      profile,
		Seconds:      status.Elapsed,
		TotalCounts:  status.TotalCounts,
		Measurements: status.Measurements,
	}
	fit, err := decay.FitHalfLife(status.Measurements, profile.Background)
	if err != nil {
		result.FitError = err.Error()
	} else {
		result.Fit = &fit
	}
	return result, nil
}

func printDecay(w io.Writer, r decayResult) error {
	fmt.Fprintf(w, "%s (%s): half-life %.1fs, background %.2f/s\n\n",
		r.Isotope.Name, r.Isotope.ID, r.Isotope.HalfLife, r.Isotope.Background)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "T (s)\tMEASURED\tNET\t")
	for _, m := range r.Measurements {
		fmt.Fprintf(tw, "%.0f\t%.0f\t%.1f\t\n", m.Time, m.Measured, m.Net)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\ntotal counts: %d over %ds\n", r.TotalCounts, r.Seconds)
	if r.Fit != nil {
		fmt.Fprintf(w, "fitted half-life: %.2fs from %d points (reference %.2fs)\n",
			r.Fit.HalfLife, r.Fit.Points, r.Isotope.HalfLife)
	} else {
		fmt.Fprintf(w, "no fit: %s\n", r.FitError)
	}
	return nil
}
