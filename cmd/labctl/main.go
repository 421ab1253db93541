// Command labctl runs lab simulations offline and inspects stored sessions.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alem-hub/lab-engine/internal/domain/exercise"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "labctl",
		Short: "Lab engine toolbox",
		Long: `labctl runs the lab simulations without a server, validates exercise
registries and inspects sessions in a session store.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("registry", "", "Exercise registry YAML file (default: built-in exercises)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newExercisesCmd(),
		newDecayCmd(),
		newSweepCmd(),
		newSessionCmd(),
		newMigrateCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"version": version})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "labctl version %s\n", version)
			return nil
		},
	}
}

func newExercisesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exercises",
		Short: "Validate the exercise registry and list its exercises",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry(cmd)
			if err != nil {
				return err
			}
			defs := reg.Definitions()

			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), defs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSIMULATION\tSECTIONS\tREQUIRED\tTITLE")
			for _, d := range defs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
					d.ID, d.Simulation, len(d.Sections), d.Submit.Required(len(d.Sections)), d.Title)
			}
			return tw.Flush()
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func loadRegistry(cmd *cobra.Command) (*exercise.Registry, error) {
	path, _ := cmd.Flags().GetString("registry")
	if path == "" {
		return exercise.Default()
	}
	return exercise.LoadFile(path)
}

func lookupExercise(cmd *cobra.Command, id string) (exercise.Definition, error) {
	reg, err := loadRegistry(cmd)
	if err != nil {
		return exercise.Definition{}, err
	}
	return reg.Lookup(shared.ExerciseID(id))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
