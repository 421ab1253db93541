package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alem-hub/lab-engine/internal/domain/exercise"
	"github.com/alem-hub/lab-engine/internal/domain/section"
	"github.com/alem-hub/lab-engine/internal/domain/session"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect stored lab sessions",
	}
	cmd.AddCommand(newSessionListCmd(), newSessionShowCmd())
	return cmd
}

func newSessionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			exerciseID, _ := cmd.Flags().GetString("exercise")
			ctx := cmd.Context()
			store, closeStore, err := openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			keys, err := store.List(ctx, exerciseID)
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

			if jsonOutput(cmd) {
				out := make([]string, len(keys))
				for i, k := range keys {
					out[i] = k.String()
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k.String())
			}
			return nil
		},
	}
	cmd.Flags().String("exercise", "", "Only sessions of this exercise")
	addStoreFlags(cmd)
	return cmd
}

func newSessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show USER/COURSE/EXERCISE",
		Short: "Show a stored session document and its derived state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := session.ParseKey(args[0])
			if err != nil {
				return err
			}
			def, err := lookupExercise(cmd, string(key.ExerciseID))
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, closeStore, err := openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			report, err := inspectSession(ctx, store, key, def)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return printSession(cmd.OutOrStdout(), report)
		},
	}
	addStoreFlags(cmd)
	return cmd
}

type sessionReport struct {
	Key       string                         `json:"key"`
	State     session.State                  `json:"state"`
	Completed int                            `json:"completed"`
	Statuses  map[section.Key]section.Status `json:"statuses"`
	Record    session.AssessmentRecord       `json:"assessment_record"`
	Document  session.Document               `json:"document"`
}

func inspectSession(ctx context.Context, store sessionStore, key session.Key, def exercise.Definition) (sessionReport, error) {
	doc, err := store.Load(ctx, key)
	if err != nil {
		return sessionReport{}, fmt.Errorf("loading %s: %w", key, err)
	}
	record, err := store.Record(ctx, key)
	if err != nil {
		return sessionReport{}, fmt.Errorf("reading assessment record: %w", err)
	}

	s := session.New(key, def)
	s.Merge(doc, def.Sections)
	return sessionReport{
		Key:       key.String(),
		State:     s.State(),
		Completed: s.CompletedCount(),
		Statuses:  s.Statuses(),
		Record:    record,
		Document:  doc,
	}, nil
}

func printSession(w io.Writer, r sessionReport) error {
	fmt.Fprintf(w, "session:   %s\nstate:     %s\ncompleted: %d\n", r.Key, r.State, r.Completed)
	if r.Record.Submitted {
		at := "unknown time"
		if r.Record.SubmittedAt != nil {
			at = r.Record.SubmittedAt.Format("2006-01-02 15:04:05 MST")
		}
		fmt.Fprintf(w, "graded:    submitted at %s\n", at)
	}
	fmt.Fprintln(w)

	keys := make([]string, 0, len(r.Statuses))
	for k := range r.Statuses {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SECTION\tSTATUS")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\n", k, r.Statuses[section.Key(k)])
	}
	return tw.Flush()
}
