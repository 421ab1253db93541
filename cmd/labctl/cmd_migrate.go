package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alem-hub/lab-engine/internal/infrastructure/persistence/postgres"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres session store schema",
		Long: `Applies, rolls back or lists the schema migrations of the Postgres
session store. The SQLite store creates its schema on open.`,
	}
	cmd.PersistentFlags().String("database-url", "", "Postgres connection string (default: $DATABASE_URL)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: withMigrator(func(ctx context.Context, cmd *cobra.Command, m *postgres.Migrator) error {
				n, err := m.Migrate(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			RunE: withMigrator(func(ctx context.Context, cmd *cobra.Command, m *postgres.Migrator) error {
				if err := m.Rollback(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rolled back 1 migration")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: withMigrator(func(ctx context.Context, cmd *cobra.Command, m *postgres.Migrator) error {
				migrations, err := m.Status(ctx)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return writeJSON(cmd.OutOrStdout(), migrations)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED")
				for _, mig := range migrations {
					applied := "-"
					if mig.IsApplied {
						applied = mig.AppliedAt.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(tw, "%03d\t%s\t%s\n", mig.Version, mig.Name, applied)
				}
				return tw.Flush()
			}),
		},
	)
	return cmd
}

func withMigrator(fn func(ctx context.Context, cmd *cobra.Command, m *postgres.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("database-url")
		if url == "" {
			url = os.Getenv("DATABASE_URL")
		}
		if url == "" {
			return fmt.Errorf("--database-url or DATABASE_URL is required")
		}

		ctx := cmd.Context()
		conn, err := postgres.NewConnection(ctx, postgres.DefaultConfig(url))
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer conn.Close()

		return fn(ctx, cmd, postgres.NewMigrator(conn))
	}
}
