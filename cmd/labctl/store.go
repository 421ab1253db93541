package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/lab-engine/internal/infrastructure/persistence/sqlite"
)

// sessionStore is the read side labctl needs from a store.
type sessionStore interface {
	session.Store
	session.Lister
	session.AssessmentReader
}

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("sqlite", "labs.db", "SQLite session store path")
	cmd.Flags().String("database-url", "", "Postgres connection string (takes precedence over --sqlite)")
}

// openStore opens the store named by the flags. The returned func closes it.
func openStore(ctx context.Context, cmd *cobra.Command) (sessionStore, func(), error) {
	if url, _ := cmd.Flags().GetString("database-url"); url != "" {
		conn, err := postgres.NewConnection(ctx, postgres.DefaultConfig(url))
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		return pgStore{
			SessionRepository:    postgres.NewSessionRepository(conn),
			AssessmentRepository: postgres.NewAssessmentRepository(conn),
		}, conn.Close, nil
	}

	path, _ := cmd.Flags().GetString("sqlite")
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

type pgStore struct {
	*postgres.SessionRepository
	*postgres.AssessmentRepository
}
