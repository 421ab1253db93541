package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/lab-engine/internal/application/controller"
	"github.com/alem-hub/lab-engine/internal/application/labs"
	"github.com/alem-hub/lab-engine/internal/domain/exercise"
	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
	"github.com/alem-hub/lab-engine/pkg/timeutil"
)

type emptyStore struct{}

func (emptyStore) Load(context.Context, session.Key) (session.Document, error) {
	return session.Document{}, shared.ErrSessionNotFound
}

func (emptyStore) Save(context.Context, session.Key, session.Document, session.WriteOptions) error {
	return nil
}

func TestCloseIdleSessionsJob_EvictsAfterTTL(t *testing.T) {
	reg, err := exercise.Default()
	require.NoError(t, err)
	clock := timeutil.NewFake(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	m := labs.NewManager(labs.Config{
		Registry:   reg,
		Controller: controller.DefaultOptions(),
		Deps:       controller.Deps{Store: emptyStore{}, Clock: clock},
	})
	t.Cleanup(m.CloseAll)

	ctx := context.Background()
	for _, user := range []string{"u1", "u2"} {
		key, err := session.NewKey(user, "phys-101", "radioactive-decay")
		require.NoError(t, err)
		_, err = m.Open(ctx, key, controller.Actor{UserID: key.UserID})
		require.NoError(t, err)
	}

	job := NewCloseIdleSessionsJob(m, 10*time.Minute, 0, nil)
	assert.Nil(t, job.LastRunStats())

	clock.Advance(9 * time.Minute)
	require.NoError(t, job.Run(ctx))
	assert.Equal(t, 2, m.Len())
	require.NotNil(t, job.LastRunStats())
	assert.Zero(t, job.LastRunStats().Closed)
	assert.Equal(t, 2, job.LastRunStats().Remaining)

	clock.Advance(2 * time.Minute)
	require.NoError(t, job.Run(ctx))
	assert.Zero(t, m.Len())
	stats := job.LastRunStats()
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.Closed)
	assert.Zero(t, stats.Remaining)
}

type failingIdle struct{ live int }

func (f *failingIdle) CloseIdle(context.Context, time.Duration) (int, error) {
	return 1, errors.New("u9/phys-101/led-planck: store down")
}

func (f *failingIdle) Len() int { return f.live }

func TestCloseIdleSessionsJob_ReportsFlushFailures(t *testing.T) {
	job := NewCloseIdleSessionsJob(&failingIdle{live: 1}, time.Minute, time.Second, nil)

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")

	stats := job.LastRunStats()
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.Closed)
	assert.Equal(t, 1, stats.Remaining)
}
