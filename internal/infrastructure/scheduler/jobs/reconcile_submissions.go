// Package jobs contains the scheduled maintenance jobs of the lab engine.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alem-hub/lab-engine/internal/application/controller"
	"github.com/alem-hub/lab-engine/internal/application/labs"
	"github.com/alem-hub/lab-engine/internal/domain/session"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILE SUBMISSIONS JOB
// ══════════════════════════════════════════════════════════════════════════════

// Refresher is a live session that can re-read its assessment record.
type Refresher interface {
	Key() session.Key
	RefreshRecord(ctx context.Context) (bool, error)
}

// SessionLister returns the live sessions to reconcile.
type SessionLister func() []Refresher

// ManagerSessions lists the sessions open in m.
func ManagerSessions(m *labs.Manager) SessionLister {
	return func() []Refresher {
		var out []Refresher
		m.Each(func(c *controller.Controller) {
			out = append(out, c)
		})
		return out
	}
}

// ReconcileSubmissionsJob locks open sessions whose submission was recorded
// by the course system behind the engine's back, e.g. through another
// instance or a staff override.
type ReconcileSubmissionsJob struct {
	sessions SessionLister
	timeout  time.Duration
	logger   *slog.Logger

	lastRunStats atomic.Pointer[ReconcileStats]
}

// ReconcileStats summarizes one run.
type ReconcileStats struct {
	Checked   int           `json:"checked"`
	Submitted int           `json:"submitted"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// NewReconcileSubmissionsJob creates the job. A non-positive timeout
// defaults to 30 seconds.
func NewReconcileSubmissionsJob(sessions SessionLister, timeout time.Duration, logger *slog.Logger) *ReconcileSubmissionsJob {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileSubmissionsJob{
		sessions: sessions,
		timeout:  timeout,
		logger:   logger.With("job", "reconcile_submissions"),
	}
}

// Name returns the job name.
func (j *ReconcileSubmissionsJob) Name() string { return "reconcile_submissions" }

// Description returns a human-readable description of the job.
func (j *ReconcileSubmissionsJob) Description() string {
	return "Locks open lab sessions that the course system already records as submitted"
}

// Run checks every open session. Failures on one session do not stop the
// others; they are joined into the returned error.
func (j *ReconcileSubmissionsJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	stats := &ReconcileStats{}
	var errs []error

	for _, s := range j.sessions() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		stats.Checked++
		submitted, err := s.RefreshRecord(ctx)
		if err != nil {
			stats.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", s.Key(), err))
			continue
		}
		if submitted {
			stats.Submitted++
		}
	}
	stats.Duration = time.Since(start)
	j.lastRunStats.Store(stats)

	j.logger.Info("reconciled sessions",
		"checked", stats.Checked,
		"submitted", stats.Submitted,
		"failed", stats.Failed,
		"duration", stats.Duration.String(),
	)
	return errors.Join(errs...)
}

// LastRunStats returns the stats of the latest run, nil before the first.
func (j *ReconcileSubmissionsJob) LastRunStats() *ReconcileStats {
	return j.lastRunStats.Load()
}
