package jobs

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// CLOSE IDLE SESSIONS JOB
// ══════════════════════════════════════════════════════════════════════════════

// IdleSessions is the set of live sessions the job evicts from.
type IdleSessions interface {
	CloseIdle(ctx context.Context, ttl time.Duration) (int, error)
	Len() int
}

// CloseIdleSessionsJob closes live sessions nobody has used for a while, so
// abandoned browser tabs do not keep controllers, timers and feed
// subscriptions alive forever.
type CloseIdleSessionsJob struct {
	sessions IdleSessions
	ttl      time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	lastRunStats atomic.Pointer[CloseIdleStats]
}

// CloseIdleStats summarizes one run.
type CloseIdleStats struct {
	Closed    int           `json:"closed"`
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"duration"`
}

// NewCloseIdleSessionsJob creates the job. A non-positive ttl defaults to
// 30 minutes and a non-positive timeout to 30 seconds.
func NewCloseIdleSessionsJob(sessions IdleSessions, ttl, timeout time.Duration, logger *slog.Logger) *CloseIdleSessionsJob {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloseIdleSessionsJob{
		sessions: sessions,
		ttl:      ttl,
		timeout:  timeout,
		logger:   logger.With("job", "close_idle_sessions"),
	}
}

// Name returns the job name.
func (j *CloseIdleSessionsJob) Name() string { return "close_idle_sessions" }

// Description returns a human-readable description of the job.
func (j *CloseIdleSessionsJob) Description() string {
	return "Closes live lab sessions untouched for longer than the idle TTL"
}

// Run evicts the idle sessions. Sessions that could not be flushed stay
// open and are reported in the returned error.
func (j *CloseIdleSessionsJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	closed, err := j.sessions.CloseIdle(ctx, j.ttl)
	stats := &CloseIdleStats{
		Closed:    closed,
		Remaining: j.sessions.Len(),
		Duration:  time.Since(start),
	}
	j.lastRunStats.Store(stats)

	if closed > 0 || err != nil {
		j.logger.Info("closed idle sessions",
			"closed", stats.Closed,
			"remaining", stats.Remaining,
			"ttl", j.ttl.String(),
		)
	}
	return err
}

// LastRunStats returns the stats of the latest run, nil before the first.
func (j *CloseIdleSessionsJob) LastRunStats() *CloseIdleStats {
	return j.lastRunStats.Load()
}
