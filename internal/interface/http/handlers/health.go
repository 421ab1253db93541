// Package handlers holds the HTTP building blocks shared by the lab API:
// health checks, identity and generic middleware.
package handlers

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH CHECKS
// ══════════════════════════════════════════════════════════════════════════════

// HealthChecker reports the health of the engine's dependencies.
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

// CheckFunc tests one dependency and returns why it is unusable.
type CheckFunc func(ctx context.Context) error

// Severity decides what a failing check does to the overall status.
type Severity int

const (
	// Critical checks guard saving. A failure makes the engine unhealthy
	// and takes it out of rotation.
	Critical Severity = iota

	// Degraded checks guard optional features such as live updates or
	// remote grading. A failure is reported while sessions keep working.
	Degraded
)

// HealthStatus is the aggregated result of every check.
type HealthStatus struct {
	Healthy   bool                   `json:"healthy"`
	Ready     bool                   `json:"ready"`
	Degraded  []string               `json:"degraded,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Uptime    string                 `json:"uptime,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

type namedCheck struct {
	fn       CheckFunc
	severity Severity
}

// Checks runs the registered dependency checks concurrently, each under its
// own timeout.
type Checks struct {
	mu      sync.RWMutex
	checks  map[string]namedCheck
	started time.Time
	version string
	timeout time.Duration
}

// NewChecks creates an empty set. A non-positive timeout defaults to five
// seconds per check.
func NewChecks(version string, timeout time.Duration) *Checks {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checks{
		checks:  make(map[string]namedCheck),
		started: time.Now(),
		version: version,
		timeout: timeout,
	}
}

// Add registers a check under name, replacing any earlier one.
func (c *Checks) Add(name string, severity Severity, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = namedCheck{fn: fn, severity: severity}
}

// Check runs every check. Only critical failures make the status unhealthy.
func (c *Checks) Check(ctx context.Context) HealthStatus {
	c.mu.RLock()
	checks := make(map[string]namedCheck, len(c.checks))
	for name, nc := range c.checks {
		checks[name] = nc
	}
	c.mu.RUnlock()

	status := HealthStatus{
		Healthy:   true,
		Ready:     true,
		Checks:    make(map[string]CheckResult, len(checks)),
		Uptime:    time.Since(c.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Version:   c.version,
	}

	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for name, nc := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.run(ctx, nc)
			rmu.Lock()
			status.Checks[name] = res
			rmu.Unlock()
		}()
	}
	wg.Wait()

	var failed []string
	for name, res := range status.Checks {
		switch {
		case res.Healthy:
		case res.Critical:
			failed = append(failed, name)
		default:
			status.Degraded = append(status.Degraded, name)
		}
	}
	sort.Strings(failed)
	sort.Strings(status.Degraded)

	switch {
	case len(failed) > 0:
		status.Healthy = false
		status.Ready = false
		status.Message = "unavailable: " + strings.Join(failed, ", ")
	case len(status.Degraded) > 0:
		status.Message = "degraded: " + strings.Join(status.Degraded, ", ")
	default:
		status.Message = "OK"
	}
	return status
}

func (c *Checks) run(ctx context.Context, nc namedCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := nc.fn(ctx)
	res := CheckResult{
		Healthy:  err == nil,
		Critical: nc.severity == Critical,
		Message:  "OK",
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

// ══════════════════════════════════════════════════════════════════════════════
// CHECK CONSTRUCTORS
// ══════════════════════════════════════════════════════════════════════════════

// Pinger is anything with a connectivity check: database pools, the cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingCheck checks a Pinger.
func NewPingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// NewSessionStoreCheck loads a session nobody writes, so the whole read
// path of the store, cache layer included, is exercised. Not found is the
// healthy answer.
func NewSessionStoreCheck(store session.Store) CheckFunc {
	key := session.Key{UserID: "healthcheck", CourseID: "healthcheck", ExerciseID: "healthcheck"}
	return func(ctx context.Context) error {
		_, err := store.Load(ctx, key)
		if err == nil || shared.IsNotFound(err) {
			return nil
		}
		return err
	}
}
