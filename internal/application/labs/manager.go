// Package labs keeps the live lab sessions of a process. Each open session
// is one controller; the manager creates them on demand, wires the live
// feed and closes them on shutdown.
package labs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/lab-engine/internal/application/controller"
	"github.com/alem-hub/lab-engine/internal/domain/exercise"
	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
	"github.com/alem-hub/lab-engine/pkg/logger"
	"github.com/alem-hub/lab-engine/pkg/timeutil"
)

// Feature names consulted when a session is opened.
const (
	FeatureExactPoisson   = "sampler.exact_poisson"
	FeatureLiveUpdates    = "sessions.live_updates"
	FeatureStaffAutoStart = "sessions.staff_autostart"
)

// Toggles evaluates feature flags for a user.
type Toggles interface {
	EnabledFor(feature, userID string, staff bool) bool
}

// staticToggles enables the listed features for everyone.
type staticToggles map[string]bool

func (s staticToggles) EnabledFor(feature, _ string, _ bool) bool { return s[feature] }

// Config configures a Manager.
type Config struct {
	Registry   *exercise.Registry
	Controller controller.Options
	Deps       controller.Deps
	Feed       session.Feed
	Toggles    Toggles
	Logger     *logger.Logger
}

type entry struct {
	ctrl    *controller.Controller
	cancel  func()
	touched time.Time
}

// Manager owns the live controllers keyed by session key.
type Manager struct {
	registry *exercise.Registry
	opts     controller.Options
	deps     controller.Deps
	feed     session.Feed
	toggles  Toggles
	clock    timeutil.Clock
	log      *logger.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

// NewManager creates a manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.Toggles == nil {
		cfg.Toggles = staticToggles{FeatureStaffAutoStart: true, FeatureLiveUpdates: true}
	}
	if cfg.Deps.Logger == nil {
		cfg.Deps.Logger = cfg.Logger
	}
	if cfg.Deps.Clock == nil {
		cfg.Deps.Clock = timeutil.NewReal()
	}
	return &Manager{
		registry: cfg.Registry,
		opts:     cfg.Controller,
		deps:     cfg.Deps,
		feed:     cfg.Feed,
		toggles:  cfg.Toggles,
		clock:    cfg.Deps.Clock,
		log:      cfg.Logger.With(logger.Component("labs")),
		sessions: make(map[string]*entry),
	}
}

// Open returns the live controller for key, creating and opening it when
// needed. An existing controller takes over the new actor.
func (m *Manager) Open(ctx context.Context, key session.Key, actor controller.Actor) (*controller.Controller, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if c, ok := m.Get(key); ok {
		c.SetActor(actor)
		return c, nil
	}

	def, err := m.registry.Lookup(key.ExerciseID)
	if err != nil {
		return nil, err
	}

	user := string(key.UserID)
	opts := m.opts
	opts.ExactPoisson = m.toggles.EnabledFor(FeatureExactPoisson, user, actor.Privileged)
	opts.StaffAutoStart = m.toggles.EnabledFor(FeatureStaffAutoStart, user, actor.Privileged)

	c, err := controller.New(key, def, actor, opts, m.deps)
	if err != nil {
		return nil, err
	}
	if err := c.Open(ctx); err != nil {
		c.Close()
		return nil, err
	}

	e := &entry{ctrl: c, touched: m.clock.Now()}
	if m.feed != nil && m.toggles.EnabledFor(FeatureLiveUpdates, user, actor.Privileged) {
		cancel, err := m.feed.Subscribe(context.Background(), key, c.ApplyUpdate)
		if err != nil {
			m.log.Warn("live updates unavailable", logger.String("session", key.String()), logger.Err(err))
		} else {
			e.cancel = cancel
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		e.close()
		return nil, shared.ErrSessionClosed
	}
	if existing, ok := m.sessions[key.String()]; ok {
		// Lost a race with a concurrent Open of the same key.
		existing.touched = m.clock.Now()
		m.mu.Unlock()
		e.close()
		existing.ctrl.SetActor(actor)
		return existing.ctrl, nil
	}
	m.sessions[key.String()] = e
	m.mu.Unlock()

	m.log.Info("session attached", logger.String("session", key.String()), logger.Bool("privileged", actor.Privileged))
	return c, nil
}

// Get returns the live controller for key and marks it as used.
func (m *Manager) Get(key session.Key) (*controller.Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[key.String()]
	if !ok {
		return nil, false
	}
	e.touched = m.clock.Now()
	return e.ctrl, true
}

// Close detaches and closes one session. It reports whether it was open.
func (m *Manager) Close(key session.Key) bool {
	m.mu.Lock()
	e, ok := m.sessions[key.String()]
	delete(m.sessions, key.String())
	m.mu.Unlock()
	if !ok {
		return false
	}
	e.close()
	return true
}

// CloseAll closes every session and refuses further opens.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	entries := make([]*entry, 0, len(m.sessions))
	for k, e := range m.sessions {
		entries = append(entries, e)
		delete(m.sessions, k)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.close()
	}
	m.log.Info("all sessions closed", logger.Int("count", len(entries)))
}

// CloseIdle closes the sessions nobody has opened or fetched for longer
// than ttl. Queued edits are written first; a session whose write fails, or
// which is mid-submission, stays open for the next pass. It returns the
// number of sessions closed.
func (m *Manager) CloseIdle(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := m.clock.Now().Add(-ttl)

	type candidate struct {
		key string
		e   *entry
	}
	m.mu.Lock()
	var idle []candidate
	for k, e := range m.sessions {
		if e.touched.Before(cutoff) {
			idle = append(idle, candidate{key: k, e: e})
		}
	}
	m.mu.Unlock()
	sort.Slice(idle, func(i, j int) bool { return idle[i].key < idle[j].key })

	closed := 0
	var errs []error
	for _, cand := range idle {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if cand.e.ctrl.Submitting() {
			continue
		}
		if err := cand.e.ctrl.FlushPending(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cand.key, err))
			continue
		}

		m.mu.Lock()
		cur, ok := m.sessions[cand.key]
		if !ok || cur != cand.e || !cur.touched.Before(cutoff) {
			// Closed or used again meanwhile.
			m.mu.Unlock()
			continue
		}
		delete(m.sessions, cand.key)
		m.mu.Unlock()

		cand.e.close()
		closed++
		m.log.Info("idle session closed", logger.String("session", cand.key))
	}
	return closed, errors.Join(errs...)
}

// Each calls fn for every live controller, in key order. fn runs without
// the manager lock held.
func (m *Manager) Each(fn func(*controller.Controller)) {
	for _, c := range m.snapshot() {
		fn(c)
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Registry returns the exercise registry.
func (m *Manager) Registry() *exercise.Registry { return m.registry }

func (m *Manager) snapshot() []*controller.Controller {
	m.mu.Lock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*controller.Controller, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.sessions[k].ctrl)
	}
	m.mu.Unlock()
	return out
}

func (e *entry) close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.ctrl.Close()
}
