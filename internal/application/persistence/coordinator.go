// Package persistence coordinates the writes of one lab session to the
// session store: a trailing-edge debounce for edit bursts, a periodic
// full-snapshot autosave, immediate writes for transitions and a
// synchronous flush before submission.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/pkg/circuitbreaker"
	"github.com/alem-hub/lab-engine/pkg/logger"
	"github.com/alem-hub/lab-engine/pkg/timeutil"
)

// Trigger names what caused a write.
type Trigger string

const (
	TriggerDebounce  Trigger = "debounce"
	TriggerAutosave  Trigger = "autosave"
	TriggerImmediate Trigger = "immediate"
	TriggerFlush     Trigger = "flush"
	TriggerFinalize  Trigger = "finalize"
	TriggerExempt    Trigger = "exempt"
)

// Notice reports a failed write. The failed fields stay queued and are
// retried by the next cycle.
type Notice struct {
	Key     session.Key
	Trigger Trigger
	Fields  []string
	Err     error
	At      time.Time
}

// SnapshotSource returns the full current document and whether the session
// is active and unsubmitted. It is called without the coordinator's lock held.
type SnapshotSource func() (doc session.Document, active bool)

// Config holds coordinator timings.
type Config struct {
	Debounce     time.Duration
	Autosave     time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		Debounce:     time.Second,
		Autosave:     30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Store    session.Store
	Clock    timeutil.Clock
	Breaker  *circuitbreaker.CircuitBreaker
	Logger   *logger.Logger
	Source   SnapshotSource
	OnNotice func(Notice)
}

// Coordinator owns the write timers of one session. No optimistic locking
// is done; the last write the store observes wins.
type Coordinator struct {
	key    session.Key
	cfg    Config
	store  session.Store
	clock  timeutil.Clock
	cb     *circuitbreaker.CircuitBreaker
	log    *logger.Logger
	source SnapshotSource
	notify func(Notice)

	mu       sync.Mutex
	pending  session.Document
	debounce timeutil.Timer
	autosave timeutil.Timer
	locked   bool
	closed   bool
}

// New creates a coordinator. Timers start with StartAutosave and
// ScheduleSave.
func New(key session.Key, cfg Config, deps Deps) *Coordinator {
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.Autosave <= 0 {
		cfg.Autosave = def.Autosave
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.NewReal()
	}
	if deps.Breaker == nil {
		deps.Breaker = circuitbreaker.SessionStoreBreaker(nil)
	}
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	if deps.Source == nil {
		deps.Source = func() (session.Document, bool) { return session.Document{}, false }
	}
	return &Coordinator{
		key:    key,
		cfg:    cfg,
		store:  deps.Store,
		clock:  deps.Clock,
		cb:     deps.Breaker,
		log:    deps.Logger.With(logger.Component("persistence"), logger.String("session", key.String())),
		source: deps.Source,
		notify: deps.OnNotice,
	}
}

// ScheduleSave queues patch and restarts the debounce window. Queued patches
// merge, newer fields winning.
func (c *Coordinator) ScheduleSave(patch session.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked || c.closed {
		return
	}
	c.pending = c.pending.Overlay(patch)
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = c.clock.AfterFunc(c.cfg.Debounce, c.fireDebounce)
}

func (c *Coordinator) fireDebounce() {
	c.mu.Lock()
	if c.locked || c.closed {
		c.mu.Unlock()
		return
	}
	patch := c.takePendingLocked()
	c.debounce = nil
	c.mu.Unlock()

	c.write(context.Background(), patch, TriggerDebounce, session.WriteOptions{})
}

// StartAutosave starts the periodic full-snapshot write. Calling it twice
// keeps a single timer.
func (c *Coordinator) StartAutosave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked || c.closed || c.autosave != nil {
		return
	}
	c.autosave = c.clock.Every(c.cfg.Autosave, c.fireAutosave)
}

func (c *Coordinator) fireAutosave() {
	c.mu.Lock()
	if c.locked || c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	doc, active := c.source()
	if !active {
		return
	}

	c.mu.Lock()
	if c.locked || c.closed {
		c.mu.Unlock()
		return
	}
	// The snapshot already reflects every queued edit.
	c.takePendingLocked()
	c.mu.Unlock()

	c.write(context.Background(), doc, TriggerAutosave, session.WriteOptions{})
}

// SaveNow writes patch together with anything queued, bypassing the
// debounce. It is a no-op once locked.
func (c *Coordinator) SaveNow(ctx context.Context, patch session.Document) error {
	c.mu.Lock()
	if c.locked || c.closed {
		c.mu.Unlock()
		return nil
	}
	doc := c.takePendingLocked().Overlay(patch)
	c.mu.Unlock()

	return c.write(ctx, doc, TriggerImmediate, session.WriteOptions{})
}

// Flush synchronously writes the full current snapshot.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.locked || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.takePendingLocked()
	c.mu.Unlock()

	doc, _ := c.source()
	return c.write(ctx, doc, TriggerFlush, session.WriteOptions{})
}

// Finalize locks the coordinator and writes the submission marker. Queued
// edits are discarded; Flush has written them already.
func (c *Coordinator) Finalize(ctx context.Context, marker session.Document) error {
	c.Lock()
	return c.write(ctx, marker, TriggerFinalize, session.WriteOptions{})
}

// SaveExempt is the privileged write path. It works after Lock and the
// store accepts it on a submitted document.
func (c *Coordinator) SaveExempt(ctx context.Context, patch session.Document) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	return c.write(ctx, patch, TriggerExempt, session.WriteOptions{Exempt: true})
}

// Lock turns every regular write into a no-op and stops the timers.
func (c *Coordinator) Lock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = true
	c.stopTimersLocked()
	c.pending = session.Document{}
}

// Locked reports whether Lock was called.
func (c *Coordinator) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

// Reconcile overlays the queued, not yet written, local patch on a remote
// document so in-flight edits survive a remote update.
func (c *Coordinator) Reconcile(remote session.Document) session.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return remote.Overlay(c.pending)
}

// Pending returns the queued patch.
func (c *Coordinator) Pending() session.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Close stops every timer. Queued edits are dropped, not awaited.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.stopTimersLocked()
	if !c.pending.IsEmpty() {
		c.log.Debug("dropping unsaved fields on close",
			logger.Any("fields", c.pending.FieldNames()))
	}
	c.pending = session.Document{}
}

func (c *Coordinator) stopTimersLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	if c.autosave != nil {
		c.autosave.Stop()
		c.autosave = nil
	}
}

func (c *Coordinator) takePendingLocked() session.Document {
	p := c.pending
	c.pending = session.Document{}
	return p
}

// requeue puts a failed patch back under anything queued since.
func (c *Coordinator) requeue(failed session.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked || c.closed {
		return
	}
	c.pending = failed.Overlay(c.pending)
}

func (c *Coordinator) write(ctx context.Context, doc session.Document, trigger Trigger, opts session.WriteOptions) error {
	if doc.IsEmpty() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()

	start := c.clock.Now()
	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		return c.store.Save(ctx, c.key, doc, opts)
	})
	if err == nil {
		c.log.Debug("session saved",
			logger.String("trigger", string(trigger)),
			logger.Any("fields", doc.FieldNames()),
			logger.Latency(c.clock.Now().Sub(start)))
		return nil
	}

	if trigger != TriggerExempt && trigger != TriggerFinalize {
		c.requeue(doc)
	}
	c.log.Warn("session save failed",
		logger.String("trigger", string(trigger)),
		logger.Any("fields", doc.FieldNames()),
		logger.Err(err))
	if c.notify != nil {
		c.notify(Notice{
			Key:     c.key,
			Trigger: trigger,
			Fields:  doc.FieldNames(),
			Err:     err,
			At:      c.clock.Now(),
		})
	}
	return err
}
