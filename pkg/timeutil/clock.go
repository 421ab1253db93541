// Package timeutil provides the clock abstraction used by the lab engine.
// All timers the engine owns (debounce, autosave, simulation clock) are created
// through a Clock so they can be stopped explicitly and driven by tests.
package timeutil

import (
	"sync"
	"time"
)

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented a
	// pending fire.
	Stop() bool
}

// Clock is the source of time and timers.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls fn once after d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer

	// Every calls fn repeatedly, once per period, until the returned Timer
	// is stopped.
	Every(period time.Duration, fn func()) Timer
}

// Real is a Clock backed by the time package.
type Real struct{}

// NewReal returns the wall clock.
func NewReal() Real { return Real{} }

// Now returns time.Now in UTC.
func (Real) Now() time.Time { return time.Now().UTC() }

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Every starts a ticker goroutine that calls fn on every tick.
func (Real) Every(period time.Duration, fn func()) Timer {
	t := &tickerTimer{
		ticker: time.NewTicker(period),
		done:   make(chan struct{}),
	}
	go t.loop(fn)
	return t
}

type tickerTimer struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *tickerTimer) loop(fn func()) {
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			// A stop racing with a tick must win.
			select {
			case <-t.done:
				return
			default:
			}
			fn()
		}
	}
}

func (t *tickerTimer) Stop() bool {
	stopped := false
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
		stopped = true
	})
	return stopped
}
