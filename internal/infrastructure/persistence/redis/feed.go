package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/pkg/logger"
)

// update is the message published on a session channel.
type update struct {
	Source string           `json:"source"`
	Key    string           `json:"key"`
	Patch  session.Document `json:"patch"`
	Exempt bool             `json:"exempt,omitempty"`
}

// SnapshotFeed carries saved patches between engine instances. Each
// instance tags its messages and ignores its own.
type SnapshotFeed struct {
	cache    *Cache
	instance string
	log      *logger.Logger
}

var (
	_ session.Feed   = (*SnapshotFeed)(nil)
	_ PatchPublisher = (*SnapshotFeed)(nil)
)

// NewSnapshotFeed creates a feed with a fresh instance id.
func NewSnapshotFeed(cache *Cache, log *logger.Logger) *SnapshotFeed {
	if log == nil {
		log = logger.Discard()
	}
	return &SnapshotFeed{
		cache:    cache,
		instance: uuid.NewString(),
		log:      log.With(logger.Component("snapshot_feed")),
	}
}

// Instance returns the id this feed tags its messages with.
func (f *SnapshotFeed) Instance() string { return f.instance }

// Publish announces a saved patch on the session channel.
func (f *SnapshotFeed) Publish(ctx context.Context, key session.Key, u session.RemoteUpdate) error {
	return f.cache.Publish(ctx, UpdatesChannel(key), update{
		Source: f.instance,
		Key:    key.String(),
		Patch:  u.Patch,
		Exempt: u.Exempt,
	})
}

// Subscribe delivers patches published by other instances for key. The
// subscription is confirmed before Subscribe returns.
func (f *SnapshotFeed) Subscribe(ctx context.Context, key session.Key, fn func(session.RemoteUpdate)) (func(), error) {
	ps := f.cache.Subscribe(ctx, UpdatesChannel(key))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", key, err)
	}

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}

	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				cancel()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				u, deliver, err := f.decode(key, []byte(msg.Payload))
				if err != nil {
					f.log.Warn("malformed session update", logger.String("session", key.String()), logger.Err(err))
					continue
				}
				if deliver {
					fn(u)
				}
			}
		}
	}()
	return cancel, nil
}

// decode parses a channel message. Messages from this instance or for
// another key are not delivered.
func (f *SnapshotFeed) decode(key session.Key, payload []byte) (session.RemoteUpdate, bool, error) {
	var u update
	if err := json.Unmarshal(payload, &u); err != nil {
		return session.RemoteUpdate{}, false, fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	if u.Source == f.instance || u.Key != key.String() {
		return session.RemoteUpdate{}, false, nil
	}
	return session.RemoteUpdate{Patch: u.Patch, Exempt: u.Exempt}, true, nil
}
