package redis

import (
	"context"
	"errors"
	"time"

	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/pkg/logger"
)

// PatchPublisher announces a saved patch to other instances.
type PatchPublisher interface {
	Publish(ctx context.Context, key session.Key, u session.RemoteUpdate) error
}

// CachedStore is a read-through cache in front of a session store. Writes
// go to the inner store, invalidate the cached document and, when the
// inner store applied them, are announced on the publisher. Cache failures
// never fail a call.
type CachedStore struct {
	inner     session.CheckedStore
	cache     *Cache
	publisher PatchPublisher
	ttl       time.Duration
	log       *logger.Logger
}

var _ session.CheckedStore = (*CachedStore)(nil)

// NewCachedStore wraps inner. A nil publisher disables announcements.
func NewCachedStore(inner session.CheckedStore, cache *Cache, publisher PatchPublisher, log *logger.Logger) *CachedStore {
	if log == nil {
		log = logger.Discard()
	}
	return &CachedStore{
		inner:     inner,
		cache:     cache,
		publisher: publisher,
		ttl:       TTLSessionDocument,
		log:       log.With(logger.Component("session_cache")),
	}
}

// Load serves the cached document or reads through to the inner store.
func (s *CachedStore) Load(ctx context.Context, key session.Key) (session.Document, error) {
	var doc session.Document
	err := s.cache.Get(ctx, SessionKey(key), &doc)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.log.Warn("session cache read failed", logger.String("session", key.String()), logger.Err(err))
	}

	doc, err = s.inner.Load(ctx, key)
	if err != nil {
		return session.Document{}, err
	}
	if err := s.cache.Set(ctx, SessionKey(key), doc, s.ttl); err != nil {
		s.log.Warn("session cache fill failed", logger.String("session", key.String()), logger.Err(err))
	}
	return doc, nil
}

// Save writes through to the inner store.
func (s *CachedStore) Save(ctx context.Context, key session.Key, patch session.Document, opts session.WriteOptions) error {
	_, err := s.SaveChecked(ctx, key, patch, opts)
	return err
}

// SaveChecked writes through and announces the patch only when the inner
// store applied it. A write dropped by the submitted guard stays local.
func (s *CachedStore) SaveChecked(ctx context.Context, key session.Key, patch session.Document, opts session.WriteOptions) (bool, error) {
	applied, err := s.inner.SaveChecked(ctx, key, patch, opts)
	if err != nil || !applied {
		return applied, err
	}
	if err := s.cache.Delete(ctx, SessionKey(key)); err != nil {
		s.log.Warn("session cache invalidation failed", logger.String("session", key.String()), logger.Err(err))
	}
	if s.publisher != nil {
		u := session.RemoteUpdate{Patch: patch, Exempt: opts.Exempt}
		if err := s.publisher.Publish(ctx, key, u); err != nil {
			s.log.Warn("session update not announced", logger.String("session", key.String()), logger.Err(err))
		}
	}
	return true, nil
}
