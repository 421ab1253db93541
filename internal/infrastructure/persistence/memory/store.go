// Package memory is an in-process session store. It backs tests and
// single-instance development runs where nothing needs to survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

// Store keeps documents and assessment records in maps.
type Store struct {
	mu      sync.RWMutex
	docs    map[session.Key]session.Document
	records map[session.Key]session.AssessmentRecord
}

var (
	_ session.CheckedStore     = (*Store)(nil)
	_ session.Lister           = (*Store)(nil)
	_ session.AssessmentReader = (*Store)(nil)
)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		docs:    make(map[session.Key]session.Document),
		records: make(map[session.Key]session.AssessmentRecord),
	}
}

// Load returns the stored document.
func (s *Store) Load(_ context.Context, key session.Key) (session.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[key]
	if !ok {
		return session.Document{}, shared.ErrSessionNotFound
	}
	return doc, nil
}

// Save applies patch under the submitted guard.
func (s *Store) Save(ctx context.Context, key session.Key, patch session.Document, opts session.WriteOptions) error {
	_, err := s.SaveChecked(ctx, key, patch, opts)
	return err
}

// SaveChecked is Save reporting whether the patch was applied.
func (s *Store) SaveChecked(_ context.Context, key session.Key, patch session.Document, opts session.WriteOptions) (bool, error) {
	if patch.IsEmpty() {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next, applied := session.ApplyPatch(s.docs[key], patch, opts)
	if applied {
		s.docs[key] = next
	}
	return applied, nil
}

// List returns stored keys in order, optionally for one exercise.
func (s *Store) List(_ context.Context, exerciseID string) ([]session.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]session.Key, 0, len(s.docs))
	for k := range s.docs {
		if exerciseID == "" || string(k.ExerciseID) == exerciseID {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// Record returns the assessment record, or the zero record.
func (s *Store) Record(_ context.Context, key session.Key) (session.AssessmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[key], nil
}

// RecordSubmission marks key as submitted in the assessment records.
func (s *Store) RecordSubmission(_ context.Context, key session.Key, _ string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = session.AssessmentRecord{Submitted: true, SubmittedAt: &at}
	return nil
}
