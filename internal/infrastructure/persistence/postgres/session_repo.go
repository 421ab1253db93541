package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

// SessionRepository implements session.CheckedStore and session.Lister.
type SessionRepository struct {
	conn *Connection
}

// NewSessionRepository creates a session repository.
func NewSessionRepository(conn *Connection) *SessionRepository {
	return &SessionRepository{conn: conn}
}

var (
	_ session.CheckedStore = (*SessionRepository)(nil)
	_ session.Lister       = (*SessionRepository)(nil)
)

// Load returns the stored document.
func (r *SessionRepository) Load(ctx context.Context, key session.Key) (session.Document, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	var raw []byte
	err := r.conn.QueryRow(ctx, `
		SELECT document FROM lab_sessions
		WHERE user_id = $1 AND course_id = $2 AND exercise_id = $3
	`, string(key.UserID), string(key.CourseID), string(key.ExerciseID)).Scan(&raw)
	if IsNoRows(err) {
		return session.Document{}, shared.ErrSessionNotFound
	}
	if err != nil {
		return session.Document{}, r.wrap("Load", err)
	}

	var doc session.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return session.Document{}, shared.WrapError("postgres", "Load", shared.ErrUnknownDocumentKind, key.String(), err)
	}
	return doc, nil
}

// Save merges the present fields of patch into the stored document. The
// update is skipped for a submitted document unless opts.Exempt is set.
func (r *SessionRepository) Save(ctx context.Context, key session.Key, patch session.Document, opts session.WriteOptions) error {
	_, err := r.SaveChecked(ctx, key, patch, opts)
	return err
}

// SaveChecked is Save reporting whether the row was written.
func (r *SessionRepository) SaveChecked(ctx context.Context, key session.Key, patch session.Document, opts session.WriteOptions) (bool, error) {
	if patch.IsEmpty() {
		return false, nil
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return false, fmt.Errorf("encoding session patch: %w", err)
	}

	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	tag, err := r.conn.Exec(ctx, `
		INSERT INTO lab_sessions (user_id, course_id, exercise_id, document)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (user_id, course_id, exercise_id) DO UPDATE
		SET document = lab_sessions.document || EXCLUDED.document,
		    updated_at = NOW()
		WHERE $5 OR NOT lab_sessions.submitted
	`, string(key.UserID), string(key.CourseID), string(key.ExerciseID), raw, opts.Exempt)
	if err != nil {
		return false, r.wrap("Save", err)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns the keys of stored sessions, optionally for one exercise.
func (r *SessionRepository) List(ctx context.Context, exerciseID string) ([]session.Key, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	rows, err := r.conn.Query(ctx, `
		SELECT user_id, course_id, exercise_id FROM lab_sessions
		WHERE $1 = '' OR exercise_id = $1
		ORDER BY user_id, course_id, exercise_id
	`, exerciseID)
	if err != nil {
		return nil, r.wrap("List", err)
	}
	defer rows.Close()

	var keys []session.Key
	for rows.Next() {
		var user, course, exercise string
		if err := rows.Scan(&user, &course, &exercise); err != nil {
			return nil, r.wrap("List", err)
		}
		keys = append(keys, session.Key{
			UserID:     shared.UserID(user),
			CourseID:   shared.CourseID(course),
			ExerciseID: shared.ExerciseID(exercise),
		})
	}
	return keys, rows.Err()
}

func (r *SessionRepository) wrap(op string, err error) error {
	if IsUnavailable(err) {
		return shared.WrapError("postgres", op, shared.ErrStoreUnavailable, "lab_sessions", err)
	}
	return fmt.Errorf("postgres: %s lab session: %w", op, err)
}
