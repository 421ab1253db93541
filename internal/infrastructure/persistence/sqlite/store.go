// Package sqlite is a single-file session store for development, tests and
// the labctl tool. Partial writes are merged in Go inside a transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

const schema = `
CREATE TABLE IF NOT EXISTS lab_sessions (
    user_id     TEXT NOT NULL,
    course_id   TEXT NOT NULL,
    exercise_id TEXT NOT NULL,
    document    TEXT NOT NULL,
    submitted   INTEGER NOT NULL DEFAULT 0,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (user_id, course_id, exercise_id)
);
CREATE INDEX IF NOT EXISTS idx_lab_sessions_exercise ON lab_sessions(exercise_id);

CREATE TABLE IF NOT EXISTS assessment_records (
    user_id       TEXT NOT NULL,
    course_id     TEXT NOT NULL,
    exercise_id   TEXT NOT NULL,
    submitted     INTEGER NOT NULL DEFAULT 0,
    submitted_at  INTEGER,
    submission_id TEXT,
    PRIMARY KEY (user_id, course_id, exercise_id)
);
`

// Store is a SQLite-backed session store and assessment record table.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var (
	_ session.CheckedStore     = (*Store)(nil)
	_ session.Lister           = (*Store)(nil)
	_ session.AssessmentReader = (*Store)(nil)
)

// Open opens the database at path, creating the schema when needed.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Writes read-merge-write the document; one connection keeps them serial.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Load returns the stored document.
func (s *Store) Load(ctx context.Context, key session.Key) (session.Document, error) {
	doc, found, err := load(ctx, s.sqlDB, key)
	if err != nil {
		return session.Document{}, err
	}
	if !found {
		return session.Document{}, shared.ErrSessionNotFound
	}
	return doc, nil
}

// Save merges patch into the stored document. A write to a submitted
// document is dropped unless opts.Exempt is set.
func (s *Store) Save(ctx context.Context, key session.Key, patch session.Document, opts session.WriteOptions) error {
	_, err := s.SaveChecked(ctx, key, patch, opts)
	return err
}

// SaveChecked is Save reporting whether the patch was applied.
func (s *Store) SaveChecked(ctx context.Context, key session.Key, patch session.Document, opts session.WriteOptions) (bool, error) {
	if patch.IsEmpty() {
		return false, nil
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, _, err := load(ctx, tx, key)
	if err != nil {
		return false, err
	}
	next, applied := session.ApplyPatch(current, patch, opts)
	if !applied {
		return false, nil
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode session document: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO lab_sessions (user_id, course_id, exercise_id, document, submitted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, course_id, exercise_id) DO UPDATE SET
		    document = excluded.document,
		    submitted = excluded.submitted,
		    updated_at = excluded.updated_at`,
		string(key.UserID), string(key.CourseID), string(key.ExerciseID),
		string(raw), boolToInt(next.IsSubmitted()), s.now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("save lab session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit save: %w", err)
	}
	return true, nil
}

// List returns the keys of stored sessions, optionally for one exercise.
func (s *Store) List(ctx context.Context, exerciseID string) ([]session.Key, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT user_id, course_id, exercise_id FROM lab_sessions
		WHERE ? = '' OR exercise_id = ?
		ORDER BY user_id, course_id, exercise_id`, exerciseID, exerciseID)
	if err != nil {
		return nil, fmt.Errorf("list lab sessions: %w", err)
	}
	defer rows.Close()

	var keys []session.Key
	for rows.Next() {
		var user, course, exercise string
		if err := rows.Scan(&user, &course, &exercise); err != nil {
			return nil, fmt.Errorf("scan lab session key: %w", err)
		}
		keys = append(keys, session.Key{
			UserID:     shared.UserID(user),
			CourseID:   shared.CourseID(course),
			ExerciseID: shared.ExerciseID(exercise),
		})
	}
	return keys, rows.Err()
}

// Record returns the assessment record for key. A missing row is the zero
// record.
func (s *Store) Record(ctx context.Context, key session.Key) (session.AssessmentRecord, error) {
	var (
		submitted   int64
		submittedAt sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
		SELECT submitted, submitted_at FROM assessment_records
		WHERE user_id = ? AND course_id = ? AND exercise_id = ?`,
		string(key.UserID), string(key.CourseID), string(key.ExerciseID),
	).Scan(&submitted, &submittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.AssessmentRecord{}, nil
	}
	if err != nil {
		return session.AssessmentRecord{}, fmt.Errorf("get assessment record: %w", err)
	}
	rec := session.AssessmentRecord{Submitted: submitted != 0}
	if submittedAt.Valid {
		at := time.UnixMilli(submittedAt.Int64).UTC()
		rec.SubmittedAt = &at
	}
	return rec, nil
}

// RecordSubmission writes an accepted submission into the assessment
// records. It stands in for the course system in local setups.
func (s *Store) RecordSubmission(ctx context.Context, key session.Key, submissionID string, at time.Time) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO assessment_records (user_id, course_id, exercise_id, submitted, submitted_at, submission_id)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(user_id, course_id, exercise_id) DO UPDATE SET
		    submitted = 1,
		    submitted_at = excluded.submitted_at,
		    submission_id = excluded.submission_id`,
		string(key.UserID), string(key.CourseID), string(key.ExerciseID), at.UnixMilli(), submissionID,
	)
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func load(ctx context.Context, q queryer, key session.Key) (session.Document, bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, `
		SELECT document FROM lab_sessions
		WHERE user_id = ? AND course_id = ? AND exercise_id = ?`,
		string(key.UserID), string(key.CourseID), string(key.ExerciseID),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Document{}, false, nil
	}
	if err != nil {
		return session.Document{}, false, fmt.Errorf("get lab session: %w", err)
	}
	var doc session.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return session.Document{}, false, shared.WrapError("sqlite", "Load", shared.ErrUnknownDocumentKind, key.String(), err)
	}
	return doc, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
