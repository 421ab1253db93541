package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/lab-engine/internal/domain/session"
)

// AssessmentRepository reads the course system's assessment records.
type AssessmentRepository struct {
	conn *Connection
}

// NewAssessmentRepository creates an assessment repository.
func NewAssessmentRepository(conn *Connection) *AssessmentRepository {
	return &AssessmentRepository{conn: conn}
}

var _ session.AssessmentReader = (*AssessmentRepository)(nil)

// Record returns the record for key. A missing row is the zero record.
func (r *AssessmentRepository) Record(ctx context.Context, key session.Key) (session.AssessmentRecord, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	var (
		submitted   bool
		submittedAt *time.Time
	)
	err := r.conn.QueryRow(ctx, `
		SELECT submitted, submitted_at FROM assessment_records
		WHERE user_id = $1 AND course_id = $2 AND exercise_id = $3
	`, string(key.UserID), string(key.CourseID), string(key.ExerciseID)).Scan(&submitted, &submittedAt)
	if IsNoRows(err) {
		return session.AssessmentRecord{}, nil
	}
	if err != nil {
		return session.AssessmentRecord{}, fmt.Errorf("postgres: reading assessment record: %w", err)
	}
	return session.AssessmentRecord{Submitted: submitted, SubmittedAt: submittedAt}, nil
}

// RecordSubmission marks key as submitted. Used by the local grading
// stand-in; a repeated submission id leaves the first timestamp in place.
func (r *AssessmentRepository) RecordSubmission(ctx context.Context, key session.Key, submissionID string, at time.Time) error {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	_, err := r.conn.Exec(ctx, `
		INSERT INTO assessment_records (user_id, course_id, exercise_id, submitted, submitted_at, submission_id, updated_at)
		VALUES ($1, $2, $3, true, $4, $5, NOW())
		ON CONFLICT (user_id, course_id, exercise_id) DO UPDATE SET
			submitted     = true,
			submitted_at  = CASE WHEN assessment_records.submission_id = EXCLUDED.submission_id
			                     THEN assessment_records.submitted_at ELSE EXCLUDED.submitted_at END,
			submission_id = EXCLUDED.submission_id,
			updated_at    = NOW()
	`, string(key.UserID), string(key.CourseID), string(key.ExerciseID), at, submissionID)
	if err != nil {
		return fmt.Errorf("postgres: recording submission: %w", err)
	}
	return nil
}
