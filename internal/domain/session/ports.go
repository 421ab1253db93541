package session

import (
	"context"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// EXTERNAL COLLABORATORS
// Implementations live in infrastructure/.
// ══════════════════════════════════════════════════════════════════════════════

// Store persists session documents keyed by (user, course, exercise).
type Store interface {
	// Load returns the stored document.
	// Returns shared.ErrSessionNotFound when nothing was stored yet.
	Load(ctx context.Context, key Key) (Document, error)

	// Save writes the fields present in patch; each present top-level field
	// replaces the stored one. A write to a submitted document is dropped
	// without error unless opts.Exempt is set. No version check is made:
	// the last write wins.
	Save(ctx context.Context, key Key, patch Document, opts WriteOptions) error
}

// CheckedStore is a Store that also reports whether a write passed the
// submitted guard. Writers that announce changes to other instances use it
// so a dropped write is never broadcast.
type CheckedStore interface {
	Store
	SaveChecked(ctx context.Context, key Key, patch Document, opts WriteOptions) (applied bool, err error)
}

// Lister enumerates stored sessions. Used by maintenance tooling.
type Lister interface {
	List(ctx context.Context, exerciseID string) ([]Key, error)
}

// RemoteUpdate is a patch another instance wrote to the store.
type RemoteUpdate struct {
	Patch Document `json:"patch"`

	// Exempt marks a privileged write that passed the submitted guard.
	Exempt bool `json:"exempt,omitempty"`
}

// Feed delivers remote document updates for a key.
type Feed interface {
	// Subscribe calls fn for every remote update of key until the returned
	// cancel function is called or ctx ends. fn runs on a feed goroutine.
	Subscribe(ctx context.Context, key Key, fn func(RemoteUpdate)) (cancel func(), err error)
}

// SubmitRequest is the payload sent to the grading endpoint.
type SubmitRequest struct {
	ExerciseID   string `json:"exercise_id"`
	StudentID    string `json:"student_id"`
	CourseID     string `json:"course_id"`
	Privileged   bool   `json:"privileged"`
	SubmissionID string `json:"submission_id"`
}

// SubmitResult is the grading endpoint's answer.
type SubmitResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Submitter hands a finished session to grading. Implementations must not
// retry on their own; the submission id makes manual retries idempotent.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
}

// AssessmentRecord is the course system's authoritative view of a submission.
type AssessmentRecord struct {
	Submitted   bool       `json:"submitted"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// AssessmentReader reads assessment records. A missing record is returned
// as the zero AssessmentRecord without error.
type AssessmentReader interface {
	Record(ctx context.Context, key Key) (AssessmentRecord, error)
}
