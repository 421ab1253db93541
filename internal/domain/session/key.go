// Package session contains the lab session aggregate, the partial document
// it is persisted as, and the contracts of the external collaborators the
// engine talks to.
package session

import (
	"strings"

	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

// Key identifies one session document: one student working on one exercise
// of one course.
type Key struct {
	UserID     shared.UserID     `json:"user_id"`
	CourseID   shared.CourseID   `json:"course_id"`
	ExerciseID shared.ExerciseID `json:"exercise_id"`
}

// NewKey validates and builds a key.
func NewKey(userID, courseID, exerciseID string) (Key, error) {
	uid, err := shared.NewUserID(userID)
	if err != nil {
		return Key{}, err
	}
	cid, err := shared.NewCourseID(courseID)
	if err != nil {
		return Key{}, err
	}
	eid, err := shared.NewExerciseID(exerciseID)
	if err != nil {
		return Key{}, err
	}
	return Key{UserID: uid, CourseID: cid, ExerciseID: eid}, nil
}

// Validate checks every component.
func (k Key) Validate() error {
	if !k.UserID.IsValid() || !k.CourseID.IsValid() || !k.ExerciseID.IsValid() {
		return shared.WrapError("session", "Validate", shared.ErrInvalidSessionKey, k.String(), nil)
	}
	return nil
}

// String renders the key as user/course/exercise. It doubles as the
// aggregate id of session events and as the cache key suffix.
func (k Key) String() string {
	return string(k.UserID) + "/" + string(k.CourseID) + "/" + string(k.ExerciseID)
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Key{}, shared.WrapError("session", "ParseKey", shared.ErrInvalidSessionKey, s, nil)
	}
	return NewKey(parts[0], parts[1], parts[2])
}
