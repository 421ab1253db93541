// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"math"
	"regexp"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// Identifiers accept the slugs and opaque ids handed over by the identity
// and course services.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]{0,127}$`)

// UserID identifies an authenticated student or staff member.
type UserID string

// IsValid checks the identifier format.
func (u UserID) IsValid() bool { return idRegex.MatchString(string(u)) }

// String returns the string representation.
func (u UserID) String() string { return string(u) }

// NewUserID creates a UserID with validation.
func NewUserID(id string) (UserID, error) {
	uid := UserID(strings.TrimSpace(id))
	if !uid.IsValid() {
		return "", NewDomainError("shared", "NewUserID", ErrInvalidID, "invalid user ID")
	}
	return uid, nil
}

// CourseID identifies a course.
type CourseID string

// IsValid checks the identifier format.
func (c CourseID) IsValid() bool { return idRegex.MatchString(string(c)) }

// String returns the string representation.
func (c CourseID) String() string { return string(c) }

// NewCourseID creates a CourseID with validation.
func NewCourseID(id string) (CourseID, error) {
	cid := CourseID(strings.TrimSpace(id))
	if !cid.IsValid() {
		return "", NewDomainError("shared", "NewCourseID", ErrInvalidID, "invalid course ID")
	}
	return cid, nil
}

// ExerciseID identifies a lab exercise definition.
type ExerciseID string

// IsValid checks the identifier format.
func (e ExerciseID) IsValid() bool { return idRegex.MatchString(string(e)) }

// String returns the string representation.
func (e ExerciseID) String() string { return string(e) }

// NewExerciseID creates an ExerciseID with validation.
func NewExerciseID(id string) (ExerciseID, error) {
	eid := ExerciseID(strings.ToLower(strings.TrimSpace(id)))
	if !eid.IsValid() {
		return "", NewDomainError("shared", "NewExerciseID", ErrInvalidID, "invalid exercise ID")
	}
	return eid, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Measurement Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Measurement is one recorded data point of a simulation run. Time is in
// simulated seconds since the run started. Measured is a count or a voltage
// reading; Net is Measured minus the background.
type Measurement struct {
	Time     float64 `json:"time"`
	Measured float64 `json:"measured"`
	Net      float64 `json:"net"`
}

// NewMeasurement creates a Measurement with the derived net value.
func NewMeasurement(t, measured, background float64) Measurement {
	return Measurement{Time: t, Measured: measured, Net: measured - background}
}

// IsValid reports whether all values are finite and time is not negative.
func (m Measurement) IsValid() bool {
	return m.Time >= 0 && isFinite(m.Time) && isFinite(m.Measured) && isFinite(m.Net)
}

// StrictlyIncreasing reports whether the measurement times strictly increase.
func StrictlyIncreasing(ms []Measurement) bool {
	for i := 1; i < len(ms); i++ {
		if ms[i].Time <= ms[i-1].Time {
			return false
		}
	}
	return true
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Float returns a pointer to v. Optional numeric fields are modelled as
// *float64 so a null survives the trip through the document store.
func Float(v float64) *float64 { return &v }
