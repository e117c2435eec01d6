package core

import (
	"errors"
	"math"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidUser        = errors.New("empty user id")
	ErrNegativeExperience = errors.New("experience amount must not be negative")
	ErrOverflow           = errors.New("integer overflow in AddSafe")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("already exists")
)

// UserID uniquely identifies a student.
type UserID string

// MissionID identifies a mission authored by an instructor.
type MissionID string

// ClassID identifies a class. It doubles as the join code students are
// given.
type ClassID string

// BadgeID identifies a badge definition.
type BadgeID string

// MissionKind separates plain tasks from graded questions.
type MissionKind string

const (
	MissionTask     MissionKind = "task"
	MissionQuestion MissionKind = "question"
)

// Graded reports whether completions of this kind carry a correct/incorrect answer.
func (k MissionKind) Graded() bool { return k == MissionQuestion }

// UserProgress is the progression slice of a student account.
// Level is always derived from Experience through a Curve.
type UserProgress struct {
	UserID                UserID    `json:"user_id" db:"user_id"`
	Experience            int64     `json:"experience" db:"experience"`
	Level                 int64     `json:"level" db:"level"`
	CurrentStreak         int64     `json:"current_streak" db:"current_streak"`
	BestStreak            int64     `json:"best_streak" db:"best_streak"`
	LastActivity          Date      `json:"last_activity,omitzero" db:"last_activity"`
	LastMissionCompletion Date      `json:"last_mission_completion,omitzero" db:"last_mission_completion"`
	Updated               time.Time `json:"updated" db:"updated_at"`
}

// NewProgress returns the progress of a student who has done nothing yet.
func NewProgress(user UserID) UserProgress {
	return UserProgress{UserID: user, Level: 1}
}

// Class groups the students an instructor assigns missions to.
type Class struct {
	ID           ClassID   `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Grade        string    `json:"grade,omitempty" db:"grade"`
	SchoolYear   int       `json:"school_year,omitempty" db:"school_year"`
	InstructorID UserID    `json:"instructor_id,omitempty" db:"instructor_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Enrollment places a student in a class.
type Enrollment struct {
	ClassID    ClassID   `json:"class_id" db:"class_id"`
	UserID     UserID    `json:"user_id" db:"user_id"`
	EnrolledAt time.Time `json:"enrolled_at" db:"enrolled_at"`
}

// Mission is a unit of work assigned to every student of a class. A mission
// without a ClassID is open to every student.
type Mission struct {
	ID              MissionID   `json:"id" db:"id"`
	ClassID         ClassID     `json:"class_id" db:"class_id"`
	Title           string      `json:"title" db:"title"`
	Description     string      `json:"description" db:"description"`
	XP              int64       `json:"xp" db:"xp"`
	Kind            MissionKind `json:"kind" db:"kind"`
	Subject         string      `json:"subject,omitempty" db:"subject"`
	DurationMinutes int         `json:"duration_minutes,omitempty" db:"duration_minutes"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}

// SortMissions orders missions newest first, then by id.
func SortMissions(ms []Mission) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].ID < ms[j].ID
		}
		return ms[i].CreatedAt.After(ms[j].CreatedAt)
	})
}

// MissionCompletion records that a student finished a mission.
// There is at most one per (UserID, MissionID).
type MissionCompletion struct {
	UserID      UserID    `json:"user_id" db:"user_id"`
	MissionID   MissionID `json:"mission_id" db:"mission_id"`
	Graded      bool      `json:"graded" db:"graded"`
	Correct     bool      `json:"correct" db:"correct"`
	CompletedOn Date      `json:"completed_on" db:"completed_on"`
	CompletedAt time.Time `json:"completed_at" db:"completed_at"`
}

// BadgeGrant is a badge owned by a student. Grants are never revoked.
type BadgeGrant struct {
	UserID    UserID    `json:"user_id" db:"user_id"`
	BadgeID   BadgeID   `json:"badge_id" db:"badge_id"`
	GrantedAt time.Time `json:"granted_at" db:"granted_at"`
}

// AddSafe adds delta to base ensuring no signed overflow occurs.
func AddSafe(base int64, delta int64) (int64, error) {
	if (delta > 0 && base > math.MaxInt64-delta) || (delta < 0 && base < math.MinInt64-delta) {
		return 0, ErrOverflow
	}
	return base + delta, nil
}

// NormalizeUserID trims and lowercases user identifiers.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", ErrInvalidUser
	}
	return UserID(strings.ToLower(s)), nil
}

// ValidateSlug ensures a non-empty identifier made of letters, digits, dash and underscore.
func ValidateSlug(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("empty id")
	}
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			continue
		}
		return errors.New("invalid id")
	}
	return nil
}
