package engine

import (
	"context"

	"xp360/core"
)

// Storage abstracts persistence for progression state.
// GetProgress returns core.NewProgress for unknown users rather than an error.
// PutMission and PutClass never overwrite: they return core.ErrConflict when
// the id is taken. Enroll and GrantBadge are idempotent: created is false when
// the row already existed and nothing was written.
type Storage interface {
	GetProgress(ctx context.Context, user core.UserID) (core.UserProgress, error)
	SaveProgress(ctx context.Context, p core.UserProgress) error
	// ListProgress returns every stored progress record; used to seed rankings.
	ListProgress(ctx context.Context) ([]core.UserProgress, error)

	PutClass(ctx context.Context, c core.Class) error
	GetClass(ctx context.Context, id core.ClassID) (core.Class, error)
	Enroll(ctx context.Context, e core.Enrollment) (created bool, err error)
	// Members returns the students of class ordered by user id.
	Members(ctx context.Context, class core.ClassID) ([]core.UserID, error)
	// ClassesOf returns the classes user is enrolled in, ordered by id.
	ClassesOf(ctx context.Context, user core.UserID) ([]core.ClassID, error)

	PutMission(ctx context.Context, m core.Mission) error
	GetMission(ctx context.Context, id core.MissionID) (core.Mission, error)
	// ClassMissions returns the missions of class, newest first.
	ClassMissions(ctx context.Context, class core.ClassID) ([]core.Mission, error)

	// CommitCompletion records c and, in the same atomic step, replaces the
	// user's progress with apply(stored progress). When the user already
	// completed the mission nothing is written and the stored progress is
	// returned with created false. An error from apply or from the write
	// leaves both the completion and the progress untouched. A nil apply
	// records the completion only.
	CommitCompletion(ctx context.Context, c core.MissionCompletion, apply func(core.UserProgress) (core.UserProgress, error)) (p core.UserProgress, created bool, err error)
	CountCompletions(ctx context.Context, user core.UserID) (int64, error)
	// Completions returns every completion of user, oldest first.
	Completions(ctx context.Context, user core.UserID) ([]core.MissionCompletion, error)
	// RecentGraded returns up to limit graded completions, newest first.
	RecentGraded(ctx context.Context, user core.UserID, limit int) ([]core.MissionCompletion, error)

	GrantBadge(ctx context.Context, g core.BadgeGrant) (created bool, err error)
	Grants(ctx context.Context, user core.UserID) ([]core.BadgeGrant, error)
}

// Catalog is a read-only snapshot of badge definitions.
type Catalog interface {
	Badges(ctx context.Context) ([]core.BadgeDefinition, error)
}
