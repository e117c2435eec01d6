// Package leaderboard keeps the XP ranking of students.
package leaderboard

import (
	"context"

	"xp360/core"
)

// Entry is one student's position on the board.
type Entry struct {
	User  core.UserID `json:"user_id"`
	Score int64       `json:"experience"`
	Rank  int         `json:"rank"`
}

// Board abstracts leaderboard operations. Ties are broken by user id.
type Board interface {
	Update(user core.UserID, score int64)
	// Raise sets user's score only when it is above the current one and
	// reports whether the board changed.
	Raise(user core.UserID, score int64) bool
	Remove(user core.UserID)
	TopN(n int) []Entry
	Get(user core.UserID) (Entry, bool)
	Len() int
}

// Seed loads every stored progress record onto b.
func Seed(b Board, all []core.UserProgress) {
	for _, p := range all {
		b.Update(p.UserID, p.Experience)
	}
}

// OnEvent returns an event bus handler that keeps b in sync with
// experience_gained events, whose Total carries the new XP. Experience never
// decreases, so a total older than the one on the board is ignored; async
// workers may deliver a user's events out of order.
func OnEvent(b Board) func(context.Context, core.Event) {
	return func(_ context.Context, ev core.Event) {
		if ev.Type == core.EventExperienceGained {
			b.Raise(ev.UserID, ev.Total)
		}
	}
}
