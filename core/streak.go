package core

// StreakChangeKind describes what an activity did to the day streak.
type StreakChangeKind string

const (
	StreakStarted   StreakChangeKind = "started"
	StreakContinued StreakChangeKind = "continued"
	StreakReset     StreakChangeKind = "reset"
	StreakUnchanged StreakChangeKind = "unchanged"
)

// StreakChange is returned with every streak update so callers can notify the student.
type StreakChange struct {
	Kind   StreakChangeKind `json:"kind"`
	Before int64            `json:"before"`
	After  int64            `json:"after"`
}

// UpdateStreak advances the day streak for an activity on today. The streak
// is keyed on LastActivity, which every trigger (dashboard access or mission
// completion) moves, so two triggers on the same day count once.
func UpdateStreak(p UserProgress, today Date) (UserProgress, StreakChange) {
	change := StreakChange{Before: p.CurrentStreak}
	last := p.LastActivity

	switch {
	case last.IsZero():
		p.CurrentStreak = 1
		change.Kind = StreakStarted
	case !last.Before(today):
		// same day, or a stored date ahead of the clock
		change.Kind = StreakUnchanged
		change.After = p.CurrentStreak
		return p, change
	case last == today.AddDays(-1):
		p.CurrentStreak++
		change.Kind = StreakContinued
	default:
		p.CurrentStreak = 1
		change.Kind = StreakReset
	}

	if p.CurrentStreak > p.BestStreak {
		p.BestStreak = p.CurrentStreak
	}
	p.LastActivity = today
	change.After = p.CurrentStreak
	return p, change
}

// UpdateMissionStreak is UpdateStreak for the mission-completed trigger; it
// also records the day of the latest completion.
func UpdateMissionStreak(p UserProgress, today Date) (UserProgress, StreakChange) {
	p, change := UpdateStreak(p, today)
	if p.LastMissionCompletion.Before(today) {
		p.LastMissionCompletion = today
	}
	return p, change
}

// StreakTitle names the tier a streak has reached.
func StreakTitle(streak int64) string {
	switch {
	case streak >= 100:
		return "Legendary"
	case streak >= 30:
		return "Dedicated"
	case streak >= 7:
		return "Consistent"
	case streak >= 3:
		return "Studious"
	default:
		return "Beginner"
	}
}
