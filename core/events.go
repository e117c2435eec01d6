package core

import "time"

// EventType enumerates domain events.
type EventType string

const (
	EventExperienceGained EventType = "experience_gained"
	EventLevelUp          EventType = "level_up"
	EventStreakUpdated    EventType = "streak_updated"
	EventBadgeGranted     EventType = "badge_granted"
	EventMissionCompleted EventType = "mission_completed"
)

// EventTypes lists every event type the service publishes.
var EventTypes = []EventType{
	EventExperienceGained,
	EventLevelUp,
	EventStreakUpdated,
	EventBadgeGranted,
	EventMissionCompleted,
}

// Event represents an immutable domain event.
type Event struct {
	Type     EventType        `json:"type"`
	Time     time.Time        `json:"time"`
	UserID   UserID           `json:"user_id"`
	Delta    int64            `json:"delta,omitempty"`
	Total    int64            `json:"total,omitempty"`
	Level    int64            `json:"level,omitempty"`
	Streak   StreakChangeKind `json:"streak,omitempty"`
	Badge    BadgeID          `json:"badge,omitempty"`
	Mission  MissionID        `json:"mission,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

func NewExperienceGained(user UserID, delta int64, total int64) Event {
	return Event{Type: EventExperienceGained, Time: time.Now().UTC(), UserID: user, Delta: delta, Total: total}
}

func NewLevelUp(user UserID, level int64) Event {
	return Event{Type: EventLevelUp, Time: time.Now().UTC(), UserID: user, Level: level}
}

func NewStreakUpdated(user UserID, change StreakChange) Event {
	return Event{Type: EventStreakUpdated, Time: time.Now().UTC(), UserID: user, Streak: change.Kind, Total: change.After}
}

func NewBadgeGranted(user UserID, badge BadgeID) Event {
	return Event{Type: EventBadgeGranted, Time: time.Now().UTC(), UserID: user, Badge: badge}
}

func NewMissionCompleted(user UserID, mission MissionID, correct *bool) Event {
	ev := Event{Type: EventMissionCompleted, Time: time.Now().UTC(), UserID: user, Mission: mission}
	if correct != nil {
		ev.Metadata = map[string]any{"correct": *correct}
	}
	return ev
}
