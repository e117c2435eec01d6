package core

import "fmt"

// RecentAnswerWindow bounds how many graded completions are scanned when
// computing the current correct-answer streak.
const RecentAnswerWindow = 20

// BadgeCategory names the metric a badge threshold is compared against.
type BadgeCategory string

const (
	CategoryMissionCount       BadgeCategory = "mission_count"
	CategoryStreakLength       BadgeCategory = "streak_length"
	CategoryLevel              BadgeCategory = "level"
	CategoryConsecutiveCorrect BadgeCategory = "consecutive_correct"
)

// Categories lists every category in evaluation order.
var Categories = []BadgeCategory{
	CategoryMissionCount,
	CategoryStreakLength,
	CategoryLevel,
	CategoryConsecutiveCorrect,
}

// Valid reports whether c is a known category.
func (c BadgeCategory) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// BadgeDefinition is immutable reference data describing one badge.
type BadgeDefinition struct {
	ID          BadgeID       `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description"`
	Icon        string        `json:"icon,omitempty" yaml:"icon"`
	Category    BadgeCategory `json:"category" yaml:"category"`
	Threshold   int64         `json:"threshold" yaml:"threshold"`
}

// Validate checks the definition can be evaluated.
func (d BadgeDefinition) Validate() error {
	if err := ValidateSlug(string(d.ID)); err != nil {
		return fmt.Errorf("badge %q: %w", d.ID, err)
	}
	if !d.Category.Valid() {
		return fmt.Errorf("badge %q: unknown category %q", d.ID, d.Category)
	}
	if d.Threshold < 0 {
		return fmt.Errorf("badge %q: threshold must not be negative", d.ID)
	}
	return nil
}

// Metrics holds a student's current value for every badge category.
type Metrics struct {
	MissionsCompleted  int64 `json:"missions_completed"`
	CurrentStreak      int64 `json:"current_streak"`
	Level              int64 `json:"level"`
	ConsecutiveCorrect int64 `json:"consecutive_correct"`
}

// Value returns the metric compared against badges of category c.
func (m Metrics) Value(c BadgeCategory) int64 {
	switch c {
	case CategoryMissionCount:
		return m.MissionsCompleted
	case CategoryStreakLength:
		return m.CurrentStreak
	case CategoryLevel:
		return m.Level
	case CategoryConsecutiveCorrect:
		return m.ConsecutiveCorrect
	default:
		return 0
	}
}

// ConsecutiveCorrect counts correct answers at the head of recent, which must
// be graded completions ordered newest first. The scan stops at the first
// incorrect answer and never looks past RecentAnswerWindow entries.
func ConsecutiveCorrect(recent []MissionCompletion) int64 {
	var n int64
	for i, c := range recent {
		if i == RecentAnswerWindow || !c.Correct {
			break
		}
		n++
	}
	return n
}

// Eligible returns the definitions whose threshold the metrics reach, grouped
// by category in Categories order and in catalog order within a category.
func Eligible(defs []BadgeDefinition, m Metrics) []BadgeDefinition {
	var out []BadgeDefinition
	for _, c := range Categories {
		value := m.Value(c)
		for _, d := range defs {
			if d.Category == c && d.Threshold <= value {
				out = append(out, d)
			}
		}
	}
	return out
}

// BadgeProgress reports how close a student is to a badge they do not own.
type BadgeProgress struct {
	Badge    BadgeDefinition `json:"badge"`
	Current  int64           `json:"current"`
	Required int64           `json:"required"`
	Percent  int             `json:"percent"`
}

// Progress lists progress toward every definition not in granted.
func Progress(defs []BadgeDefinition, granted map[BadgeID]struct{}, m Metrics) []BadgeProgress {
	out := make([]BadgeProgress, 0, len(defs))
	for _, d := range defs {
		if _, ok := granted[d.ID]; ok {
			continue
		}
		current := m.Value(d.Category)
		out = append(out, BadgeProgress{
			Badge:    d,
			Current:  current,
			Required: d.Threshold,
			Percent:  Percent(current, d.Threshold),
		})
	}
	return out
}
