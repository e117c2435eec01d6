package core

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completions(pattern ...bool) []MissionCompletion {
	out := make([]MissionCompletion, len(pattern))
	for i, ok := range pattern {
		out[i] = MissionCompletion{Graded: true, Correct: ok}
	}
	return out
}

func TestConsecutiveCorrectStopsAtFirstMiss(t *testing.T) {
	assert.Equal(t, int64(0), ConsecutiveCorrect(nil))
	assert.Equal(t, int64(0), ConsecutiveCorrect(completions(false, true, true)))
	assert.Equal(t, int64(2), ConsecutiveCorrect(completions(true, true, false, true, true, true)))
	assert.Equal(t, int64(3), ConsecutiveCorrect(completions(true, true, true)))
}

func TestConsecutiveCorrectBoundedByWindow(t *testing.T) {
	all := make([]bool, RecentAnswerWindow+15)
	for i := range all {
		all[i] = true
	}
	assert.Equal(t, int64(RecentAnswerWindow), ConsecutiveCorrect(completions(all...)))
}

var catalog = []BadgeDefinition{
	{ID: "first_mission", Category: CategoryMissionCount, Threshold: 1},
	{ID: "ten_missions", Category: CategoryMissionCount, Threshold: 10},
	{ID: "week_streak", Category: CategoryStreakLength, Threshold: 7},
	{ID: "level_5", Category: CategoryLevel, Threshold: 5},
	{ID: "sharp_5", Category: CategoryConsecutiveCorrect, Threshold: 5},
}

func TestEligible(t *testing.T) {
	got := Eligible(catalog, Metrics{MissionsCompleted: 3, CurrentStreak: 7, Level: 2, ConsecutiveCorrect: 5})

	ids := make([]BadgeID, 0, len(got))
	for _, d := range got {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []BadgeID{"first_mission", "week_streak", "sharp_5"}, ids)
}

func TestEligibleNothing(t *testing.T) {
	assert.Empty(t, Eligible(catalog, Metrics{Level: 1}))
}

func TestMetricsValue(t *testing.T) {
	m := Metrics{MissionsCompleted: 1, CurrentStreak: 2, Level: 3, ConsecutiveCorrect: 4}
	assert.Equal(t, int64(1), m.Value(CategoryMissionCount))
	assert.Equal(t, int64(2), m.Value(CategoryStreakLength))
	assert.Equal(t, int64(3), m.Value(CategoryLevel))
	assert.Equal(t, int64(4), m.Value(CategoryConsecutiveCorrect))
	assert.Equal(t, int64(0), m.Value("unknown"))
}

func TestProgress(t *testing.T) {
	defs := append([]BadgeDefinition{{ID: "free", Category: CategoryLevel, Threshold: 0}}, catalog...)
	granted := map[BadgeID]struct{}{"first_mission": {}}
	m := Metrics{MissionsCompleted: 3, CurrentStreak: 14, Level: 2, ConsecutiveCorrect: 1}

	got := Progress(defs, granted, m)
	byID := map[BadgeID]BadgeProgress{}
	for _, p := range got {
		byID[p.Badge.ID] = p
	}

	require.Len(t, got, len(defs)-1)
	assert.NotContains(t, byID, BadgeID("first_mission"))
	assert.Equal(t, 0, byID["free"].Percent)
	assert.Equal(t, 30, byID["ten_missions"].Percent)
	assert.Equal(t, int64(3), byID["ten_missions"].Current)
	assert.Equal(t, int64(10), byID["ten_missions"].Required)
	assert.Equal(t, 100, byID["week_streak"].Percent)
	assert.Equal(t, 40, byID["level_5"].Percent)
	assert.Equal(t, 20, byID["sharp_5"].Percent)
}

func TestPercentFloors(t *testing.T) {
	assert.Equal(t, 33, Percent(1, 3))
	assert.Equal(t, 66, Percent(2, 3))
	assert.Equal(t, 100, Percent(9, 3))
	assert.Equal(t, 0, Percent(5, 0))
}

func TestPercentWithHugeThreshold(t *testing.T) {
	assert.Equal(t, 50, Percent(math.MaxInt64/2, math.MaxInt64-1))
	assert.Equal(t, 99, Percent(math.MaxInt64-1, math.MaxInt64))

	defs := []BadgeDefinition{{ID: "marathon", Category: CategoryMissionCount, Threshold: math.MaxInt64}}
	got := Progress(defs, nil, Metrics{MissionsCompleted: math.MaxInt64 / 4})
	require.Len(t, got, 1)
	assert.Equal(t, 24, got[0].Percent)
}

func TestBadgeDefinitionValidate(t *testing.T) {
	require.NoError(t, BadgeDefinition{ID: "ok", Category: CategoryLevel, Threshold: 3}.Validate())
	assert.Error(t, BadgeDefinition{ID: "", Category: CategoryLevel}.Validate())
	assert.Error(t, BadgeDefinition{ID: "x", Category: "points"}.Validate())
	assert.Error(t, BadgeDefinition{ID: "x", Category: CategoryLevel, Threshold: -1}.Validate())
}
