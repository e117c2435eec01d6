package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"xp360/core"
)

// Hook receives domain events for KPI aggregation.
type Hook interface {
	OnEvent(ctx context.Context, e core.Event)
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

func weekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// DAU tracks daily active students: anyone who produced an event that day.
type DAU struct {
	mu   sync.Mutex
	days map[string]map[core.UserID]struct{}
}

func NewDAU() *DAU { return &DAU{days: map[string]map[core.UserID]struct{}{}} }

func (d *DAU) OnEvent(_ context.Context, e core.Event) {
	day := dayKey(e.Time)
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.days[day]
	if m == nil {
		m = map[core.UserID]struct{}{}
		d.days[day] = m
	}
	m[e.UserID] = struct{}{}
}

func (d *DAU) Count(day string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.days[day])
}

// Metrics aggregates class-wide engagement figures an instructor dashboard shows.
type Metrics struct {
	mu sync.RWMutex

	weekly  map[string]map[core.UserID]struct{}
	monthly map[string]map[core.UserID]struct{}

	xpByDay       map[string]int64
	missionsByDay map[string]int64
	answers       struct{ correct, incorrect int64 }

	levelUpsByDay map[string]int64
	// highest level seen per user, used for the distribution
	levels        map[core.UserID]int64

	badgesByDay  map[string]int64
	badgeHolders map[core.BadgeID]map[core.UserID]struct{}

	streakResets int64
	bestStreak   int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		weekly:        make(map[string]map[core.UserID]struct{}),
		monthly:       make(map[string]map[core.UserID]struct{}),
		xpByDay:       make(map[string]int64),
		missionsByDay: make(map[string]int64),
		levelUpsByDay: make(map[string]int64),
		levels:        make(map[core.UserID]int64),
		badgesByDay:   make(map[string]int64),
		badgeHolders:  make(map[core.BadgeID]map[core.UserID]struct{}),
	}
}

func (m *Metrics) OnEvent(_ context.Context, e core.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := dayKey(e.Time)
	addUser(m.weekly, weekKey(e.Time), e.UserID)
	addUser(m.monthly, monthKey(e.Time), e.UserID)

	switch e.Type {
	case core.EventExperienceGained:
		if e.Delta > 0 {
			m.xpByDay[day] += e.Delta
		}
	case core.EventMissionCompleted:
		m.missionsByDay[day]++
		if correct, ok := e.Metadata["correct"].(bool); ok {
			if correct {
				m.answers.correct++
			} else {
				m.answers.incorrect++
			}
		}
	case core.EventLevelUp:
		m.levelUpsByDay[day]++
		if e.Level > m.levels[e.UserID] {
			m.levels[e.UserID] = e.Level
		}
	case core.EventBadgeGranted:
		m.badgesByDay[day]++
		addUser(m.badgeHolders, string(e.Badge), e.UserID)
	case core.EventStreakUpdated:
		if e.Streak == core.StreakReset {
			m.streakResets++
		}
		if e.Total > m.bestStreak {
			m.bestStreak = e.Total
		}
	}
}

func addUser[K ~string](m map[K]map[core.UserID]struct{}, key string, user core.UserID) {
	set := m[K(key)]
	if set == nil {
		set = make(map[core.UserID]struct{})
		m[K(key)] = set
	}
	set[user] = struct{}{}
}

func (m *Metrics) WeeklyActive(week string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.weekly[week])
}

func (m *Metrics) MonthlyActive(month string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.monthly[month])
}

func (m *Metrics) XPByDay(day string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.xpByDay[day]
}

func (m *Metrics) BadgeHolders(badge core.BadgeID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.badgeHolders[badge])
}

// Summary is a point-in-time copy of the aggregated figures.
type Summary struct {
	Day               string               `json:"day"`
	XPAwarded         int64                `json:"xp_awarded"`
	MissionsCompleted int64                `json:"missions_completed"`
	LevelUps          int64                `json:"level_ups"`
	BadgesGranted     int64                `json:"badges_granted"`
	WeeklyActive      int                  `json:"weekly_active"`
	MonthlyActive     int                  `json:"monthly_active"`
	AnswerAccuracy    int                  `json:"answer_accuracy"`
	StreakResets      int64                `json:"streak_resets"`
	BestStreak        int64                `json:"best_streak"`
	LevelDistribution map[int64]int        `json:"level_distribution"`
	BadgeHolders      map[core.BadgeID]int `json:"badge_holders"`
}

// Summarize reports the figures for the day containing at.
func (m *Metrics) Summarize(at time.Time) Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	day := dayKey(at)
	s := Summary{
		Day:               day,
		XPAwarded:         m.xpByDay[day],
		MissionsCompleted: m.missionsByDay[day],
		LevelUps:          m.levelUpsByDay[day],
		BadgesGranted:     m.badgesByDay[day],
		WeeklyActive:      len(m.weekly[weekKey(at)]),
		MonthlyActive:     len(m.monthly[monthKey(at)]),
		StreakResets:      m.streakResets,
		BestStreak:        m.bestStreak,
		LevelDistribution: make(map[int64]int),
		BadgeHolders:      make(map[core.BadgeID]int, len(m.badgeHolders)),
	}
	if total := m.answers.correct + m.answers.incorrect; total > 0 {
		s.AnswerAccuracy = int(m.answers.correct * 100 / total)
	}
	for _, lvl := range m.levels {
		s.LevelDistribution[lvl]++
	}
	for badge, holders := range m.badgeHolders {
		s.BadgeHolders[badge] = len(holders)
	}
	return s
}
