package sqlx_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	storage "xp360/adapters/sqlx"
	"xp360/core"
)

func newSQLiteStore(t *testing.T) *storage.Store {
	t.Helper()
	cfg := storage.DefaultConfig()
	cfg.DSN = "file:" + t.Name() + "?mode=memory&cache=shared"
	store, err := storage.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	// a second run must be a no-op
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestSQLite_RoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	today := core.Date{Year: 2025, Month: time.April, Day: 14}
	at := time.Date(2025, 4, 14, 8, 0, 0, 0, time.UTC)

	p := core.NewProgress("alice")
	p.Experience = 320
	p.Level = 4
	p.CurrentStreak = 2
	p.BestStreak = 2
	p.LastActivity = today
	p.Updated = at
	require.NoError(t, store.SaveProgress(ctx, p))

	p.Experience = 350
	require.NoError(t, store.SaveProgress(ctx, p))

	got, err := store.GetProgress(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(350), got.Experience)
	require.Equal(t, today, got.LastActivity)
	require.True(t, got.LastMissionCompletion.IsZero())

	m := core.Mission{ID: "q1", Title: "Fractions", XP: 20, Kind: core.MissionQuestion, CreatedAt: at}
	require.NoError(t, store.PutMission(ctx, m))
	gotM, err := store.GetMission(ctx, "q1")
	require.NoError(t, err)
	require.Equal(t, m.Title, gotM.Title)
	require.Equal(t, core.MissionQuestion, gotM.Kind)

	require.ErrorIs(t, store.PutMission(ctx, core.Mission{ID: "q1", Title: "Other", XP: 99, Kind: core.MissionTask, CreatedAt: at}), core.ErrConflict)
	gotM, err = store.GetMission(ctx, "q1")
	require.NoError(t, err)
	require.Equal(t, int64(20), gotM.XP)

	for i, correct := range []bool{false, true, true} {
		_, created, err := store.CommitCompletion(ctx, core.MissionCompletion{
			UserID:      "alice",
			MissionID:   core.MissionID([]string{"q1", "q2", "q3"}[i]),
			Graded:      true,
			Correct:     correct,
			CompletedOn: today,
			CompletedAt: at.Add(time.Duration(i) * time.Minute),
		}, nil)
		require.NoError(t, err)
		require.True(t, created)
	}
	_, created, err := store.CommitCompletion(ctx, core.MissionCompletion{UserID: "alice", MissionID: "q1", CompletedOn: today, CompletedAt: at}, nil)
	require.NoError(t, err)
	require.False(t, created)

	n, err := store.CountCompletions(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	recent, err := store.RecentGraded(ctx, "alice", 20)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, core.MissionID("q3"), recent[0].MissionID)
	require.Equal(t, int64(2), core.ConsecutiveCorrect(recent))

	created, err = store.GrantBadge(ctx, core.BadgeGrant{UserID: "alice", BadgeID: "first-mission", GrantedAt: at})
	require.NoError(t, err)
	require.True(t, created)
	created, err = store.GrantBadge(ctx, core.BadgeGrant{UserID: "alice", BadgeID: "first-mission", GrantedAt: at})
	require.NoError(t, err)
	require.False(t, created)

	grants, err := store.Grants(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, grants, 1)
}

func TestSQLite_CommitCompletionRollsBack(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	c := core.MissionCompletion{
		UserID:      "bob",
		MissionID:   "m1",
		CompletedOn: core.Date{Year: 2025, Month: time.April, Day: 14},
		CompletedAt: time.Date(2025, 4, 14, 8, 0, 0, 0, time.UTC),
	}

	_, _, err := store.CommitCompletion(ctx, c, func(core.UserProgress) (core.UserProgress, error) {
		return core.UserProgress{}, errors.New("boom")
	})
	require.Error(t, err)
	n, err := store.CountCompletions(ctx, "bob")
	require.NoError(t, err)
	require.Zero(t, n)

	p, created, err := store.CommitCompletion(ctx, c, func(p core.UserProgress) (core.UserProgress, error) {
		p.Experience += 150
		p.Level = 2
		return p, nil
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(150), p.Experience)

	got, err := store.GetProgress(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, int64(150), got.Experience)

	done, err := store.Completions(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Equal(t, core.MissionID("m1"), done[0].MissionID)
}

func TestSQLite_Classes(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	at := time.Date(2025, 2, 3, 9, 0, 0, 0, time.UTC)

	class := core.Class{ID: "turma-a", Name: "Turma A", Grade: "7", SchoolYear: 2025, InstructorID: "prof", CreatedAt: at}
	require.NoError(t, store.PutClass(ctx, class))
	require.ErrorIs(t, store.PutClass(ctx, class), core.ErrConflict)

	got, err := store.GetClass(ctx, "turma-a")
	require.NoError(t, err)
	require.Equal(t, "Turma A", got.Name)
	require.Equal(t, 2025, got.SchoolYear)
	_, err = store.GetClass(ctx, "nope")
	require.ErrorIs(t, err, core.ErrNotFound)

	for _, u := range []core.UserID{"carol", "alice"} {
		created, err := store.Enroll(ctx, core.Enrollment{ClassID: "turma-a", UserID: u, EnrolledAt: at})
		require.NoError(t, err)
		require.True(t, created)
	}
	created, err := store.Enroll(ctx, core.Enrollment{ClassID: "turma-a", UserID: "alice", EnrolledAt: at})
	require.NoError(t, err)
	require.False(t, created)

	members, err := store.Members(ctx, "turma-a")
	require.NoError(t, err)
	require.Equal(t, []core.UserID{"alice", "carol"}, members)

	classes, err := store.ClassesOf(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []core.ClassID{"turma-a"}, classes)

	require.NoError(t, store.PutMission(ctx, core.Mission{ID: "m1", ClassID: "turma-a", Title: "Quiz", XP: 20, Kind: core.MissionQuestion, CreatedAt: at}))
	require.NoError(t, store.PutMission(ctx, core.Mission{ID: "m2", ClassID: "turma-a", Title: "Essay", XP: 30, Kind: core.MissionTask, CreatedAt: at.Add(time.Hour)}))
	require.NoError(t, store.PutMission(ctx, core.Mission{ID: "m3", Title: "Open", XP: 5, Kind: core.MissionTask, CreatedAt: at}))

	ms, err := store.ClassMissions(ctx, "turma-a")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	require.Equal(t, core.MissionID("m2"), ms[0].ID)
	require.Equal(t, core.MissionID("m1"), ms[1].ID)
}
