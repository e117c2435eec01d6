package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"xp360/core"
)

func TestStorePersistAndLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	store, err := New(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	today := core.Date{Year: 2025, Month: time.April, Day: 14}
	p := core.NewProgress("alice")
	p.Experience = 250
	p.Level = 3
	p.CurrentStreak = 2
	p.LastActivity = today
	if err := store.SaveProgress(ctx, p); err != nil {
		t.Fatalf("save progress: %v", err)
	}
	if err := store.PutMission(ctx, core.Mission{ID: "m1", ClassID: "turma-a", Title: "Essay", XP: 50, Kind: core.MissionTask}); err != nil {
		t.Fatalf("put mission: %v", err)
	}
	if err := store.PutMission(ctx, core.Mission{ID: "m1", Title: "Overwrite", XP: 999}); err != core.ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := store.PutClass(ctx, core.Class{ID: "turma-a", Name: "7A"}); err != nil {
		t.Fatalf("put class: %v", err)
	}
	if created, err := store.Enroll(ctx, core.Enrollment{ClassID: "turma-a", UserID: "alice"}); err != nil || !created {
		t.Fatalf("enroll: created=%v err=%v", created, err)
	}
	_, created, err := store.CommitCompletion(ctx, core.MissionCompletion{UserID: "alice", MissionID: "m1", CompletedOn: today}, nil)
	if err != nil || !created {
		t.Fatalf("record completion: created=%v err=%v", created, err)
	}
	_, created, err = store.CommitCompletion(ctx, core.MissionCompletion{UserID: "alice", MissionID: "m1", CompletedOn: today}, nil)
	if err != nil || created {
		t.Fatalf("duplicate completion: created=%v err=%v", created, err)
	}
	if created, err := store.GrantBadge(ctx, core.BadgeGrant{UserID: "alice", BadgeID: "first-mission"}); err != nil || !created {
		t.Fatalf("grant badge: created=%v err=%v", created, err)
	}

	// ensure file written
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file at %s", path)
	}

	// reload
	reloaded, err := New(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	got, err := reloaded.GetProgress(ctx, "alice")
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if got.Experience != 250 || got.Level != 3 || got.LastActivity != today {
		t.Fatalf("unexpected progress after reload: %+v", got)
	}
	if m, err := reloaded.GetMission(ctx, "m1"); err != nil || m.XP != 50 {
		t.Fatalf("get mission: %+v %v", m, err)
	}
	if c, err := reloaded.GetClass(ctx, "turma-a"); err != nil || c.Name != "7A" {
		t.Fatalf("get class: %+v %v", c, err)
	}
	if classes, _ := reloaded.ClassesOf(ctx, "alice"); len(classes) != 1 || classes[0] != "turma-a" {
		t.Fatalf("unexpected classes %v", classes)
	}
	if ms, _ := reloaded.ClassMissions(ctx, "turma-a"); len(ms) != 1 || ms[0].ID != "m1" {
		t.Fatalf("unexpected class missions %v", ms)
	}
	if n, _ := reloaded.CountCompletions(ctx, "alice"); n != 1 {
		t.Fatalf("expected 1 completion, got %d", n)
	}
	grants, _ := reloaded.Grants(ctx, "alice")
	if len(grants) != 1 || grants[0].BadgeID != "first-mission" {
		t.Fatalf("expected first-mission grant, got %+v", grants)
	}
	all, err := reloaded.ListProgress(ctx)
	if err != nil || len(all) != 1 || all[0].UserID != "alice" {
		t.Fatalf("unexpected progress list %v %v", all, err)
	}
}

func TestStoreRecentGraded(t *testing.T) {
	ctx := context.Background()
	store, err := New(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	steps := []core.MissionCompletion{
		{UserID: "bob", MissionID: "q1", Graded: true, Correct: false},
		{UserID: "bob", MissionID: "t1"},
		{UserID: "bob", MissionID: "q2", Graded: true, Correct: true},
		{UserID: "bob", MissionID: "q3", Graded: true, Correct: true},
	}
	for _, c := range steps {
		if _, _, err := store.CommitCompletion(ctx, c, nil); err != nil {
			t.Fatal(err)
		}
	}
	recent, err := store.RecentGraded(ctx, "bob", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 || recent[0].MissionID != "q3" || recent[2].MissionID != "q1" {
		t.Fatalf("unexpected order %+v", recent)
	}
	if got := core.ConsecutiveCorrect(recent); got != 2 {
		t.Fatalf("expected 2 consecutive, got %d", got)
	}
	if _, err := store.GetMission(ctx, "nope"); err != core.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreCommitCompletionRollsBackOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	good := filepath.Join(dir, "state.json")
	store, err := New(good)
	if err != nil {
		t.Fatal(err)
	}
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	addXP := func(p core.UserProgress) (core.UserProgress, error) {
		p.Experience += 150
		return p, nil
	}
	c := core.MissionCompletion{UserID: "alice", MissionID: "m1"}

	// the parent of the state file is a regular file, so the write fails
	store.path = filepath.Join(blocker, "state.json")
	if _, _, err := store.CommitCompletion(ctx, c, addXP); err == nil {
		t.Fatal("expected write failure")
	}
	if n, _ := store.CountCompletions(ctx, "alice"); n != 0 {
		t.Fatalf("completion kept after failed write: %d", n)
	}
	if p, _ := store.GetProgress(ctx, "alice"); p.Experience != 0 {
		t.Fatalf("progress kept after failed write: %+v", p)
	}

	store.path = good
	p, created, err := store.CommitCompletion(ctx, c, addXP)
	if err != nil || !created || p.Experience != 150 {
		t.Fatalf("retry: p=%+v created=%v err=%v", p, created, err)
	}
}
