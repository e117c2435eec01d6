package gamify

import (
	"context"
	"sync/atomic"
	"testing"

	mem "xp360/adapters/memory"
	"xp360/core"
	"xp360/engine"
	"xp360/leaderboard"
	"xp360/realtime"
)

func TestNewDefaultsAndOptions(t *testing.T) {
	hub := realtime.NewHub()
	board := leaderboard.NewSkipList()
	var seen atomic.Int32
	svc := New(
		WithRealtime(hub),
		WithStorage(mem.New()),
		WithLeaderboard(board),
		WithEventHandler(func(context.Context, core.Event) { seen.Add(1) }),
		WithDispatchMode(engine.DispatchSync),
	)
	defer svc.Close()

	_, ch := hub.Subscribe(8)

	out, err := svc.AddExperience(context.Background(), "alice", 150)
	if err != nil || out.Progress.Experience != 150 {
		t.Fatalf("add experience out=%+v err=%v", out, err)
	}

	// realtime bridge should receive event
	ev := <-ch
	if ev.UserID != "alice" || ev.Type != core.EventExperienceGained {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if e, ok := board.Get("alice"); !ok || e.Score != 150 {
		t.Fatalf("leaderboard not updated: %+v", e)
	}
	// experience_gained and level_up
	if seen.Load() != 2 {
		t.Fatalf("expected 2 handled events, got %d", seen.Load())
	}
}

func TestInMemoryDefaults(t *testing.T) {
	svc := New(WithDispatchMode(engine.DispatchSync))
	defer svc.Close()

	ctx := context.Background()
	if _, err := svc.CreateMission(ctx, core.Mission{ID: "m1", Title: "Read", XP: 40}); err != nil {
		t.Fatalf("create mission: %v", err)
	}
	out, err := svc.CompleteMission(ctx, "bob", "m1", nil)
	if err != nil {
		t.Fatalf("complete mission: %v", err)
	}
	if out.XPGained != 40 || len(out.NewBadges) != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	defs, err := svc.Badges(ctx)
	if err != nil || len(defs) == 0 {
		t.Fatalf("default catalog missing: %v", err)
	}
}
