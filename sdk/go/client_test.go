package sdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xp360/api/httpapi"
	"xp360/core"
	"xp360/engine"
	"xp360/gamify"
	"xp360/leaderboard"
	"xp360/realtime"
)

// newTestServer runs the real HTTP API over an in-memory service.
func newTestServer(t *testing.T) (*httptest.Server, *realtime.Hub) {
	t.Helper()
	hub := realtime.NewHub()
	board := leaderboard.NewSkipList()
	svc := gamify.New(
		gamify.WithDispatchMode(engine.DispatchSync),
		gamify.WithRealtime(hub),
		gamify.WithLeaderboard(board),
	)
	srv := httptest.NewServer(httpapi.NewMux(svc, hub, httpapi.Options{
		PathPrefix: "/api",
		APIKeys:    []string{"k1"},
		Board:      board,
	}))
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
	})
	return srv, hub
}

func TestClient_ProgressionFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	client, err := NewClient(srv.URL+"/api/", WithAPIKey("k1"))
	require.NoError(t, err)
	ctx := context.Background()

	m, err := client.CreateMission(ctx, core.Mission{Title: "Quiz", XP: 120, Kind: core.MissionQuestion})
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)

	got, err := client.GetMission(ctx, string(m.ID))
	require.NoError(t, err)
	assert.Equal(t, "Quiz", got.Title)

	_, err = client.CompleteMission(ctx, "alice", string(m.ID), nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "answer_required", apiErr.Code)

	correct := true
	out, err := client.CompleteMission(ctx, "alice", string(m.ID), &correct)
	require.NoError(t, err)
	assert.Equal(t, int64(120), out.XPGained)
	assert.True(t, out.LeveledUp)
	assert.Equal(t, int64(2), out.Progress.Level)

	access, err := client.RecordAccess(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), access.Progress.CurrentStreak)

	xp, err := client.AddExperience(ctx, "alice", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(150), xp.Progress.Experience)

	dash, err := client.Dashboard(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), dash.MissionsCompleted)
	assert.Equal(t, 50, dash.LevelPercent)

	badges, err := client.Badges(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, badges, 1)
	assert.Equal(t, core.BadgeID("first-mission"), badges[0].BadgeID)

	progress, err := client.BadgeProgress(ctx, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, progress)

	catalog, err := client.Catalog(ctx)
	require.NoError(t, err)
	assert.Len(t, catalog, 10)

	ranking, err := client.Ranking(ctx, 5)
	require.NoError(t, err)
	require.Len(t, ranking, 1)
	assert.Equal(t, core.UserID("alice"), ranking[0].User)

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}

func TestClient_Classes(t *testing.T) {
	srv, _ := newTestServer(t)
	client, err := NewClient(srv.URL+"/api", WithAPIKey("k1"))
	require.NoError(t, err)
	ctx := context.Background()

	class, err := client.CreateClass(ctx, core.Class{Name: "Turma B", Grade: "8", SchoolYear: 2025})
	require.NoError(t, err)
	assert.Equal(t, core.ClassID("turma-b"), class.ID)

	got, err := client.GetClass(ctx, "turma-b")
	require.NoError(t, err)
	assert.Equal(t, "8", got.Grade)

	_, err = client.CreateClass(ctx, core.Class{Name: "Turma B"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	m, err := client.CreateMission(ctx, core.Mission{ClassID: class.ID, Title: "Essay", XP: 80})
	require.NoError(t, err)
	assert.Equal(t, class.ID, m.ClassID)

	_, err = client.CompleteMission(ctx, "zoe", string(m.ID), nil)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "not_enrolled", apiErr.Code)

	e, created, err := client.Enroll(ctx, "turma-b", "zoe")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, core.UserID("zoe"), e.UserID)

	dash, err := client.Dashboard(ctx, "zoe")
	require.NoError(t, err)
	assert.Equal(t, 1, dash.Pending)

	_, err = client.CompleteMission(ctx, "zoe", string(m.ID), nil)
	require.NoError(t, err)

	report, err := client.ClassReport(ctx, "turma-b")
	require.NoError(t, err)
	require.Len(t, report.Students, 1)
	assert.Equal(t, 100, report.Students[0].Percent)
	assert.Equal(t, int64(80), report.Students[0].Experience)

	_, err = client.ClassReport(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyClassID)
}

func TestClient_Errors(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	anon, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)
	_, err = anon.Dashboard(ctx, "alice")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	client, err := NewClient(srv.URL+"/api", WithAuthToken("k1"))
	require.NoError(t, err)
	_, err = client.Dashboard(ctx, " ")
	assert.ErrorIs(t, err, ErrEmptyUserID)
	_, err = client.GetMission(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyMissionID)
	_, err = client.GetMission(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = NewClient("  ")
	assert.Error(t, err)
}

func TestClient_SubscribeEvents(t *testing.T) {
	srv, hub := newTestServer(t)

	client, err := NewClient(srv.URL+"/api", WithAPIKey("k1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := client.SubscribeEvents(ctx, "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 10*time.Millisecond)

	_, err = client.AddExperience(ctx, "bob", 10)
	require.NoError(t, err)
	_, err = client.AddExperience(ctx, "alice", 20)
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.Equal(t, core.EventExperienceGained, evt.Type)
		assert.Equal(t, core.UserID("alice"), evt.UserID)
		assert.Equal(t, int64(20), evt.Total)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestDeriveWSURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/api/ws", deriveWSURL("http://localhost:8080/api"))
	assert.Equal(t, "wss://xp.example.com/ws", deriveWSURL("https://xp.example.com"))
}
