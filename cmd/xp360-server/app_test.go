package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xp360/config"
)

func TestBuildAppSeedsRankingFromStorage(t *testing.T) {
	t.Setenv("XP360_STORAGE_ADAPTER", "file")
	t.Setenv("XP360_STORAGE_FILE_PATH", filepath.Join(t.TempDir(), "state.json"))
	t.Setenv("XP360_PROGRESSION_DISPATCH", "sync")
	t.Setenv("XP360_LOG_LEVEL", "error")

	app, cleanup, err := BuildApp(context.Background())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/users/alice/experience?amount=250", nil)
	rec := httptest.NewRecorder()
	app.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cleanup()

	// a fresh process sees the stored XP in the ranking
	app, cleanup, err = BuildApp(context.Background())
	require.NoError(t, err)
	defer cleanup()

	rec = httptest.NewRecorder()
	app.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ranking", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entries []struct {
			User  string `json:"user_id"`
			Score int64  `json:"experience"`
			Rank  int    `json:"rank"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "alice", body.Entries[0].User)
	assert.Equal(t, int64(250), body.Entries[0].Score)
	assert.Equal(t, 1, body.Entries[0].Rank)
}

func TestBuildAppRejectsInvalidConfig(t *testing.T) {
	t.Setenv("XP360_PROGRESSION_CURVE", "cubic")
	_, _, err := BuildApp(context.Background())
	assert.Error(t, err)
}

func TestSetupStorageUnknownAdapter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Adapter = "mongo"
	_, _, err := setupStorage(context.Background(), cfg, setupLogging(cfg))
	assert.Error(t, err)
}

func TestSetupStorageSQLiteMigrates(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Storage.Adapter = "sql"
	cfg.Storage.SQL.DSN = "file:" + filepath.Join(t.TempDir(), "xp360.db")
	store, cleanup, err := setupStorage(context.Background(), cfg, setupLogging(cfg))
	require.NoError(t, err)
	defer cleanup()

	all, err := store.ListProgress(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLogLevel("debug").String())
	assert.Equal(t, "INFO", parseLogLevel("bogus").String())
}
