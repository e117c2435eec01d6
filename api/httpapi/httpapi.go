// Package httpapi exposes the progression service over REST and a WebSocket
// event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	wsadapter "xp360/adapters/websocket"
	"xp360/analytics"
	"xp360/core"
	"xp360/engine"
	"xp360/leaderboard"
	"xp360/realtime"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// CORSOrigins enables CORS for the listed origins ("*" for any).
	CORSOrigins []string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// RateLimitCleanup is how long idle client buckets are kept.
	RateLimitCleanup time.Duration
	// Board serves GET /ranking when set.
	Board leaderboard.Board
	// Metrics serves GET /stats when set.
	Metrics *analytics.Metrics
	Logger  *slog.Logger
}

type api struct {
	svc      *engine.Service
	board    leaderboard.Board
	metrics  *analytics.Metrics
	validate *validator.Validate
	logger   *slog.Logger
}

// NewMux builds an http.Handler exposing the progression REST API and WebSocket stream.
// Routes:
//   - GET  {prefix}/healthz
//   - GET  {prefix}/users/{id}
//   - POST {prefix}/users/{id}/access
//   - POST {prefix}/users/{id}/missions/{mission}/complete
//   - POST {prefix}/users/{id}/experience?amount=50
//   - GET  {prefix}/users/{id}/badges
//   - GET  {prefix}/users/{id}/badges/progress
//   - POST {prefix}/missions
//   - GET  {prefix}/missions/{mission}
//   - POST {prefix}/classes
//   - GET  {prefix}/classes/{class}
//   - POST {prefix}/classes/{class}/students/{id}
//   - GET  {prefix}/classes/{class}/report
//   - GET  {prefix}/badges
//   - GET  {prefix}/ranking?limit=10
//   - GET  {prefix}/stats
//   - WS   {prefix}/ws
func NewMux(svc *engine.Service, hub *realtime.Hub, opts Options) http.Handler {
	a := &api{
		svc:      svc,
		board:    opts.Board,
		metrics:  opts.Metrics,
		validate: validator.New(),
		logger:   opts.Logger,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	root := mux.NewRouter()
	r := root
	if p := trimPrefix(opts.PathPrefix); p != "" {
		r = root.PathPrefix(p).Subrouter()
	}

	r.HandleFunc("/healthz", a.healthCheck).Methods(http.MethodGet)

	r.HandleFunc("/users/{id}", a.dashboard).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/access", a.recordAccess).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/missions/{mission}/complete", a.completeMission).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/experience", a.addExperience).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/badges", a.grants).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/badges/progress", a.badgeProgress).Methods(http.MethodGet)

	r.HandleFunc("/missions", a.createMission).Methods(http.MethodPost)
	r.HandleFunc("/missions/{mission}", a.getMission).Methods(http.MethodGet)
	r.HandleFunc("/classes", a.createClass).Methods(http.MethodPost)
	r.HandleFunc("/classes/{class}", a.getClass).Methods(http.MethodGet)
	r.HandleFunc("/classes/{class}/students/{id}", a.enroll).Methods(http.MethodPost)
	r.HandleFunc("/classes/{class}/report", a.classReport).Methods(http.MethodGet)
	r.HandleFunc("/badges", a.catalog).Methods(http.MethodGet)

	if a.board != nil {
		r.HandleFunc("/ranking", a.ranking).Methods(http.MethodGet)
	}
	if a.metrics != nil {
		r.HandleFunc("/stats", a.stats).Methods(http.MethodGet)
	}
	if hub != nil {
		r.Handle("/ws", wsadapter.Handler(hub))
	}

	root.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
	})
	root.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	var handler http.Handler = root
	if len(opts.APIKeys) > 0 {
		handler = withAPIKeyAuth(handler, opts.APIKeys)
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		handler = withRateLimit(handler, opts.RateLimitRPM, opts.RateLimitBurst, opts.RateLimitCleanup)
	}
	if len(opts.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
		}).Handler(handler)
	}
	return handler
}

func trimPrefix(prefix string) string {
	for len(prefix) > 0 && prefix[len(prefix)-1] == '/' {
		prefix = prefix[:len(prefix)-1]
	}
	return prefix
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSON(w, status, apiError{Code: code, Message: msg, Details: details})
}

// writeServiceError maps service errors onto HTTP statuses. Anything not
// recognised is a storage fault and is logged.
func (a *api) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidUser):
		writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
	case errors.Is(err, core.ErrNegativeExperience), errors.Is(err, core.ErrOverflow):
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error(), nil)
	case errors.Is(err, engine.ErrAnswerRequired):
		writeError(w, http.StatusBadRequest, "answer_required", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidMission):
		writeError(w, http.StatusBadRequest, "invalid_mission", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidClass):
		writeError(w, http.StatusBadRequest, "invalid_class", err.Error(), nil)
	case errors.Is(err, engine.ErrNotEnrolled):
		writeError(w, http.StatusForbidden, "not_enrolled", err.Error(), nil)
	case errors.Is(err, engine.ErrMissionExists), errors.Is(err, engine.ErrClassExists), errors.Is(err, core.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrMissionNotFound), errors.Is(err, engine.ErrClassNotFound), errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		a.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}
