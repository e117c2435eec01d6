package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"xp360/engine"
	"xp360/leaderboard"
)

// Response bodies share their JSON shape with the service outcomes.
type (
	Dashboard         = engine.Dashboard
	AccessOutcome     = engine.AccessOutcome
	CompletionOutcome = engine.CompletionOutcome
	ExperienceOutcome = engine.ExperienceOutcome
	ClassReport       = engine.ClassReport
	RankingEntry      = leaderboard.Entry
)

type missionPayload struct {
	ID              string `json:"id,omitempty"`
	ClassID         string `json:"class_id,omitempty"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	XP              int64  `json:"xp"`
	Kind            string `json:"kind,omitempty"`
	Subject         string `json:"subject,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

type classPayload struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	Grade        string `json:"grade,omitempty"`
	SchoolYear   int    `json:"school_year,omitempty"`
	InstructorID string `json:"instructor_id,omitempty"`
}

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string         `json:"status"`
	Checks map[string]any `json:"checks"`
}

// APIError is a non-2xx response. Code is the machine-readable error code
// (e.g. "answer_required", "not_found").
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed: status %d", e.Status)
	}
	return fmt.Sprintf("request failed: status %d: %s: %s", e.Status, e.Code, e.Message)
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if target == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

var (
	// ErrEmptyUserID is returned when user id is empty.
	ErrEmptyUserID = errors.New("user id is required")
	// ErrEmptyMissionID is returned when mission id is empty.
	ErrEmptyMissionID = errors.New("mission id is required")
	// ErrEmptyClassID is returned when class id is empty.
	ErrEmptyClassID = errors.New("class id is required")
)
