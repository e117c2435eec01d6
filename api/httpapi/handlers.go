package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"xp360/core"
)

const (
	defaultRankingLimit = 10
	maxRankingLimit     = 100
	maxBodyBytes        = 1 << 20
)

// healthCheck verifies storage answers a read for a probe user. Reads never
// create state, so no data is touched.
func (a *api) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status": "healthy",
		"checks": map[string]any{"storage": "ok"},
	}
	code := http.StatusOK
	if _, err := a.svc.GetProgress(r.Context(), "healthcheck_probe"); err != nil {
		code = http.StatusServiceUnavailable
		status["status"] = "unhealthy"
		status["checks"].(map[string]any)["storage"] = "failed"
	}
	writeJSON(w, code, status)
}

func userParam(r *http.Request) core.UserID {
	return core.UserID(mux.Vars(r)["id"])
}

func (a *api) dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := a.svc.Dashboard(r.Context(), userParam(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) recordAccess(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.RecordAccess(r.Context(), userParam(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type completeRequest struct {
	Correct *bool `json:"correct"`
}

func (a *api) completeMission(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	mission := core.MissionID(mux.Vars(r)["mission"])
	out, err := a.svc.CompleteMission(r.Context(), userParam(r), mission, req.Correct)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) addExperience(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be an integer", nil)
		return
	}
	out, err := a.svc.AddExperience(r.Context(), userParam(r), amount)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) grants(w http.ResponseWriter, r *http.Request) {
	grants, err := a.svc.Grants(r.Context(), userParam(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"badges": grants})
}

func (a *api) badgeProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := a.svc.BadgeProgress(r.Context(), userParam(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": progress})
}

// missionRequest is the payload for POST /missions.
type missionRequest struct {
	ID              string `json:"id" validate:"omitempty,max=64"`
	ClassID         string `json:"class_id" validate:"max=64"`
	Title           string `json:"title" validate:"required,max=200"`
	Description     string `json:"description" validate:"max=2000"`
	XP              int64  `json:"xp" validate:"gte=0,lte=100000"`
	Kind            string `json:"kind" validate:"omitempty,oneof=task question"`
	Subject         string `json:"subject" validate:"max=100"`
	DurationMinutes int    `json:"duration_minutes" validate:"gte=0,lte=1440"`
}

func (a *api) createMission(w http.ResponseWriter, r *http.Request) {
	var req missionRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if !a.validRequest(w, req, "invalid_mission", "mission payload is invalid") {
		return
	}
	m, err := a.svc.CreateMission(r.Context(), core.Mission{
		ID:              core.MissionID(req.ID),
		ClassID:         core.ClassID(req.ClassID),
		Title:           req.Title,
		Description:     req.Description,
		XP:              req.XP,
		Kind:            core.MissionKind(req.Kind),
		Subject:         req.Subject,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *api) getMission(w http.ResponseWriter, r *http.Request) {
	m, err := a.svc.GetMission(r.Context(), core.MissionID(mux.Vars(r)["mission"]))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// classRequest is the payload for POST /classes.
type classRequest struct {
	ID           string `json:"id" validate:"omitempty,max=64"`
	Name         string `json:"name" validate:"required,max=200"`
	Grade        string `json:"grade" validate:"max=32"`
	SchoolYear   int    `json:"school_year" validate:"gte=0,lte=9999"`
	InstructorID string `json:"instructor_id" validate:"max=128"`
}

func (a *api) createClass(w http.ResponseWriter, r *http.Request) {
	var req classRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if !a.validRequest(w, req, "invalid_class", "class payload is invalid") {
		return
	}
	c, err := a.svc.CreateClass(r.Context(), core.Class{
		ID:           core.ClassID(req.ID),
		Name:         req.Name,
		Grade:        req.Grade,
		SchoolYear:   req.SchoolYear,
		InstructorID: core.UserID(req.InstructorID),
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func classParam(r *http.Request) core.ClassID {
	return core.ClassID(mux.Vars(r)["class"])
}

func (a *api) getClass(w http.ResponseWriter, r *http.Request) {
	c, err := a.svc.GetClass(r.Context(), classParam(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *api) enroll(w http.ResponseWriter, r *http.Request) {
	e, created, err := a.svc.Enroll(r.Context(), classParam(r), userParam(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]any{"enrollment": e, "created": created})
}

func (a *api) classReport(w http.ResponseWriter, r *http.Request) {
	report, err := a.svc.ClassReport(r.Context(), classParam(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *api) catalog(w http.ResponseWriter, r *http.Request) {
	defs, err := a.svc.Badges(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"badges": defs})
}

func (a *api) ranking(w http.ResponseWriter, r *http.Request) {
	limit := defaultRankingLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer", nil)
			return
		}
		limit = min(n, maxRankingLimit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": a.board.TopN(limit)})
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	at := time.Now()
	if raw := r.URL.Query().Get("day"); raw != "" {
		d, err := core.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_day", err.Error(), nil)
			return
		}
		at = d.Time()
	}
	writeJSON(w, http.StatusOK, a.metrics.Summarize(at))
}

// validRequest runs struct validation and writes a 400 listing the failing
// fields when it does not pass.
func (a *api) validRequest(w http.ResponseWriter, req any, code, msg string) bool {
	err := a.validate.Struct(req)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		writeError(w, http.StatusBadRequest, code, msg, fields)
		return false
	}
	writeError(w, http.StatusBadRequest, code, err.Error(), nil)
	return false
}

// decodeBody reads a JSON body. An empty body is accepted when optional.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
