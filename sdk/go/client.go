package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"xp360/core"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the xp360 HTTP + WebSocket API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	headers    http.Header
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		wsURL:      deriveWSURL(baseURL),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests (HTTP + WS).
func WithAuthToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithHeader sets an arbitrary header applied to HTTP and WS calls.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

// Dashboard fetches the student summary.
func (c *Client) Dashboard(ctx context.Context, userID string) (Dashboard, error) {
	var out Dashboard
	err := c.userCall(ctx, http.MethodGet, userID, "", nil, nil, &out)
	return out, err
}

// RecordAccess registers a dashboard visit, which drives the day streak.
func (c *Client) RecordAccess(ctx context.Context, userID string) (AccessOutcome, error) {
	var out AccessOutcome
	err := c.userCall(ctx, http.MethodPost, userID, "/access", nil, nil, &out)
	return out, err
}

// CompleteMission finishes a mission. correct must be set for question
// missions and is ignored for tasks.
func (c *Client) CompleteMission(ctx context.Context, userID, missionID string, correct *bool) (CompletionOutcome, error) {
	if strings.TrimSpace(missionID) == "" {
		return CompletionOutcome{}, ErrEmptyMissionID
	}
	var body any
	if correct != nil {
		body = map[string]bool{"correct": *correct}
	}
	var out CompletionOutcome
	err := c.userCall(ctx, http.MethodPost, userID, "/missions/"+url.PathEscape(missionID)+"/complete", nil, body, &out)
	return out, err
}

// AddExperience grants XP outside of a mission.
func (c *Client) AddExperience(ctx context.Context, userID string, amount int64) (ExperienceOutcome, error) {
	q := url.Values{"amount": {strconv.FormatInt(amount, 10)}}
	var out ExperienceOutcome
	err := c.userCall(ctx, http.MethodPost, userID, "/experience", q, nil, &out)
	return out, err
}

// Badges lists the badges a user owns.
func (c *Client) Badges(ctx context.Context, userID string) ([]core.BadgeGrant, error) {
	var out struct {
		Badges []core.BadgeGrant `json:"badges"`
	}
	err := c.userCall(ctx, http.MethodGet, userID, "/badges", nil, nil, &out)
	return out.Badges, err
}

// BadgeProgress reports progress toward the badges a user does not own.
func (c *Client) BadgeProgress(ctx context.Context, userID string) ([]core.BadgeProgress, error) {
	var out struct {
		Progress []core.BadgeProgress `json:"progress"`
	}
	err := c.userCall(ctx, http.MethodGet, userID, "/badges/progress", nil, nil, &out)
	return out.Progress, err
}

// CreateMission stores a mission and returns it with its assigned ID.
// CreatedAt is set by the server.
func (c *Client) CreateMission(ctx context.Context, m core.Mission) (core.Mission, error) {
	payload := missionPayload{
		ID:              string(m.ID),
		ClassID:         string(m.ClassID),
		Title:           m.Title,
		Description:     m.Description,
		XP:              m.XP,
		Kind:            string(m.Kind),
		Subject:         m.Subject,
		DurationMinutes: m.DurationMinutes,
	}
	var out core.Mission
	err := c.do(ctx, http.MethodPost, "/missions", nil, payload, &out)
	return out, err
}

// GetMission fetches a mission by ID.
func (c *Client) GetMission(ctx context.Context, missionID string) (core.Mission, error) {
	if strings.TrimSpace(missionID) == "" {
		return core.Mission{}, ErrEmptyMissionID
	}
	var out core.Mission
	err := c.do(ctx, http.MethodGet, "/missions/"+url.PathEscape(missionID), nil, nil, &out)
	return out, err
}

// CreateClass stores a class. An empty ID is derived from the name.
func (c *Client) CreateClass(ctx context.Context, class core.Class) (core.Class, error) {
	payload := classPayload{
		ID:           string(class.ID),
		Name:         class.Name,
		Grade:        class.Grade,
		SchoolYear:   class.SchoolYear,
		InstructorID: string(class.InstructorID),
	}
	var out core.Class
	err := c.do(ctx, http.MethodPost, "/classes", nil, payload, &out)
	return out, err
}

// GetClass fetches a class by ID.
func (c *Client) GetClass(ctx context.Context, classID string) (core.Class, error) {
	if strings.TrimSpace(classID) == "" {
		return core.Class{}, ErrEmptyClassID
	}
	var out core.Class
	err := c.do(ctx, http.MethodGet, "/classes/"+url.PathEscape(classID), nil, nil, &out)
	return out, err
}

// Enroll adds a student to a class. created is false when they already
// belonged to it.
func (c *Client) Enroll(ctx context.Context, classID, userID string) (e core.Enrollment, created bool, err error) {
	if strings.TrimSpace(classID) == "" {
		return core.Enrollment{}, false, ErrEmptyClassID
	}
	if strings.TrimSpace(userID) == "" {
		return core.Enrollment{}, false, ErrEmptyUserID
	}
	var out struct {
		Enrollment core.Enrollment `json:"enrollment"`
		Created    bool            `json:"created"`
	}
	err = c.do(ctx, http.MethodPost, "/classes/"+url.PathEscape(classID)+"/students/"+url.PathEscape(userID), nil, nil, &out)
	return out.Enrollment, out.Created, err
}

// ClassReport fetches per-student progress for a class, best first.
func (c *Client) ClassReport(ctx context.Context, classID string) (ClassReport, error) {
	if strings.TrimSpace(classID) == "" {
		return ClassReport{}, ErrEmptyClassID
	}
	var out ClassReport
	err := c.do(ctx, http.MethodGet, "/classes/"+url.PathEscape(classID)+"/report", nil, nil, &out)
	return out, err
}

// Catalog lists every badge definition.
func (c *Client) Catalog(ctx context.Context) ([]core.BadgeDefinition, error) {
	var out struct {
		Badges []core.BadgeDefinition `json:"badges"`
	}
	err := c.do(ctx, http.MethodGet, "/badges", nil, nil, &out)
	return out.Badges, err
}

// Ranking returns the top limit students by XP.
func (c *Client) Ranking(ctx context.Context, limit int) ([]RankingEntry, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var out struct {
		Entries []RankingEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, "/ranking", q, nil, &out)
	return out.Entries, err
}

// Health probes /healthz and returns status + storage check.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &hs)
	return hs, err
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event values.
// A non-empty userID limits the stream to that student's events.
// The returned channel closes when ctx is done or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, userID string) (<-chan core.Event, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	target := c.wsURL
	if userID != "" {
		target += "?user=" + url.QueryEscape(userID)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, target, c.headers)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, 32)
	go func() {
		<-ctx.Done()
		// unblocks ReadJSON
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var evt core.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			default:
				// drop if consumer is slow
			}
		}
	}()
	return out, nil
}

func (c *Client) userCall(ctx context.Context, method, userID, suffix string, q url.Values, body, out any) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUserID
	}
	return c.do(ctx, method, "/users/"+url.PathEscape(userID)+suffix, q, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func deriveWSURL(httpBase string) string {
	u, err := url.Parse(httpBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		// leave as-is for custom schemes
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}
