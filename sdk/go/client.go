package revlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Revline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Collision is one recent activity that blocks a new opportunity.
type Collision struct {
	Rule         string `json:"rule"`
	Action       string `json:"action"`
	WindowDays   int    `json:"window_days"`
	Message      string `json:"message,omitempty"`
	ExistingKind string `json:"existing_kind"`
	ExistingID   string `json:"existing_id"`
}

// RouteResult is the outcome of routing one opportunity.
type RouteResult struct {
	OpportunityID  string      `json:"opportunity_id"`
	Blocked        bool        `json:"blocked"`
	Overridden     bool        `json:"overridden"`
	Collisions     []Collision `json:"collisions"`
	Rule           string      `json:"rule"`
	PrimaryRole    string      `json:"primary_owner_role"`
	SecondaryRoles []string    `json:"secondary_owner_roles"`
	TaskPriority   string      `json:"task_priority"`
	Changed        bool        `json:"assignment_changed"`
	TaskCreated    bool        `json:"task_created"`
	TaskID         string      `json:"task_id"`
	Partial        bool        `json:"partial"`
	TaskError      string      `json:"task_error"`
	RuleSetVersion string      `json:"rule_set_version"`
	RuleSetDigest  string      `json:"rule_set_digest"`
}

// Task represents the API task model (partial).
type Task struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Priority       string  `json:"priority"`
	Status         string  `json:"status"`
	AssignedRole   string  `json:"assigned_role"`
	AssignedUserID *string `json:"assigned_user_id,omitempty"`
	OpportunityID  *string `json:"opportunity_id,omitempty"`
	DueAt          *string `json:"due_at,omitempty"`
}

// Queue is one page of the work queue.
type Queue struct {
	Tasks         []Task            `json:"tasks"`
	GroupedByType map[string][]Task `json:"grouped_by_type"`
	Total         int               `json:"total"`
	Page          int               `json:"page"`
	PageSize      int               `json:"page_size"`
}

// ScoringResult summarises a scoring run.
type ScoringResult struct {
	AsOfDate string `json:"as_of_date"`
	Total    int    `json:"total"`
	Scored   int    `json:"scored"`
	Errors   []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"errors"`
	Batches     int  `json:"batches"`
	Interrupted bool `json:"interrupted"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RouteOpportunity creates an opportunity for a constituent and routes it.
func (c *Client) RouteOpportunity(ctx context.Context, constituentID, oppType string, amount float64, override bool) (RouteResult, error) {
	body := map[string]any{
		"constituent_id": constituentID,
		"type":           oppType,
		"amount":         amount,
		"override":       override,
	}
	var resp RouteResult
	err := c.do(ctx, http.MethodPost, "opportunities/route", body, &resp)
	return resp, err
}

// Reroute routes an existing opportunity again.
func (c *Client) Reroute(ctx context.Context, opportunityID string, override bool) (RouteResult, error) {
	var resp RouteResult
	endpoint := fmt.Sprintf("opportunities/%s/route", url.PathEscape(opportunityID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"override": override}, &resp)
	return resp, err
}

// RunScoring recomputes scores; nil ids means every constituent.
func (c *Client) RunScoring(ctx context.Context, ids []string, asOf string) (ScoringResult, error) {
	body := map[string]any{}
	if len(ids) > 0 {
		body["constituent_ids"] = ids
	}
	if asOf != "" {
		body["as_of"] = asOf
	}
	var resp ScoringResult
	err := c.do(ctx, http.MethodPost, "scoring/runs", body, &resp)
	return resp, err
}

// WorkQueue lists tasks for mode "user", "role" or "combined".
func (c *Client) WorkQueue(ctx context.Context, mode string, page, pageSize int, statuses ...string) (Queue, error) {
	q := url.Values{}
	if mode != "" {
		q.Set("mode", mode)
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	if len(statuses) > 0 {
		q.Set("status", strings.Join(statuses, ","))
	}
	endpoint := "queue"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp Queue
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ClaimTask assigns a queued task to the caller.
func (c *Client) ClaimTask(ctx context.Context, id string) (Task, error) {
	return c.taskAction(ctx, id, "claim", nil)
}

// UpdateTaskStatus moves a claimed task through its lifecycle.
func (c *Client) UpdateTaskStatus(ctx context.Context, id, status string) (Task, error) {
	return c.taskAction(ctx, id, "status", map[string]any{"status": status})
}

// ReleaseTask returns a claimed task to its role queue.
func (c *Client) ReleaseTask(ctx context.Context, id string) (Task, error) {
	return c.taskAction(ctx, id, "release", nil)
}

func (c *Client) taskAction(ctx context.Context, id, action string, body any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/%s", url.PathEscape(id), action), body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
