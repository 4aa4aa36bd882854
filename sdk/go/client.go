package relaysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Relay HTTP API client for schedulers and agents.
type Client struct {
	BaseURL     string
	ProjectID   string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Capacity mirrors the pool admission snapshot.
type Capacity struct {
	PoolID             string `json:"pool_id"`
	Status             string `json:"status"`
	LiveSessions       int    `json:"live_sessions"`
	MaxPoolSize        int    `json:"max_pool_size"`
	WarmPoolSize       int    `json:"warm_pool_size"`
	CanSpawnNewSession bool   `json:"can_spawn_new_session"`
	NeedsWarmup        bool   `json:"needs_warmup"`
}

// Session represents the API session model (partial).
type Session struct {
	ID                string  `json:"id"`
	PoolID            string  `json:"pool_id"`
	Status            string  `json:"status"`
	ContextUsedTokens int64   `json:"context_used_tokens"`
	ContextMaxTokens  int64   `json:"context_max_tokens"`
	ContextPercent    float64 `json:"context_percent"`
	CurrentTaskID     string  `json:"current_task_id,omitempty"`
	TasksCompleted    int     `json:"tasks_completed"`
	HandoffFrom       string  `json:"handoff_from,omitempty"`
	HandoffTo         string  `json:"handoff_to,omitempty"`
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID                 string   `json:"id"`
	ProjectID          string   `json:"project_id"`
	ParentID           string   `json:"parent_id,omitempty"`
	Title              string   `json:"title"`
	Status             string   `json:"status"`
	DependencyClass    string   `json:"dependency_class"`
	Priority           string   `json:"priority"`
	BlockedBy          []string `json:"blocked_by,omitempty"`
	Version            int64    `json:"version"`
	ProgressPercentage int      `json:"progress_percentage"`
}

// Delegation represents a delegation request.
type Delegation struct {
	ID         string `json:"id"`
	WorkItemID string `json:"work_item_id"`
	SessionID  string `json:"session_id,omitempty"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
}

// ClaimResult reports a claim attempt. Claimed is false when another session holds the item.
type ClaimResult struct {
	Claimed   bool   `json:"claimed"`
	RequestID string `json:"request_id,omitempty"`
	HeldBy    string `json:"held_by,omitempty"`
}

// ContextReport carries the zone action for a usage report.
type ContextReport struct {
	Session Session `json:"session"`
	Action  string  `json:"action"`
}

// Zone actions returned by ReportContext.
const (
	ActionContinue        = "continue"
	ActionPrepareHandoff  = "prepare_handoff"
	ActionHandoffRequired = "handoff_required"
)

// HandoffResult links a retired session to its successor.
type HandoffResult struct {
	Predecessor Session `json:"predecessor"`
	Successor   Session `json:"successor"`
	RequestID   string  `json:"request_id,omitempty"`
	WorkItemID  string  `json:"work_item_id,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID             int64          `json:"id"`
	TS             string         `json:"ts"`
	Type           string         `json:"type"`
	ProjectID      string         `json:"project_id"`
	EntityID       string         `json:"entity_id"`
	EntityKind     string         `json:"entity_kind"`
	ActorID        string         `json:"actor_id"`
	PreviousStatus string         `json:"previous_status,omitempty"`
	NewStatus      string         `json:"new_status,omitempty"`
	Payload        map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Capacity returns the pool's admission state.
func (c *Client) Capacity(ctx context.Context) (Capacity, error) {
	var resp Capacity
	err := c.do(ctx, http.MethodGet, c.projectPath("pool/capacity"), nil, &resp)
	return resp, err
}

// AvailableSession returns the least loaded idle session, if any, keeping
// buffer percent free below the threshold.
func (c *Client) AvailableSession(ctx context.Context, buffer float64) (Session, bool, error) {
	var resp struct {
		Available bool     `json:"available"`
		Session   *Session `json:"session"`
	}
	endpoint := fmt.Sprintf("%s?buffer=%g", c.projectPath("pool/available"), buffer)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return Session{}, false, err
	}
	if !resp.Available || resp.Session == nil {
		return Session{}, false, nil
	}
	return *resp.Session, true, nil
}

// SpawnSession admits a new session. A full pool fails with code pool_at_capacity.
func (c *Client) SpawnSession(ctx context.Context, contextMaxTokens int64) (Session, error) {
	var body any
	if contextMaxTokens > 0 {
		body = map[string]any{"context_max_tokens": contextMaxTokens}
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, c.projectPath("sessions"), body, &resp)
	return resp, err
}

// CreateWorkItem adds an agent-capable work item.
func (c *Client) CreateWorkItem(ctx context.Context, title string, blockedBy ...string) (WorkItem, error) {
	body := map[string]any{"title": title}
	if len(blockedBy) > 0 {
		body["blocked_by"] = blockedBy
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.projectPath("work-items"), body, &resp)
	return resp, err
}

// Claim asks for workItemID on behalf of sessionID.
func (c *Client) Claim(ctx context.Context, workItemID, sessionID string) (ClaimResult, error) {
	var resp ClaimResult
	endpoint := c.projectPath(fmt.Sprintf("work-items/%s/claim", url.PathEscape(workItemID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"session_id": sessionID}, &resp)
	return resp, err
}

// ReportContext records token usage. A zero maxTokens keeps the current window.
func (c *Client) ReportContext(ctx context.Context, sessionID string, usedTokens, maxTokens int64) (ContextReport, error) {
	body := map[string]any{"used_tokens": usedTokens}
	if maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}
	var resp ContextReport
	endpoint := c.projectPath(fmt.Sprintf("sessions/%s/context", url.PathEscape(sessionID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Handoff replaces sessionID with a successor that inherits its claim.
func (c *Client) Handoff(ctx context.Context, sessionID, summary string) (HandoffResult, error) {
	var resp HandoffResult
	endpoint := c.projectPath(fmt.Sprintf("sessions/%s/handoff", url.PathEscape(sessionID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"summary": summary}, &resp)
	return resp, err
}

// CompleteDelegation finishes a claimed request and frees its session.
func (c *Client) CompleteDelegation(ctx context.Context, requestID string) (Delegation, error) {
	var resp Delegation
	endpoint := c.projectPath(fmt.Sprintf("delegations/%s/complete", url.PathEscape(requestID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CompleteWorkItem marks an in-progress work item completed.
func (c *Client) CompleteWorkItem(ctx context.Context, workItemID string) (WorkItem, error) {
	var resp WorkItem
	endpoint := c.projectPath(fmt.Sprintf("work-items/%s/complete", url.PathEscape(workItemID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// AppendAudit adds a note to the work item's audit trail and returns the new version.
func (c *Client) AppendAudit(ctx context.Context, workItemID, note string) (int64, error) {
	var resp struct {
		Version int64 `json:"version"`
	}
	endpoint := c.projectPath(fmt.Sprintf("work-items/%s/audit", url.PathEscape(workItemID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"note": note}, &resp)
	return resp.Version, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Retryable, _ = env.Error.Details["retryable"].(bool)
	}
	return apiErr
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
