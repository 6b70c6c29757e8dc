package conductorsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Conductor HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// UserID is sent as X-User-Id when no bearer token is set. The server
	// only honors it in development mode.
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// CreatedProject is the response to project creation.
type CreatedProject struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
}

// Step represents the API step model (partial).
type Step struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Status      string         `json:"status"`
	Complexity  string         `json:"complexity,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	RetryCount  int            `json:"retry_count,omitempty"`
}

// Plan is a project's step plan with its current status.
type Plan struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	Steps     []Step `json:"steps"`
}

// StepResult is the outcome of one step execution.
type StepResult struct {
	StepID  string         `json:"step_id"`
	Status  string         `json:"status"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Detail  string         `json:"detail,omitempty"`
}

// StepCounts aggregates the plan by step status.
type StepCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Running   int `json:"running"`
}

// StatusReport is a project's scoreboard.
type StatusReport struct {
	ProjectID    string     `json:"project_id"`
	Goal         string     `json:"goal"`
	Status       string     `json:"status"`
	Counts       StepCounts `json:"counts"`
	PctComplete  float64    `json:"pct_complete"`
	ActiveStepID string     `json:"active_step_id,omitempty"`
}

// InterventionResult reports whether a command was applied. Rejections
// come back with Accepted=false, not as an error.
type InterventionResult struct {
	Accepted bool   `json:"accepted"`
	Command  string `json:"command"`
	Status   string `json:"status,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Code     string `json:"code,omitempty"`
}

// RunReport lists what a run executed and where the project settled.
type RunReport struct {
	ProjectID string       `json:"project_id"`
	Status    string       `json:"status"`
	Executed  []StepResult `json:"executed"`
}

// PlanStepSummary is one plan row inside a status summary.
type PlanStepSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// StatusSummary is the summary payload: goal, plan, and recent activity.
type StatusSummary struct {
	Goal          string            `json:"goal"`
	OverallStatus string            `json:"overall_status"`
	Plan          []PlanStepSummary `json:"plan"`
	ActiveStepID  string            `json:"active_step_id,omitempty"`
	WorkspaceID   string            `json:"workspace_id,omitempty"`
	RecentLogs    []LogEntry        `json:"recent_logs"`
}

// LogEntry represents an audit log record (partial).
type LogEntry struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	ProjectID    string         `json:"project_id"`
	StepID       string         `json:"step_id,omitempty"`
	StepName     string         `json:"step_name,omitempty"`
	Action       string         `json:"action"`
	Params       map[string]any `json:"params,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	StatusUpdate string         `json:"status_update,omitempty"`
	IsError      bool           `json:"is_error,omitempty"`
}

// SearchResult is one memory hit.
type SearchResult struct {
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// APIError wraps non-2xx responses, decoding the error envelope when
// the server sent one.
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

// CreateProject registers a goal and returns the new project id.
func (c *Client) CreateProject(ctx context.Context, goal, workspaceID string) (CreatedProject, error) {
	body := map[string]any{"goal": goal}
	if workspaceID != "" {
		body["workspace_id"] = workspaceID
	}
	var resp CreatedProject
	err := c.do(ctx, http.MethodPost, "v1/projects", body, &resp)
	return resp, err
}

// Projects lists known project ids.
func (c *Client) Projects(ctx context.Context) ([]string, error) {
	var resp struct {
		Projects []string `json:"projects"`
	}
	err := c.do(ctx, http.MethodGet, "v1/projects", nil, &resp)
	return resp.Projects, err
}

// GeneratePlan asks the planner for a step plan. The plan waits for
// ApprovePlan before any step can execute.
func (c *Client) GeneratePlan(ctx context.Context, projectID string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "plan"), nil, &resp)
	return resp, err
}

// GetPlan fetches the current plan.
func (c *Client) GetPlan(ctx context.Context, projectID string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "plan"), nil, &resp)
	return resp, err
}

// Intervene applies a command: pause, resume, approve_plan, or
// provide_feedback (feedback required for the latter).
func (c *Client) Intervene(ctx context.Context, projectID, command, feedback string) (InterventionResult, error) {
	body := map[string]any{"command": command}
	if feedback != "" {
		body["feedback"] = feedback
	}
	var resp InterventionResult
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "interventions"), body, &resp)
	return resp, err
}

// ApprovePlan unlocks execution.
func (c *Client) ApprovePlan(ctx context.Context, projectID string) (InterventionResult, error) {
	return c.Intervene(ctx, projectID, "approve_plan", "")
}

// Pause stops new steps from starting.
func (c *Client) Pause(ctx context.Context, projectID string) (InterventionResult, error) {
	return c.Intervene(ctx, projectID, "pause", "")
}

// Resume continues a paused project.
func (c *Client) Resume(ctx context.Context, projectID string) (InterventionResult, error) {
	return c.Intervene(ctx, projectID, "resume", "")
}

// ProvideFeedback queues feedback as a step gated on the current plan.
func (c *Client) ProvideFeedback(ctx context.Context, projectID, feedback string) (InterventionResult, error) {
	return c.Intervene(ctx, projectID, "provide_feedback", feedback)
}

// ExecuteStep runs one step. A failed step is a 200 with Status
// "failed", not an APIError.
func (c *Client) ExecuteStep(ctx context.Context, projectID, stepID string) (StepResult, error) {
	var resp StepResult
	endpoint := c.projectPath(projectID, fmt.Sprintf("steps/%s/execute", url.PathEscape(stepID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Run executes every ready step until the project settles.
func (c *Client) Run(ctx context.Context, projectID string) (RunReport, error) {
	var resp RunReport
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "run"), nil, &resp)
	return resp, err
}

// Status returns the project scoreboard.
func (c *Client) Status(ctx context.Context, projectID string) (StatusReport, error) {
	var resp StatusReport
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "status"), nil, &resp)
	return resp, err
}

// Summary returns the project's goal, plan, and most recent log entries.
func (c *Client) Summary(ctx context.Context, projectID string, recent int) (StatusSummary, error) {
	endpoint := c.projectPath(projectID, "summary")
	if recent > 0 {
		endpoint += "?recent=" + fmt.Sprint(recent)
	}
	var resp StatusSummary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Log returns audit log entries, newest first unless asc is set.
func (c *Client) Log(ctx context.Context, projectID string, limit int, asc bool) ([]LogEntry, error) {
	endpoint := c.projectPath(projectID, "log")
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if asc {
		params.Set("asc", "true")
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp struct {
		Entries []LogEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Entries, err
}

// SearchMemory queries the project's retrieval memory.
func (c *Client) SearchMemory(ctx context.Context, projectID, query string, topK int) ([]SearchResult, error) {
	body := map[string]any{"query": query}
	if topK > 0 {
		body["top_k"] = topK
	}
	var resp struct {
		Results []SearchResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "memory/search"), body, &resp)
	return resp.Results, err
}

// IngestMemory stores content in the project's retrieval memory.
func (c *Client) IngestMemory(ctx context.Context, projectID, content string, metadata map[string]any) error {
	body := map[string]any{"content": content}
	if metadata != nil {
		body["metadata"] = metadata
	}
	return c.do(ctx, http.MethodPost, c.projectPath(projectID, "memory/ingest"), body, nil)
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
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(projectID, p string) string {
	return fmt.Sprintf("v1/projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
