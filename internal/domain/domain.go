package domain

type Project struct {
	ID           string         `json:"id"`
	Goal         string         `json:"goal"`
	Status       ProjectStatus  `json:"status" enum:"initializing,pending_plan_approval,running,paused,completed,failed,pending_user_review"`
	UserID       string         `json:"user_id"`
	WorkspaceID  string         `json:"workspace_id,omitempty"`
	ActiveStepID string         `json:"active_step_id,omitempty"`
	Steps        []Step         `json:"steps,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
}

// Step returns the step with the given id, or nil.
func (p *Project) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

type Step struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Category    TaskCategory   `json:"category"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Status      StepStatus     `json:"status" enum:"pending,running,completed,failed,skipped"`
	Complexity  Complexity     `json:"complexity,omitempty" enum:"low,medium,high"`
	Params      map[string]any `json:"params,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	RetryCount  int            `json:"retry_count,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	StartedAt   *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
}

type LogEntry struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts" format:"date-time"`
	ProjectID    string         `json:"project_id"`
	StepID       string         `json:"step_id,omitempty"`
	StepName     string         `json:"step_name,omitempty"`
	Action       string         `json:"action"`
	WorkspaceID  string         `json:"workspace_id,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Thoughts     any            `json:"thoughts,omitempty"`
	StatusUpdate string         `json:"status_update,omitempty"`
	IsError      bool           `json:"is_error,omitempty"`
	ToolCalls    []ToolCall     `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Output    any            `json:"output,omitempty"`
}

// ModelSelection is the policy's verdict for one inference call. It is
// never persisted as an entity, only recorded into a model_selection_made
// log entry.
type ModelSelection struct {
	BackendID string `json:"backend_id"`
	Rationale string `json:"rationale"`
}

type PlanStepSummary struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
}

// StatusSummary is the wire shape downstream status consumers render
// directly; field names and nesting are load-bearing.
type StatusSummary struct {
	Goal          string            `json:"goal"`
	OverallStatus ProjectStatus     `json:"overall_status"`
	Plan          []PlanStepSummary `json:"plan"`
	ActiveStepID  string            `json:"active_step_id,omitempty"`
	WorkspaceID   string            `json:"workspace_id,omitempty"`
	RecentLogs    []LogEntry        `json:"recent_logs"`
}

type StepCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Running   int `json:"running"`
	Pending   int `json:"pending"`
}

// ProjectStatusReport is the live view derived from step statuses, never
// from the cached metadata.
type ProjectStatusReport struct {
	ProjectID    string            `json:"project_id"`
	Goal         string            `json:"goal"`
	Status       ProjectStatus     `json:"status"`
	Counts       StepCounts        `json:"counts"`
	PctComplete  float64           `json:"pct_complete"`
	ActiveStepID string            `json:"active_step_id,omitempty"`
	Steps        []PlanStepSummary `json:"steps,omitempty"`
}

type StepResult struct {
	StepID  string         `json:"step_id"`
	Status  StepStatus     `json:"status"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Detail  string         `json:"detail,omitempty"`
}

// InterventionResult is always a value, never a thrown error: rejected
// commands set Accepted=false with a machine-readable Code.
type InterventionResult struct {
	Accepted bool                `json:"accepted"`
	Command  InterventionCommand `json:"command"`
	Status   ProjectStatus       `json:"status,omitempty"`
	Detail   string              `json:"detail,omitempty"`
	Code     string              `json:"code,omitempty"`
	Error    string              `json:"error,omitempty"`
}

type RunReport struct {
	ProjectID string        `json:"project_id"`
	Status    ProjectStatus `json:"status"`
	Executed  []StepResult  `json:"executed"`
}

type SearchResult struct {
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
