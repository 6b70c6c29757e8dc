package server

import (
	"conductor/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	Goal        string  `json:"goal"`
	WorkspaceID *string `json:"workspace_id,omitempty"`
}

type InterventionRequest struct {
	Command  string  `json:"command" enum:"pause,resume,approve_plan,provide_feedback"`
	Feedback *string `json:"feedback,omitempty"`
}

type MemorySearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty" minimum:"0" maximum:"100"`
}

type MemoryIngestRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// Response payloads

type ProjectCreatedResponse struct {
	ProjectID string               `json:"project_id"`
	Status    domain.ProjectStatus `json:"status" enum:"initializing,pending_plan_approval,running,paused,completed,failed,pending_user_review"`
}

type ProjectListResponse struct {
	Projects []string `json:"projects"`
}

type PlanResponse struct {
	ProjectID string               `json:"project_id"`
	Status    domain.ProjectStatus `json:"status" enum:"initializing,pending_plan_approval,running,paused,completed,failed,pending_user_review"`
	Steps     []domain.Step        `json:"steps"`
}

type LogResponse struct {
	Entries []domain.LogEntry `json:"entries"`
}

type MemorySearchResponse struct {
	Results []domain.SearchResult `json:"results"`
}

type MemoryIngestResponse struct {
	Ingested bool `json:"ingested"`
}

func interventionPayload(req InterventionRequest) map[string]any {
	payload := map[string]any{}
	if req.Feedback != nil {
		payload["feedback"] = *req.Feedback
	}
	return payload
}
