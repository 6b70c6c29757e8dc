// Package server exposes the orchestrator over HTTP. Handlers stay thin:
// they translate payloads and map domain errors onto the API envelope,
// every decision lives in the orchestrator.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"conductor/internal/auditlog"
	"conductor/internal/collab"
	"conductor/internal/domain"
	"conductor/internal/orchestrator"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"dependency_not_met"`
	Message string         `json:"message" example:"step step-3 is blocked by unfinished dependencies"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"missing\":[\"step-1\"]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Conductor API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("server: orchestrator is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Conductor API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Orchestrator)
	registerPlan(group, cfg.Orchestrator)
	registerExecution(group, cfg.Orchestrator)
	registerInterventions(group, cfg.Orchestrator)
	registerLog(group, cfg.Orchestrator)
	registerMemory(group, cfg.Orchestrator)
	registerOpenAPI(router, api, basePath)

	if cfg.Orchestrator.Config != nil {
		startWebhookDispatcher(cfg.Orchestrator.Stores, cfg.Orchestrator.Config.Webhooks, cfg.Orchestrator.Logger)
	}

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain errors onto the envelope. Order matters: backend
// failures are matched before the plan error that wraps them.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var quota *collab.BackendQuotaError
	if errors.As(err, &quota) {
		return newAPIError(http.StatusTooManyRequests, "backend_quota_exhausted", err.Error(),
			map[string]any{"backend_id": quota.BackendID})
	}
	var unavailable *collab.BackendUnavailableError
	if errors.As(err, &unavailable) {
		return newAPIError(http.StatusServiceUnavailable, "backend_unavailable", err.Error(),
			map[string]any{"backend_id": unavailable.BackendID})
	}
	var planErr *domain.PlanGenerationError
	if errors.As(err, &planErr) {
		return newAPIError(http.StatusUnprocessableEntity, "plan_generation_failed", err.Error(),
			map[string]any{"project_id": planErr.ProjectID})
	}
	var depErr *domain.DependencyNotMetError
	if errors.As(err, &depErr) {
		return newAPIError(http.StatusConflict, "dependency_not_met", err.Error(),
			map[string]any{"step_id": depErr.StepID, "missing": depErr.Missing})
	}
	var transErr *domain.InvalidTransitionError
	if errors.As(err, &transErr) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	}
	var invalid *domain.InvalidInputError
	if errors.As(err, &invalid) {
		if strings.Contains(invalid.Reason, "unknown") {
			return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(),
			map[string]any{"field": invalid.Field, "reason": invalid.Reason})
	}
	if errors.Is(err, auditlog.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error",
		map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusTooManyRequests:
		return "backend_quota_exhausted"
	case http.StatusServiceUnavailable:
		return "backend_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectCreatedResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := orchestrator.CreateProjectOptions{Goal: input.Body.Goal, UserID: userID}
		if input.Body.WorkspaceID != nil {
			opts.WorkspaceID = *input.Body.WorkspaceID
		}
		id, err := o.CreateProject(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectCreatedResponse `json:"body"`
		}{Body: ProjectCreatedResponse{ProjectID: id, Status: domain.ProjectInitializing}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProjectListResponse `json:"body"`
	}, error) {
		ids, err := o.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if ids == nil {
			ids = []string{}
		}
		return &struct {
			Body ProjectListResponse `json:"body"`
		}{Body: ProjectListResponse{Projects: ids}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.ProjectStatusReport `json:"body"`
	}, error) {
		report, err := o.ProjectStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectStatusReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-summary",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/summary",
		Summary:     "Project summary with recent activity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Recent    int    `query:"recent" default:"10" minimum:"1" maximum:"100"`
	}) (*struct {
		Body domain.StatusSummary `json:"body"`
	}, error) {
		summary, err := o.Summary(ctx, input.ProjectID, input.Recent)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StatusSummary `json:"body"`
		}{Body: summary}, nil
	})
}

func registerPlan(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-plan",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/plan",
		Summary:       "Generate the step plan",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		steps, err := o.GeneratePlan(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: PlanResponse{
			ProjectID: input.ProjectID,
			Status:    domain.ProjectPendingPlanApproval,
			Steps:     steps,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/plan",
		Summary:     "Current step plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		report, err := o.ProjectStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := o.Plan(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if steps == nil {
			steps = []domain.Step{}
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: PlanResponse{
			ProjectID: input.ProjectID,
			Status:    report.Status,
			Steps:     steps,
		}}, nil
	})
}

func registerExecution(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-step",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/steps/{step_id}/execute",
		Summary:     "Execute one step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		StepID    string `path:"step_id"`
	}) (*struct {
		Body domain.StepResult `json:"body"`
	}, error) {
		result, err := o.ExecuteStep(ctx, input.ProjectID, input.StepID)
		var stepErr *domain.StepExecutionError
		if err != nil && !errors.As(err, &stepErr) {
			return nil, handleError(err)
		}
		// A step that ran and failed is a handled outcome, not a
		// transport error; the failure lives in the result body.
		return &struct {
			Body domain.StepResult `json:"body"`
		}{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/run",
		Summary:     "Run all ready steps to completion",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.RunReport `json:"body"`
	}, error) {
		report, err := o.RunProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if report.Executed == nil {
			report.Executed = []domain.StepResult{}
		}
		return &struct {
			Body domain.RunReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerInterventions(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "intervene",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/interventions",
		Summary:     "Apply a user intervention",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      InterventionRequest `json:"body"`
	}) (*struct {
		Body domain.InterventionResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		cmd, err := domain.ParseInterventionCommand(input.Body.Command)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(),
				map[string]any{"field": "command"})
		}
		result, err := o.HandleIntervention(ctx, input.ProjectID, cmd, interventionPayload(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		if !result.Accepted && result.Code == orchestrator.RejectUnknownProject {
			return nil, newAPIError(http.StatusNotFound, "not_found", result.Error, nil)
		}
		return &struct {
			Body domain.InterventionResult `json:"body"`
		}{Body: result}, nil
	})
}

func registerLog(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "project-log",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/log",
		Summary:     "Audit log entries",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Offset    int    `query:"offset" minimum:"0"`
		Asc       bool   `query:"asc"`
	}) (*struct {
		Body LogResponse `json:"body"`
	}, error) {
		entries, err := o.Log(ctx, input.ProjectID, auditlog.QueryOptions{
			Limit:   input.Limit,
			Offset:  input.Offset,
			SortAsc: input.Asc,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.LogEntry{}
		}
		return &struct {
			Body LogResponse `json:"body"`
		}{Body: LogResponse{Entries: entries}}, nil
	})
}

func registerMemory(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "memory-search",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/memory/search",
		Summary:     "Search project memory",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      MemorySearchRequest `json:"body"`
	}) (*struct {
		Body MemorySearchResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Query) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "query is required",
				map[string]any{"field": "query"})
		}
		results, err := o.SearchMemory(ctx, input.ProjectID, input.Body.Query, input.Body.TopK)
		if err != nil {
			return nil, handleError(err)
		}
		if results == nil {
			results = []domain.SearchResult{}
		}
		return &struct {
			Body MemorySearchResponse `json:"body"`
		}{Body: MemorySearchResponse{Results: results}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "memory-ingest",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/memory/ingest",
		Summary:     "Store content in project memory",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      MemoryIngestRequest `json:"body"`
	}) (*struct {
		Body MemoryIngestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := o.IngestMemory(ctx, input.ProjectID, input.Body.Content, input.Body.Metadata); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MemoryIngestResponse `json:"body"`
		}{Body: MemoryIngestResponse{Ingested: true}}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Conductor API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
