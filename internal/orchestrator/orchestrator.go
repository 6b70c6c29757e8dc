// Package orchestrator drives projects from goal to plan to executed
// steps. One instance serves many projects; each project's step graph is
// serialized through a per-project lock while unrelated projects proceed
// independently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/auditlog"
	"conductor/internal/collab"
	"conductor/internal/config"
	"conductor/internal/domain"
	"conductor/internal/log"
	"conductor/internal/policy"
)

type Orchestrator struct {
	Stores    *auditlog.Manager
	Inference collab.Inference
	Retrieval collab.Retrieval
	Policy    policy.Policy
	Config    *config.Config
	Logger    log.Logger
	Now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(stores *auditlog.Manager, inference collab.Inference, retrieval collab.Retrieval, pol policy.Policy, cfg *config.Config, logger log.Logger) *Orchestrator {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Orchestrator{
		Stores:    stores,
		Inference: inference,
		Retrieval: retrieval,
		Policy:    pol,
		Config:    cfg,
		Logger:    logger,
		Now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) nowRFC3339() string {
	return o.now().UTC().Format(time.RFC3339)
}

// lock serializes operations for one project and returns the unlock func.
func (o *Orchestrator) lock(projectID string) func() {
	o.mu.Lock()
	l, ok := o.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[projectID] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

type CreateProjectOptions struct {
	Goal        string
	UserID      string
	WorkspaceID string
}

// CreateProject allocates a project in status initializing and writes the
// goal_received entry.
func (o *Orchestrator) CreateProject(ctx context.Context, opts CreateProjectOptions) (string, error) {
	if strings.TrimSpace(opts.Goal) == "" {
		return "", &domain.InvalidInputError{Field: "goal", Reason: "must not be empty"}
	}
	id := uuid.NewString()
	unlock := o.lock(id)
	defer unlock()

	store, err := o.Stores.Store(id)
	if err != nil {
		return "", err
	}
	now := o.nowRFC3339()
	meta := map[string]any{
		auditlog.MetaProjectID:   id,
		auditlog.MetaGoal:        opts.Goal,
		auditlog.MetaStatus:      string(domain.ProjectInitializing),
		auditlog.MetaUserID:      opts.UserID,
		auditlog.MetaWorkspaceID: opts.WorkspaceID,
		auditlog.MetaCreatedAt:   now,
		auditlog.MetaUpdatedAt:   now,
	}
	entry := domain.LogEntry{
		Action:       "goal_received",
		WorkspaceID:  opts.WorkspaceID,
		Params:       map[string]any{"goal": opts.Goal, "user_id": opts.UserID},
		StatusUpdate: string(domain.ProjectInitializing),
	}
	if _, err := store.Record(ctx, meta, entry); err != nil {
		return "", fmt.Errorf("record project creation: %w", err)
	}
	o.Logger.Infof("project %s created for user %q", id, opts.UserID)
	return id, nil
}

// loadProject reconstructs the project from its store. Unknown or invalid
// ids surface as InvalidInputError without creating a store file.
func (o *Orchestrator) loadProject(ctx context.Context, projectID string) (*auditlog.Store, *domain.Project, error) {
	exists, err := o.Stores.Exists(projectID)
	if err != nil {
		if errors.Is(err, auditlog.ErrInvalidStoreID) {
			return nil, nil, &domain.InvalidInputError{Field: "project_id", Reason: err.Error()}
		}
		return nil, nil, err
	}
	if !exists {
		return nil, nil, &domain.InvalidInputError{Field: "project_id", Reason: fmt.Sprintf("unknown project %q", projectID)}
	}
	store, err := o.Stores.Store(projectID)
	if err != nil {
		return nil, nil, err
	}
	p, err := projectFromStore(ctx, store, projectID)
	if err != nil {
		return nil, nil, err
	}
	return store, p, nil
}

func projectFromStore(ctx context.Context, store *auditlog.Store, projectID string) (*domain.Project, error) {
	goal, err := store.GetMetadataString(ctx, auditlog.MetaGoal)
	if errors.Is(err, auditlog.ErrNotFound) {
		return nil, &domain.InvalidInputError{Field: "project_id", Reason: fmt.Sprintf("unknown project %q", projectID)}
	}
	if err != nil {
		return nil, err
	}
	p := &domain.Project{ID: projectID, Goal: goal, Status: domain.ProjectInitializing}
	status, err := metaOr(ctx, store, auditlog.MetaStatus, string(domain.ProjectInitializing))
	if err != nil {
		return nil, err
	}
	p.Status = domain.ProjectStatus(status)
	if err := domain.ValidateProjectStatus(p.Status); err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	if p.UserID, err = metaOr(ctx, store, auditlog.MetaUserID, ""); err != nil {
		return nil, err
	}
	if p.WorkspaceID, err = metaOr(ctx, store, auditlog.MetaWorkspaceID, ""); err != nil {
		return nil, err
	}
	if p.ActiveStepID, err = metaOr(ctx, store, auditlog.MetaActiveStep, ""); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = metaOr(ctx, store, auditlog.MetaCreatedAt, ""); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = metaOr(ctx, store, auditlog.MetaUpdatedAt, ""); err != nil {
		return nil, err
	}
	if p.Steps, err = store.Plan(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func metaOr(ctx context.Context, store *auditlog.Store, key, fallback string) (string, error) {
	v, err := store.GetMetadataString(ctx, key)
	if errors.Is(err, auditlog.ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// saveProject writes the mutated project back as metadata and appends the
// entry in the same transaction.
func (o *Orchestrator) saveProject(ctx context.Context, store *auditlog.Store, p *domain.Project, e domain.LogEntry) error {
	p.UpdatedAt = o.nowRFC3339()
	meta := map[string]any{
		auditlog.MetaStatus:     string(p.Status),
		auditlog.MetaPlan:       p.Steps,
		auditlog.MetaActiveStep: p.ActiveStepID,
		auditlog.MetaUpdatedAt:  p.UpdatedAt,
	}
	if e.WorkspaceID == "" {
		e.WorkspaceID = p.WorkspaceID
	}
	if _, err := store.Record(ctx, meta, e); err != nil {
		return fmt.Errorf("record project %s: %w", p.ID, err)
	}
	return nil
}

// deriveProjectStatus computes the overall status from step statuses plus
// the explicit pause override. Pre-approval lifecycle statuses stand as
// stored; terminal statuses are final.
func deriveProjectStatus(p *domain.Project) domain.ProjectStatus {
	if p.Status.Terminal() {
		return p.Status
	}
	if p.Status == domain.ProjectInitializing || p.Status == domain.ProjectPendingPlanApproval {
		return p.Status
	}
	if len(p.Steps) == 0 {
		return p.Status
	}
	counts := countSteps(p.Steps)
	terminal := counts.Completed + counts.Failed + counts.Skipped
	switch {
	case terminal == counts.Total && counts.Completed == counts.Total:
		return domain.ProjectCompleted
	case terminal == counts.Total && counts.Completed == 0:
		return domain.ProjectFailed
	case terminal == counts.Total:
		return domain.ProjectPendingUserReview
	case p.Status == domain.ProjectPaused:
		return domain.ProjectPaused
	default:
		return domain.ProjectRunning
	}
}

func countSteps(steps []domain.Step) domain.StepCounts {
	c := domain.StepCounts{Total: len(steps)}
	for _, s := range steps {
		switch s.Status {
		case domain.StepCompleted:
			c.Completed++
		case domain.StepFailed:
			c.Failed++
		case domain.StepSkipped:
			c.Skipped++
		case domain.StepRunning:
			c.Running++
		default:
			c.Pending++
		}
	}
	return c
}

// ProjectStatus derives the live summary from step statuses. The
// percentage is completed/total*100, exactly, 0 for empty plans.
func (o *Orchestrator) ProjectStatus(ctx context.Context, projectID string) (domain.ProjectStatusReport, error) {
	unlock := o.lock(projectID)
	defer unlock()
	_, p, err := o.loadProject(ctx, projectID)
	if err != nil {
		return domain.ProjectStatusReport{}, err
	}
	return statusReport(p), nil
}

func statusReport(p *domain.Project) domain.ProjectStatusReport {
	counts := countSteps(p.Steps)
	report := domain.ProjectStatusReport{
		ProjectID:    p.ID,
		Goal:         p.Goal,
		Status:       deriveProjectStatus(p),
		Counts:       counts,
		ActiveStepID: p.ActiveStepID,
	}
	if counts.Total > 0 {
		report.PctComplete = float64(counts.Completed) / float64(counts.Total) * 100
	}
	report.Steps = make([]domain.PlanStepSummary, 0, len(p.Steps))
	for _, s := range p.Steps {
		report.Steps = append(report.Steps, domain.PlanStepSummary{ID: s.ID, Name: s.Name, Status: s.Status})
	}
	return report
}

// Plan returns the current step plan, nil when none has been generated.
func (o *Orchestrator) Plan(ctx context.Context, projectID string) ([]domain.Step, error) {
	unlock := o.lock(projectID)
	defer unlock()
	_, p, err := o.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return p.Steps, nil
}

// Summary returns the store's combined metadata + recent-entries payload.
func (o *Orchestrator) Summary(ctx context.Context, projectID string, recent int) (domain.StatusSummary, error) {
	store, _, err := o.loadProject(ctx, projectID)
	if err != nil {
		return domain.StatusSummary{}, err
	}
	return store.StatusSummary(ctx, recent)
}

// Log returns audit entries for a project, newest first by default.
func (o *Orchestrator) Log(ctx context.Context, projectID string, opts auditlog.QueryOptions) ([]domain.LogEntry, error) {
	store, _, err := o.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return store.Query(ctx, opts)
}

// ListProjects returns known project ids.
func (o *Orchestrator) ListProjects(ctx context.Context) ([]string, error) {
	return o.Stores.List(ctx)
}

// SearchMemory queries the retrieval collaborator in the project's
// namespace. The call is logged regardless of outcome.
func (o *Orchestrator) SearchMemory(ctx context.Context, projectID, query string, topK int) ([]domain.SearchResult, error) {
	store, _, err := o.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = o.Config.Retrieval.TopK
	}
	results, searchErr := o.Retrieval.Search(ctx, projectID, query, topK)
	entry := domain.LogEntry{
		Action: "memory_searched",
		Params: map[string]any{"query": query, "top_k": topK},
	}
	if searchErr != nil {
		entry.IsError = true
		entry.Outputs = map[string]any{"error": searchErr.Error()}
	} else {
		entry.Outputs = map[string]any{"result_count": len(results)}
	}
	if _, err := store.Append(ctx, entry); err != nil {
		return nil, err
	}
	if searchErr != nil {
		return nil, searchErr
	}
	return results, nil
}

// IngestMemory stores content in the project's namespace. The call is
// logged regardless of outcome.
func (o *Orchestrator) IngestMemory(ctx context.Context, projectID, content string, metadata map[string]any) error {
	if strings.TrimSpace(content) == "" {
		return &domain.InvalidInputError{Field: "content", Reason: "must not be empty"}
	}
	store, _, err := o.loadProject(ctx, projectID)
	if err != nil {
		return err
	}
	ingestErr := o.Retrieval.Ingest(ctx, projectID, content, metadata)
	entry := domain.LogEntry{
		Action: "memory_ingested",
		Params: map[string]any{"content_bytes": len(content)},
	}
	if ingestErr != nil {
		entry.IsError = true
		entry.Outputs = map[string]any{"error": ingestErr.Error()}
	}
	if _, err := store.Append(ctx, entry); err != nil {
		return err
	}
	return ingestErr
}
