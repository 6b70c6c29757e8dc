// Package collab holds the narrow contracts for the two external
// collaborators the orchestrator talks to: text-generation backends and
// the per-project retrieval memory. Everything behind these interfaces is
// opaque I/O; the orchestrator only sees typed results and typed errors.
package collab

import (
	"context"
	"errors"
	"fmt"

	"conductor/internal/domain"
)

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GenerateRequest struct {
	BackendID string
	System    string
	Prompt    string
	History   []Turn
}

type GenerateResult struct {
	Text         string
	FinishReason string
}

// Inference invokes a text-generation backend. Implementations must
// return BackendUnavailableError or BackendQuotaError for failures the
// caller should retry on an escalated backend.
type Inference interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// Retrieval queries and ingests contextual memory. The namespace is
// always a project id, keeping memory isolated per project.
type Retrieval interface {
	Search(ctx context.Context, namespace, query string, topK int) ([]domain.SearchResult, error)
	Ingest(ctx context.Context, namespace, content string, metadata map[string]any) error
}

// BackendUnavailableError means the backend could not serve the call at
// all (network failure, 5xx). Retryable.
type BackendUnavailableError struct {
	BackendID string
	Err       error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %v", e.BackendID, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// BackendQuotaError means the backend refused the call for quota or rate
// reasons. Retryable.
type BackendQuotaError struct {
	BackendID string
	Detail    string
}

func (e *BackendQuotaError) Error() string {
	return fmt.Sprintf("backend %s quota exhausted: %s", e.BackendID, e.Detail)
}

// Retryable reports whether the error should bump the step's retry count
// and re-run backend selection.
func Retryable(err error) bool {
	var unavailable *BackendUnavailableError
	var quota *BackendQuotaError
	return errors.As(err, &unavailable) || errors.As(err, &quota)
}
