package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"conductor/internal/domain"
)

type HTTPRetrievalConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPRetrieval talks to an external memory service with /search and
// /ingest endpoints.
type HTTPRetrieval struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPRetrieval(cfg HTTPRetrievalConfig) *HTTPRetrieval {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRetrieval{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type searchRequest struct {
	Namespace string `json:"namespace"`
	Query     string `json:"query"`
	TopK      int    `json:"top_k"`
}

type searchResponse struct {
	Results []domain.SearchResult `json:"results"`
}

type ingestRequest struct {
	Namespace string         `json:"namespace"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (c *HTTPRetrieval) Search(ctx context.Context, namespace, query string, topK int) ([]domain.SearchResult, error) {
	var decoded searchResponse
	err := c.post(ctx, "/search", searchRequest{Namespace: namespace, Query: query, TopK: topK}, &decoded)
	if err != nil {
		return nil, err
	}
	return decoded.Results, nil
}

func (c *HTTPRetrieval) Ingest(ctx context.Context, namespace, content string, metadata map[string]any) error {
	return c.post(ctx, "/ingest", ingestRequest{Namespace: namespace, Content: content, Metadata: metadata}, nil)
}

func (c *HTTPRetrieval) post(ctx context.Context, path string, body, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("retrieval base URL is not configured")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(request)
	if err != nil {
		return &BackendUnavailableError{BackendID: "retrieval", Err: err}
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp, "retrieval"); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
