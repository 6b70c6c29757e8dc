package collab_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"conductor/internal/collab"
)

func chatHandler(status int, reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":"backend says no"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": reply}, "finish_reason": "stop"},
			},
		})
	}
}

func TestHTTPInferenceGenerate(t *testing.T) {
	srv := httptest.NewServer(chatHandler(http.StatusOK, "hello back"))
	defer srv.Close()

	c := collab.NewHTTPInference(collab.HTTPInferenceConfig{BaseURL: srv.URL})
	res, err := c.Generate(context.Background(), collab.GenerateRequest{BackendID: "std", Prompt: "hello"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "hello back" || res.FinishReason != "stop" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestHTTPInferenceQuotaError(t *testing.T) {
	srv := httptest.NewServer(chatHandler(http.StatusTooManyRequests, ""))
	defer srv.Close()

	c := collab.NewHTTPInference(collab.HTTPInferenceConfig{BaseURL: srv.URL})
	_, err := c.Generate(context.Background(), collab.GenerateRequest{BackendID: "std", Prompt: "hi"})
	var quota *collab.BackendQuotaError
	if !errors.As(err, &quota) {
		t.Fatalf("expected BackendQuotaError, got %v", err)
	}
	if quota.BackendID != "std" {
		t.Fatalf("unexpected backend id: %q", quota.BackendID)
	}
	if !collab.Retryable(err) {
		t.Fatal("quota errors must be retryable")
	}
}

func TestHTTPInferenceUnavailableError(t *testing.T) {
	srv := httptest.NewServer(chatHandler(http.StatusInternalServerError, ""))
	defer srv.Close()

	c := collab.NewHTTPInference(collab.HTTPInferenceConfig{BaseURL: srv.URL})
	_, err := c.Generate(context.Background(), collab.GenerateRequest{BackendID: "std", Prompt: "hi"})
	var unavailable *collab.BackendUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected BackendUnavailableError, got %v", err)
	}
	if !collab.Retryable(err) {
		t.Fatal("unavailable errors must be retryable")
	}

	// connection refused maps the same way
	srv.Close()
	_, err = c.Generate(context.Background(), collab.GenerateRequest{BackendID: "std", Prompt: "hi"})
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected BackendUnavailableError after close, got %v", err)
	}
}

func TestHTTPInferenceBadRequestNotRetryable(t *testing.T) {
	srv := httptest.NewServer(chatHandler(http.StatusBadRequest, ""))
	defer srv.Close()

	c := collab.NewHTTPInference(collab.HTTPInferenceConfig{BaseURL: srv.URL})
	_, err := c.Generate(context.Background(), collab.GenerateRequest{BackendID: "std", Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if collab.Retryable(err) {
		t.Fatalf("bad request must not be retryable: %v", err)
	}
}

func TestHTTPRetrievalRoundTrip(t *testing.T) {
	var gotIngest map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ingest":
			json.NewDecoder(r.Body).Decode(&gotIngest)
			w.WriteHeader(http.StatusOK)
		case "/search":
			json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{{"content": "stored fact", "score": 0.9}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := collab.NewHTTPRetrieval(collab.HTTPRetrievalConfig{BaseURL: srv.URL})
	ctx := context.Background()
	if err := c.Ingest(ctx, "proj-1", "a fact", map[string]any{"k": "v"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if gotIngest["namespace"] != "proj-1" || gotIngest["content"] != "a fact" {
		t.Fatalf("unexpected ingest payload: %+v", gotIngest)
	}
	results, err := c.Search(ctx, "proj-1", "fact", 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Content != "stored fact" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestMemoryRetrievalRanksAndIsolates(t *testing.T) {
	m := collab.NewMemoryRetrieval()
	ctx := context.Background()

	if err := m.Ingest(ctx, "proj-1", "the cache layer uses sqlite storage", nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Ingest(ctx, "proj-1", "sqlite storage pragmas and tuning notes", map[string]any{"kind": "note"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Ingest(ctx, "proj-2", "unrelated project content about sqlite", nil); err != nil {
		t.Fatal(err)
	}

	results, err := m.Search(ctx, "proj-1", "sqlite storage", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results from proj-1 only, got %d: %+v", len(results), results)
	}
	for _, r := range results {
		if r.Score <= 0 {
			t.Fatalf("expected positive score: %+v", r)
		}
	}

	// no hits for unrelated query
	none, err := m.Search(ctx, "proj-1", "zebra migrations", 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range none {
		if r.Score >= 1.0 {
			t.Fatalf("unexpected strong hit: %+v", r)
		}
	}

	if m.Len("proj-2") != 1 {
		t.Fatalf("expected one item in proj-2, got %d", m.Len("proj-2"))
	}
}

func TestFakeInferenceScript(t *testing.T) {
	f := collab.NewFakeInference()
	f.Enqueue("first")
	f.EnqueueError(&collab.BackendUnavailableError{BackendID: "std", Err: errors.New("down")})

	ctx := context.Background()
	res, err := f.Generate(ctx, collab.GenerateRequest{BackendID: "std", Prompt: "one"})
	if err != nil || res.Text != "first" {
		t.Fatalf("scripted result: %+v, %v", res, err)
	}
	_, err = f.Generate(ctx, collab.GenerateRequest{BackendID: "std", Prompt: "two"})
	if !collab.Retryable(err) {
		t.Fatalf("expected retryable scripted error, got %v", err)
	}
	// script exhausted: echo
	res, err = f.Generate(ctx, collab.GenerateRequest{BackendID: "adv", Prompt: "three"})
	if err != nil || res.Text == "" {
		t.Fatalf("echo fallback: %+v, %v", res, err)
	}
	if len(f.Requests()) != 3 {
		t.Fatalf("expected 3 recorded requests, got %d", len(f.Requests()))
	}
}
