package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

type HTTPInferenceConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPInference speaks the OpenAI-style chat completions protocol. The
// backend id from the selection policy travels as the model field.
type HTTPInference struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPInference(cfg HTTPInferenceConfig) *HTTPInference {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPInference{
		baseURL: normalizeBaseURL(cfg.BaseURL),
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func (c *HTTPInference) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if c.baseURL == "" {
		return GenerateResult{}, fmt.Errorf("inference base URL is not configured")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return GenerateResult{}, fmt.Errorf("inference requires a prompt")
	}
	messages := make([]chatMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, t := range req.History {
		messages = append(messages, chatMessage{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(chatCompletionRequest{Model: req.BackendID, Messages: messages})
	if err != nil {
		return GenerateResult{}, fmt.Errorf("marshal request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(request)
	if err != nil {
		return GenerateResult{}, &BackendUnavailableError{BackendID: req.BackendID, Err: err}
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp, req.BackendID); err != nil {
		return GenerateResult{}, err
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return GenerateResult{}, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return GenerateResult{}, fmt.Errorf("response missing choices")
	}
	content := decoded.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return GenerateResult{}, fmt.Errorf("response empty")
	}
	return GenerateResult{
		Text:         content,
		FinishReason: strings.TrimSpace(decoded.Choices[0].FinishReason),
	}, nil
}

// classifyStatus maps HTTP failures onto the retryable error types. 429
// is quota, 5xx is unavailable, remaining non-2xx statuses are plain
// errors the caller must not retry.
func classifyStatus(resp *http.Response, backendID string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail := readErrorBody(resp.Body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &BackendQuotaError{BackendID: backendID, Detail: detail}
	case resp.StatusCode >= 500:
		return &BackendUnavailableError{BackendID: backendID, Err: fmt.Errorf("status %s: %s", resp.Status, detail)}
	default:
		return fmt.Errorf("backend %s rejected request: status %s: %s", backendID, resp.Status, detail)
	}
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 2048))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func normalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return trimmed
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed
	}
	return trimmed + "/v1"
}
