// Package embed implements the outbound vector-embedding provider client
// (component C9/C10): an abstract Embedder, an OpenAI-compatible HTTP
// implementation, the claim-and-process worker loop, and cosine-distance
// search ranking.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CallTimeout bounds every outbound embedding call, per spec §4.8/§4.7.9.
const CallTimeout = 15 * time.Second

// Embedder produces a fixed-dimension vector for a text input. Implementations
// must never surface their provider's raw response body to callers — only a
// bounded, provider-agnostic error.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	APIKey     string
	Model      string
	BaseURL    string // defaults to "https://api.openai.com/v1" when empty
	HTTPClient *http.Client
}

// NewOpenAIEmbedder builds an OpenAIEmbedder with a default 15s HTTP client.
func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		APIKey:     apiKey,
		Model:      model,
		HTTPClient: &http.Client{Timeout: CallTimeout},
	}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// ErrUpstream wraps an embedding-provider failure. Its Error() string
// carries only the HTTP status; Embed drains and discards the provider's
// response body, so the body is neither attached here nor logged.
type ErrUpstream struct {
	Status int
}

func (e *ErrUpstream) Error() string {
	return fmt.Sprintf("embeddings provider returned status %d", e.Status)
}

// Embed calls the configured endpoint and returns the first embedding
// vector. The request body is never logged or persisted by this method; the
// caller is responsible for logging only the HTTP status on failure.
func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	baseURL := o.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	payload, err := json.Marshal(embedRequest{Model: o.Model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.APIKey)

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: CallTimeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling embeddings provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain and discard the body: its content must never reach logs,
		// last_error columns, or API responses.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &ErrUpstream{Status: resp.StatusCode}
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding embeddings response: %w", err)
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embeddings provider returned an empty vector")
	}
	return decoded.Data[0].Embedding, nil
}

// BuildText produces the deterministic embedding input text for a version,
// truncated to 8000 characters.
func BuildText(path string, value json.RawMessage, tags []string) string {
	tagsJSON, _ := json.Marshal(tags)
	text := fmt.Sprintf("path:%s\nvalue:%s\ntags:%s", path, string(value), string(tagsJSON))
	if r := []rune(text); len(r) > 8000 {
		text = string(r[:8000])
	}
	return text
}

// ApproxTokens estimates token usage for quota accounting: ceil(len/4).
func ApproxTokens(text string) int64 {
	n := int64(len(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
