// Package embeddings provides a client for a self-hosted text embedding
// service reachable over HTTP.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 2
	defaultRetryDelay = 200 * time.Millisecond
	maxErrorBody      = 512
)

// Client calls an embedding endpoint that accepts {"text": ...} and answers
// with a vector.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
}

// Config configures the embedding client.
type Config struct {
	BaseURL string
	APIKey  string
	// Model is forwarded to services that host several models.
	Model string
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts on 429 and 5xx answers.
	// Zero uses the default; a negative value disables retries.
	MaxRetries int
	RetryDelay time.Duration
}

// StatusError is returned when the service answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("embedding API returned %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether another attempt may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// NewClient creates a new embedding API client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	switch {
	case retries == 0:
		retries = defaultMaxRetries
	case retries < 0:
		retries = 0
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: retries,
		retryDelay: delay,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type embeddingRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// Embed returns the vector for text. Transient failures are retried with
// linear backoff until the retries or ctx run out.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	bodyBytes, err := json.Marshal(embeddingRequest{Text: text, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("embedding request abandoned after %d attempts: %w", attempt, errors.Join(lastErr, ctx.Err()))
			case <-time.After(time.Duration(attempt) * c.retryDelay):
			}
		}

		vec, err := c.do(ctx, bodyBytes)
		if err == nil {
			return vec, nil
		}
		lastErr = err

		var statusErr *StatusError
		if !errors.As(err, &statusErr) || !statusErr.Temporary() {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, payload []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return decodeVector(body)
}

// decodeVector accepts {"vector": [...]}, {"embedding": [...]},
// {"data": [{"embedding": [...]}]} or a raw array.
func decodeVector(body []byte) ([]float32, error) {
	var wrapped struct {
		Vector    []float32 `json:"vector"`
		Embedding []float32 `json:"embedding"`
		Data      []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		switch {
		case len(wrapped.Vector) > 0:
			return wrapped.Vector, nil
		case len(wrapped.Embedding) > 0:
			return wrapped.Embedding, nil
		case len(wrapped.Data) > 0 && len(wrapped.Data[0].Embedding) > 0:
			return wrapped.Data[0].Embedding, nil
		}
	}

	var vector []float32
	if err := json.Unmarshal(body, &vector); err == nil && len(vector) > 0 {
		return vector, nil
	}

	return nil, fmt.Errorf("failed to decode embedding response")
}
