// Package qdrant provides a REST client for Qdrant vector database.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is an HTTP client for one Qdrant collection.
type Client struct {
	baseURL    string
	apiKey     string
	collection string
	httpClient *http.Client
}

// Config configures the Qdrant client.
type Config struct {
	BaseURL    string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// NewClient creates a new Qdrant client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Point is a vector with its payload.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// FieldMatch restricts a search to points whose payload Key equals Value.
type FieldMatch struct {
	Key   string
	Value string
}

// SearchRequest is the request body for a vector search.
type SearchRequest struct {
	Vector      []float32 `json:"vector"`
	Limit       int       `json:"limit"`
	WithPayload bool      `json:"with_payload"`
	Filter      *filter   `json:"filter,omitempty"`
}

type filter struct {
	Must []condition `json:"must"`
}

type condition struct {
	Key   string     `json:"key"`
	Match matchValue `json:"match"`
}

type matchValue struct {
	Value string `json:"value"`
}

// SearchResult is a single search result from Qdrant.
type SearchResult struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// SearchResponse is the response from a search query.
type SearchResponse struct {
	Result []SearchResult `json:"result"`
	Status interface{}    `json:"status"`
	Time   float64        `json:"time"`
}

// EnsureCollection creates the collection with cosine distance if it does
// not exist yet.
func (c *Client) EnsureCollection(ctx context.Context, dimension int) error {
	status, _, err := c.do(ctx, http.MethodGet, c.collectionURL(""), nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{"size": dimension, "distance": "Cosine"},
	}
	status, respBody, err := c.do(ctx, http.MethodPut, c.collectionURL(""), body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("qdrant create collection returned %d: %s", status, string(respBody))
	}
	return nil
}

// Upsert writes points and waits for them to be indexed.
func (c *Client) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	status, respBody, err := c.do(ctx, http.MethodPut, c.collectionURL("/points?wait=true"), map[string]any{"points": points})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("qdrant upsert returned %d: %s", status, string(respBody))
	}
	return nil
}

// Search performs a vector similarity search in the configured collection.
func (c *Client) Search(ctx context.Context, vector []float32, limit int) ([]SearchResult, error) {
	return c.SearchFiltered(ctx, vector, limit, nil)
}

// SearchFiltered performs a similarity search restricted by payload matches.
func (c *Client) SearchFiltered(ctx context.Context, vector []float32, limit int, matches []FieldMatch) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}

	reqBody := SearchRequest{
		Vector:      vector,
		Limit:       limit,
		WithPayload: true,
	}
	if len(matches) > 0 {
		f := &filter{}
		for _, m := range matches {
			f.Must = append(f.Must, condition{Key: m.Key, Match: matchValue{Value: m.Value}})
		}
		reqBody.Filter = f
	}

	status, body, err := c.do(ctx, http.MethodPost, c.collectionURL("/points/search"), reqBody)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("qdrant returned %d: %s", status, string(body))
	}

	var searchResp SearchResponse
	if err := json.Unmarshal(body, &searchResp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	return searchResp.Result, nil
}

func (c *Client) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", c.baseURL, c.collection, suffix)
}

func (c *Client) do(ctx context.Context, method, url string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		bodyBytes, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal qdrant request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create qdrant request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("qdrant request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read qdrant response: %w", err)
	}
	return resp.StatusCode, body, nil
}
