// Package vector wraps the vector store as an opaque insert/search
// capability over its HTTP API. The pipeline only upserts content keyed by
// deterministic point ids and occasionally searches; embedding happens
// server-side.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/teampulse/backend/internal/circuitbreaker"
)

// Store is the capability the knowledge writer consumes.
type Store interface {
	Insert(ctx context.Context, id, content string, metadata map[string]string) error
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

type Result struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// HTTPStore talks to a Qdrant-style REST endpoint.
type HTTPStore struct {
	baseURL    string
	apiKey     string
	collection string
	client     *http.Client
	breaker    *circuitbreaker.Breaker
}

func NewHTTPStore(baseURL, apiKey, collection string, breaker *circuitbreaker.Breaker) *HTTPStore {
	if collection == "" {
		collection = "knowledge"
	}
	return &HTTPStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		collection: collection,
		client:     &http.Client{Timeout: 10 * time.Second},
		breaker:    breaker,
	}
}

func (s *HTTPStore) Insert(ctx context.Context, id, content string, metadata map[string]string) error {
	payload := map[string]interface{}{
		"points": []map[string]interface{}{{
			"id": id,
			"payload": map[string]interface{}{
				"content":  content,
				"metadata": metadata,
			},
		}},
	}
	path := fmt.Sprintf("/collections/%s/points?wait=true", s.collection)
	return s.breaker.Do(func() error {
		return s.do(ctx, http.MethodPut, path, payload, nil)
	})
}

func (s *HTTPStore) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	payload := map[string]interface{}{
		"query": query,
		"limit": limit,
	}
	var out struct {
		Result []Result `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", s.collection)
	err := s.breaker.Do(func() error {
		return s.do(ctx, http.MethodPost, path, payload, &out)
	})
	if err != nil {
		return nil, err
	}
	return out.Result, nil
}

func (s *HTTPStore) do(ctx context.Context, method, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("vector store request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vector store status %d: %s", resp.StatusCode, snippet)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// NoopStore is used when no vector store is configured.
type NoopStore struct{}

func (NoopStore) Insert(ctx context.Context, id, content string, metadata map[string]string) error {
	slog.Debug("vector store disabled, dropping insert", "id", id)
	return nil
}

func (NoopStore) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	return nil, nil
}
