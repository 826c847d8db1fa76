package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Embedder turns text into a dense vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reranker scores how well candidate answers the same question as query, in [0,1]
type Reranker interface {
	Score(ctx context.Context, query, candidate string) (float64, error)
}

// HTTPEmbedder calls a text-embeddings-inference style /embed endpoint
type HTTPEmbedder struct {
	url    string
	client *http.Client
}

// NewHTTPEmbedder creates an embedding client
func NewHTTPEmbedder(url string, timeout time.Duration) *HTTPEmbedder {
	return &HTTPEmbedder{url: url, client: &http.Client{Timeout: timeout}}
}

// Embed returns the embedding of text
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var out [][]float32
	if err := postJSON(ctx, e.client, e.url, map[string]interface{}{"inputs": text}, &out); err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(out) == 0 || len(out[0]) == 0 {
		return nil, fmt.Errorf("embedding service returned no vector")
	}
	return out[0], nil
}

// HTTPReranker calls a text-embeddings-inference style /rerank endpoint
type HTTPReranker struct {
	url    string
	client *http.Client
}

// NewHTTPReranker creates a cross-encoder client
func NewHTTPReranker(url string, timeout time.Duration) *HTTPReranker {
	return &HTTPReranker{url: url, client: &http.Client{Timeout: timeout}}
}

// Score returns the cross-encoder probability for (query, candidate)
func (r *HTTPReranker) Score(ctx context.Context, query, candidate string) (float64, error) {
	var out []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	}
	body := map[string]interface{}{"query": query, "texts": []string{candidate}}
	if err := postJSON(ctx, r.client, r.url, body, &out); err != nil {
		return 0, fmt.Errorf("rerank request failed: %w", err)
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("rerank service returned no score")
	}
	return out[0].Score, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
