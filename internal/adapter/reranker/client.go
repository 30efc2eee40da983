// Package reranker scores passages against a query with a hosted cross-encoder.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pdfqa/backend/internal/apperr"
)

const (
	jinaURL   = "https://api.jina.ai/v1/rerank"
	cohereURL = "https://api.cohere.ai/v1/rerank"
)

type Client struct {
	apiKey   string
	provider string
	client   *http.Client
	baseURL  string
}

func NewClient(provider, apiKey string) *Client {
	return &Client{
		provider: provider,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) SetBaseURL(url string) {
	c.baseURL = url
}

// Rerank returns one relevance score in [0, 1] per document, in input order.
// Without a configured provider it returns nil scores.
func (c *Client) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	switch c.provider {
	case "jina":
		return c.post(ctx, c.urlOr(jinaURL), map[string]interface{}{
			"model":     "jina-reranker-v2-base-multilingual",
			"query":     query,
			"documents": docs,
			"top_n":     len(docs),
		}, len(docs))
	case "cohere":
		return c.post(ctx, c.urlOr(cohereURL), map[string]interface{}{
			"model":            "rerank-multilingual-v3.0",
			"query":            query,
			"documents":        docs,
			"top_n":            len(docs),
			"return_documents": false,
		}, len(docs))
	}
	return nil, nil
}

func (c *Client) urlOr(def string) string {
	if c.baseURL != "" {
		return c.baseURL
	}
	return def
}

func (c *Client) post(ctx context.Context, url string, reqBody map[string]interface{}, n int) ([]float64, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("%s api error: %d %s", c.provider, resp.StatusCode, body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, apperr.Transient(err)
		}
		return nil, apperr.Permanent(err)
	}

	var result struct {
		Results []struct {
			Index int     `json:"index"`
			Score float64 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	scores := make([]float64, n)
	for _, r := range result.Results {
		if r.Index >= 0 && r.Index < n {
			scores[r.Index] = clamp01(r.Score)
		}
	}
	return scores, nil
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
