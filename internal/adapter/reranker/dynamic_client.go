package reranker

import (
	"context"
	"fmt"
	"sync"

	"pdfqa/backend/internal/settings"
)

// DynamicClient picks the provider and key from settings on every call.
type DynamicClient struct {
	settingsSvc *settings.Service
	fallbackKey string

	mu       sync.Mutex
	client   *Client
	provider string
	key      string
}

// NewDynamicClient uses fallbackKey when settings name a provider but hold
// no key for it.
func NewDynamicClient(svc *settings.Service, fallbackKey string) *DynamicClient {
	return &DynamicClient{settingsSvc: svc, fallbackKey: fallbackKey}
}

func (d *DynamicClient) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	s, err := d.settingsSvc.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	if s.RerankProvider == "" || s.RerankProvider == settings.RerankNone {
		return nil, nil
	}
	key := s.RerankAPIKey
	if key == "" {
		key = d.fallbackKey
	}
	return d.getClient(s.RerankProvider, key).Rerank(ctx, query, docs)
}

func (d *DynamicClient) getClient(provider, key string) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil && d.provider == provider && d.key == key {
		return d.client
	}
	d.client = NewClient(provider, key)
	d.provider = provider
	d.key = key
	return d.client
}
