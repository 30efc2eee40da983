package reranker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfqa/backend/internal/settings"
)

type MockSettingsRepo struct {
	Settings *settings.Settings
	Err      error
}

func (m *MockSettingsRepo) Get(ctx context.Context) (*settings.Settings, error) {
	return m.Settings, m.Err
}

func (m *MockSettingsRepo) Update(ctx context.Context, s *settings.Settings) error {
	return nil
}

func TestDynamicClient_Rerank_Disabled(t *testing.T) {
	for _, provider := range []string{"", "none"} {
		repo := &MockSettingsRepo{Settings: &settings.Settings{RerankProvider: provider}}
		client := NewDynamicClient(settings.NewService(repo), "")

		scores, err := client.Rerank(context.Background(), "query", []string{"doc1", "doc2"})
		assert.NoError(t, err)
		assert.Nil(t, scores)
	}
}

func TestDynamicClient_Rerank_SettingsError(t *testing.T) {
	repo := &MockSettingsRepo{Err: assert.AnError}
	client := NewDynamicClient(settings.NewService(repo), "")

	_, err := client.Rerank(context.Background(), "query", []string{"doc1"})
	assert.ErrorContains(t, err, "failed to get settings")
}

func TestDynamicClient_Rerank_FallbackKey(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer env-key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{{"index": 0, "relevance_score": 0.7}},
		})
	}))
	defer ts.Close()

	repo := &MockSettingsRepo{Settings: &settings.Settings{RerankProvider: "cohere"}}
	dc := NewDynamicClient(settings.NewService(repo), "env-key")
	dc.getClient("cohere", "env-key").SetBaseURL(ts.URL)

	scores, err := dc.Rerank(context.Background(), "q", []string{"doc"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.7}, scores)
}

func TestDynamicClient_GetClient_Caching(t *testing.T) {
	dc := NewDynamicClient(nil, "")

	c1 := dc.getClient("jina", "key-1")
	assert.NotNil(t, c1)

	c2 := dc.getClient("jina", "key-1")
	assert.Same(t, c1, c2, "should return same cached client")

	c3 := dc.getClient("jina", "key-2")
	assert.NotSame(t, c1, c3, "should create new client for different key")

	c4 := dc.getClient("cohere", "key-2")
	assert.NotSame(t, c3, c4, "should create new client for different provider")
}
