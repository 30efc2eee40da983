package weaviate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"pdfqa/backend/internal/apperr"
	adapter "pdfqa/backend/internal/adapter/weaviate"
	"pdfqa/backend/internal/vector"
)

func mockWeaviate(t *testing.T, handler http.HandlerFunc) *adapter.Store {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/meta" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"version": "1.19.0"}`))
			return
		}
		handler(w, r)
	}))
	t.Cleanup(ts.Close)

	client, err := weaviate.NewClient(weaviate.Config{Host: ts.Listener.Addr().String(), Scheme: "http"})
	require.NoError(t, err)
	return adapter.NewStore(client)
}

func item(doc string, idx int) vector.Item {
	return vector.Item{
		ID:     vector.ChunkID(doc, idx),
		Vector: []float32{0.1, 0.2, 0.3},
		Metadata: vector.Metadata{
			DocumentID: doc,
			ChunkIndex: idx,
			Text:       "chunk text",
			SourcePage: 1,
			CharLength: 10,
		},
	}
}

func TestStore_Upsert(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		store := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/batch/objects", r.URL.Path)
			assert.Equal(t, http.MethodPost, r.Method)

			var body struct {
				Objects []map[string]interface{} `json:"objects"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Len(t, body.Objects, 2)
			props := body.Objects[0]["properties"].(map[string]interface{})
			assert.Equal(t, "doc-1", props["documentId"])
			assert.Equal(t, "chunk text", props["content"])
			assert.Equal(t, vector.ChunkID("doc-1", 0), body.Objects[0]["id"])

			resp := make([]map[string]interface{}, len(body.Objects))
			for i, o := range body.Objects {
				resp[i] = map[string]interface{}{"id": o["id"], "class": o["class"]}
			}
			json.NewEncoder(w).Encode(resp)
		})

		err := store.Upsert(context.Background(), "DocumentChunk", []vector.Item{item("doc-1", 0), item("doc-1", 1)})
		assert.NoError(t, err)
	})

	t.Run("EmptyIsNoop", func(t *testing.T) {
		store := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("unexpected request %s", r.URL.Path)
		})
		assert.NoError(t, store.Upsert(context.Background(), "DocumentChunk", nil))
	})

	t.Run("InvalidItem", func(t *testing.T) {
		store := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("unexpected request %s", r.URL.Path)
		})
		bad := item("doc-1", 0)
		bad.Vector = nil
		err := store.Upsert(context.Background(), "DocumentChunk", []vector.Item{bad})
		assert.ErrorIs(t, err, apperr.ErrVectorIndex)
	})

	t.Run("PartialFailureRollsBack", func(t *testing.T) {
		var deleted []string
		store := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodDelete {
				deleted = append(deleted, r.URL.Path)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			var body struct {
				Objects []map[string]interface{} `json:"objects"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"id": body.Objects[0]["id"], "class": "DocumentChunk"},
				{"id": body.Objects[1]["id"], "class": "DocumentChunk", "result": map[string]interface{}{
					"errors": map[string]interface{}{"error": []map[string]interface{}{{"message": "vector dimension mismatch"}}},
				}},
			})
		})

		err := store.Upsert(context.Background(), "DocumentChunk", []vector.Item{item("doc-1", 0), item("doc-1", 1)})
		require.Error(t, err)
		assert.ErrorIs(t, err, apperr.ErrVectorIndex)
		assert.Contains(t, err.Error(), "vector dimension mismatch")
		require.Len(t, deleted, 1)
		assert.True(t, strings.HasSuffix(deleted[0], vector.ChunkID("doc-1", 0)))
	})

	t.Run("ServerError", func(t *testing.T) {
		store := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		err := store.Upsert(context.Background(), "DocumentChunk", []vector.Item{item("doc-1", 0)})
		assert.ErrorIs(t, err, apperr.ErrVectorIndex)
	})
}

func TestStore_Search(t *testing.T) {
	store := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/graphql", r.URL.Path)
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		query := body["query"].(string)
		assert.Contains(t, query, "nearVector")
		assert.Contains(t, query, "documentId")
		assert.Contains(t, query, "doc-1")
		assert.Contains(t, query, "limit: 3")

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"Get": map[string]interface{}{
					"DocumentChunk": []interface{}{
						map[string]interface{}{
							"documentId": "doc-1", "chunkIndex": 4.0, "content": "later", "sourcePage": 2.0, "charLength": 5.0,
							"_additional": map[string]interface{}{"id": "b", "distance": 0.2},
						},
						map[string]interface{}{
							"documentId": "doc-1", "chunkIndex": 1.0, "content": "earlier", "sourcePage": 1.0, "charLength": 7.0,
							"_additional": map[string]interface{}{"id": "a", "distance": 0.2},
						},
						map[string]interface{}{
							"documentId": "doc-1", "chunkIndex": 0.0, "content": "far", "sourcePage": 1.0, "charLength": 3.0,
							"_additional": map[string]interface{}{"id": "c", "distance": 0.6},
						},
					},
				},
			},
		})
	})

	hits, err := store.Search(context.Background(), "DocumentChunk", []float32{0.1, 0.2}, 3, vector.Filter{DocumentID: "doc-1"})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "a", hits[0].ID, "ties break on chunk index")
	assert.Equal(t, "b", hits[1].ID)
	assert.Equal(t, "c", hits[2].ID)
	assert.InDelta(t, 0.8, hits[0].Score, 1e-6)
	assert.Equal(t, "earlier", hits[0].Metadata.Text)
	assert.Equal(t, 1, hits[0].Metadata.SourcePage)
	assert.Equal(t, 7, hits[0].Metadata.CharLength)
}

func TestStore_Search_GraphQLError(t *testing.T) {
	store := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []map[string]interface{}{{"message": "class not found"}},
		})
	})

	_, err := store.Search(context.Background(), "DocumentChunk", []float32{1}, 5, vector.Filter{})
	assert.ErrorIs(t, err, apperr.ErrVectorIndex)
	assert.Contains(t, err.Error(), "class not found")
}

func TestStore_Search_ZeroK(t *testing.T) {
	store := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	})
	hits, err := store.Search(context.Background(), "DocumentChunk", []float32{1}, 0, vector.Filter{})
	assert.NoError(t, err)
	assert.Empty(t, hits)
}

func TestStore_Delete(t *testing.T) {
	t.Run("ByDocument", func(t *testing.T) {
		store := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/batch/objects", r.URL.Path)
			assert.Equal(t, http.MethodDelete, r.Method)
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			match := body["match"].(map[string]interface{})
			assert.Equal(t, "DocumentChunk", match["class"])
			json.NewEncoder(w).Encode(map[string]interface{}{})
		})
		assert.NoError(t, store.Delete(context.Background(), "DocumentChunk", vector.Filter{DocumentID: "doc-1"}))
	})

	t.Run("RequiresFilter", func(t *testing.T) {
		store := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("unexpected request %s", r.URL.Path)
		})
		err := store.Delete(context.Background(), "DocumentChunk", vector.Filter{})
		assert.ErrorIs(t, err, vector.ErrEmptyFilter)
	})
}

func TestStore_Count(t *testing.T) {
	store := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		query := body["query"].(string)
		assert.Contains(t, query, "Aggregate")
		assert.Contains(t, query, "count")

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"Aggregate": map[string]interface{}{
					"DocumentChunk": []interface{}{
						map[string]interface{}{"meta": map[string]interface{}{"count": 12.0}},
					},
				},
			},
		})
	})

	n, err := store.Count(context.Background(), "DocumentChunk", vector.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}
