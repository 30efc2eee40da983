// Package weaviate stores chunk vectors in a Weaviate class.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/vector"
)

type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

var _ vector.Index = (*Store)(nil)

// EnsureSchema creates or migrates the collection class.
func (s *Store) EnsureSchema(ctx context.Context, collection string) error {
	return vector.EnsureSchema(ctx, vector.NewWeaviateClientAdapter(s.client), collection)
}

// Upsert writes items in one batch request. Weaviate batches are not
// transactional, so objects that were written before a failure are removed
// again before the error is returned.
func (s *Store) Upsert(ctx context.Context, collection string, items []vector.Item) error {
	if len(items) == 0 {
		return nil
	}
	if err := vector.ValidateItems(items); err != nil {
		return apperr.VectorIndex("invalid upsert batch", err)
	}

	objects := make([]*models.Object, len(items))
	for i, it := range items {
		objects[i] = &models.Object{
			Class: collection,
			ID:    strfmt.UUID(it.ID),
			Properties: map[string]interface{}{
				"documentId": it.Metadata.DocumentID,
				"chunkIndex": it.Metadata.ChunkIndex,
				"content":    it.Metadata.Text,
				"sourcePage": it.Metadata.SourcePage,
				"charLength": it.Metadata.CharLength,
			},
			Vector: it.Vector,
		}
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return apperr.VectorIndex("weaviate batch upsert", err)
	}

	var written []string
	var failures []string
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			for _, e := range r.Result.Errors.Error {
				failures = append(failures, e.Message)
			}
			continue
		}
		written = append(written, string(r.ID))
	}
	if len(failures) == 0 {
		return nil
	}

	for _, id := range written {
		if derr := s.client.Data().Deleter().WithClassName(collection).WithID(id).Do(ctx); derr != nil {
			slog.WarnContext(ctx, "failed to roll back partial upsert", "id", id, "error", derr)
		}
	}
	return apperr.VectorIndex("weaviate batch upsert", fmt.Errorf("%d of %d objects rejected: %s",
		len(failures), len(items), strings.Join(failures, "; ")))
}

func documentFilter(documentID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"documentId"}).
		WithOperator(filters.Equal).
		WithValueString(documentID)
}

func (s *Store) Search(ctx context.Context, collection string, query []float32, k int, filter vector.Filter) ([]vector.Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	fields := []graphql.Field{
		{Name: "documentId"},
		{Name: "chunkIndex"},
		{Name: "content"},
		{Name: "sourcePage"},
		{Name: "charLength"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}}},
	}

	get := s.client.GraphQL().Get().
		WithClassName(collection).
		WithNearVector(s.client.GraphQL().NearVectorArgBuilder().WithVector(query)).
		WithLimit(k).
		WithFields(fields...)
	if filter.DocumentID != "" {
		get = get.WithWhere(documentFilter(filter.DocumentID))
	}

	res, err := get.Do(ctx)
	if err != nil {
		return nil, apperr.VectorIndex("weaviate search", err)
	}
	if len(res.Errors) > 0 {
		msgs := make([]string, len(res.Errors))
		for i, e := range res.Errors {
			msgs[i] = e.Message
		}
		return nil, apperr.VectorIndex("weaviate search", errors.New(strings.Join(msgs, "; ")))
	}

	var hits []vector.Hit
	data, _ := res.Data["Get"].(map[string]interface{})
	rows, _ := data[collection].([]interface{})
	for _, row := range rows {
		props, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		hit := vector.Hit{Metadata: vector.Metadata{
			DocumentID: stringProp(props, "documentId"),
			ChunkIndex: intProp(props, "chunkIndex"),
			Text:       stringProp(props, "content"),
			SourcePage: intProp(props, "sourcePage"),
			CharLength: intProp(props, "charLength"),
		}}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			hit.ID, _ = additional["id"].(string)
			// Weaviate reports cosine distance; similarity is its complement.
			if d, ok := additional["distance"].(float64); ok {
				hit.Score = float32(1 - d)
			}
		}
		hits = append(hits, hit)
	}

	vector.SortHits(hits)
	return hits, nil
}

func (s *Store) Delete(ctx context.Context, collection string, filter vector.Filter) error {
	if filter.DocumentID == "" {
		return apperr.VectorIndex("weaviate delete", vector.ErrEmptyFilter)
	}
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(collection).
		WithOutput("minimal").
		WithWhere(documentFilter(filter.DocumentID)).
		Do(ctx)
	if err != nil {
		return apperr.VectorIndex("weaviate delete", err)
	}
	return nil
}

// Count returns the number of stored vectors, optionally for one document.
func (s *Store) Count(ctx context.Context, collection string, filter vector.Filter) (int, error) {
	agg := s.client.GraphQL().Aggregate().
		WithClassName(collection).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}})
	if filter.DocumentID != "" {
		agg = agg.WithWhere(documentFilter(filter.DocumentID))
	}

	res, err := agg.Do(ctx)
	if err != nil {
		return 0, apperr.VectorIndex("weaviate count", err)
	}
	if len(res.Errors) > 0 {
		return 0, apperr.VectorIndex("weaviate count", errors.New(res.Errors[0].Message))
	}

	data, _ := res.Data["Aggregate"].(map[string]interface{})
	groups, _ := data[collection].([]interface{})
	if len(groups) == 0 {
		return 0, nil
	}
	group, _ := groups[0].(map[string]interface{})
	meta, _ := group["meta"].(map[string]interface{})
	count, _ := meta["count"].(float64)
	return int(count), nil
}

func stringProp(props map[string]interface{}, key string) string {
	v, _ := props[key].(string)
	return v
}

// intProp reads a numeric property; JSON decoding yields float64.
func intProp(props map[string]interface{}, key string) int {
	switch v := props[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
