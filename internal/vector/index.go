// Package vector defines the capability every vector store backend exposes
// to ingestion and retrieval, plus helpers shared by the backends.
package vector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

// DefaultCollection is the collection chunk vectors are written to.
const DefaultCollection = "DocumentChunk"

var ErrEmptyFilter = errors.New("delete requires a document filter")

type Metadata struct {
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	SourcePage int    `json:"source_page"`
	CharLength int    `json:"char_length"`
	Text       string `json:"text"`
}

type Item struct {
	ID       string
	Vector   []float32
	Metadata Metadata
}

// Hit is a search result. Score is cosine similarity: higher is closer.
type Hit struct {
	ID       string
	Score    float32
	Metadata Metadata
}

type Filter struct {
	DocumentID string
}

// Index is implemented by every vector store backend.
//
// Upsert is atomic per call and replaces items with the same ID. Search
// returns at most k hits ordered by descending score with ties broken by
// ascending chunk index, and observes every prior Upsert and Delete.
type Index interface {
	Upsert(ctx context.Context, collection string, items []Item) error
	Search(ctx context.Context, collection string, query []float32, k int, filter Filter) ([]Hit, error)
	Delete(ctx context.Context, collection string, filter Filter) error
}

var chunkNamespace = uuid.MustParse("6f1c2a52-8d0b-4f7e-9a61-3c2d7b0e5a14")

// ChunkID derives a stable UUID for a chunk so that re-indexing a document
// overwrites instead of duplicating.
func ChunkID(documentID string, chunkIndex int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(documentID+"/"+strconv.Itoa(chunkIndex))).String()
}

func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Metadata.ChunkIndex < hits[j].Metadata.ChunkIndex
	})
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// ValidateItems checks a batch before it reaches a backend: every item needs
// an id, a document id and a vector of the same dimension.
func ValidateItems(items []Item) error {
	dim := -1
	for i, it := range items {
		if it.ID == "" {
			return fmt.Errorf("item %d: missing id", i)
		}
		if it.Metadata.DocumentID == "" {
			return fmt.Errorf("item %d: missing document id", i)
		}
		if len(it.Vector) == 0 {
			return fmt.Errorf("item %d: empty vector", i)
		}
		if dim == -1 {
			dim = len(it.Vector)
		} else if len(it.Vector) != dim {
			return fmt.Errorf("item %d: dimension %d, want %d", i, len(it.Vector), dim)
		}
	}
	return nil
}
