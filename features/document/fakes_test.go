package document_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pdfqa/backend/features/document"
	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/ingest"
	"pdfqa/backend/internal/text"
)

// memRepo is an in-memory registry with the same guarded transitions as
// PostgresRepo.
type memRepo struct {
	mu     sync.Mutex
	docs   map[string]*document.Document
	chunks map[string][]text.Chunk
}

func newMemRepo() *memRepo {
	return &memRepo{docs: map[string]*document.Document{}, chunks: map[string][]text.Chunk{}}
}

func (r *memRepo) Create(ctx context.Context, doc *document.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	doc.UploadTime, doc.UpdatedAt = now, now
	cp := *doc
	r.docs[doc.ID] = &cp
	return nil
}

func (r *memRepo) Get(ctx context.Context, id string) (*document.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return nil, apperr.NotFound("document not found")
	}
	cp := *d
	return &cp, nil
}

func (r *memRepo) Status(ctx context.Context, id string) (string, error) {
	d, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return d.Status, nil
}

func (r *memRepo) FindByHash(ctx context.Context, hash string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, d := range r.docs {
		if d.ContentHash == hash {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (r *memRepo) List(ctx context.Context, offset, limit int) ([]document.Document, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]document.Document, 0, len(r.docs))
	for _, d := range r.docs {
		all = append(all, *d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UploadTime.After(all[j].UploadTime) })
	if offset >= len(all) {
		return []document.Document{}, len(all), nil
	}
	return all[offset:min(offset+limit, len(all))], len(all), nil
}

func (r *memRepo) ListFailed(ctx context.Context) ([]document.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []document.Document
	for _, d := range r.docs {
		if d.Status == ingest.StatusFailed {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (r *memRepo) ListByStatus(ctx context.Context, status string) ([]document.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []document.Document{}
	for _, d := range r.docs {
		if d.Status == status {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadTime.Before(out[j].UploadTime) })
	return out, nil
}

func (r *memRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[id]; !ok {
		return apperr.NotFound("document not found")
	}
	delete(r.docs, id)
	delete(r.chunks, id)
	return nil
}

func (r *memRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for _, d := range r.docs {
		out[d.Status]++
	}
	return out, nil
}

func (r *memRepo) TotalChunks(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.docs {
		if d.ChunkCount != nil {
			n += *d.ChunkCount
		}
	}
	return n, nil
}

func (r *memRepo) transition(id, from, to string) (*document.Document, error) {
	d, ok := r.docs[id]
	if !ok {
		return nil, apperr.NotFound("document not found")
	}
	if d.Status != from {
		return nil, apperr.InvalidTransition(fmt.Sprintf("cannot move %s document to %s", d.Status, to), nil)
	}
	d.Status = to
	d.UpdatedAt = time.Now()
	return d, nil
}

func (r *memRepo) MarkProcessing(ctx context.Context, id string, retry bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := ingest.StatusPending
	if retry {
		from = ingest.StatusFailed
	}
	d, err := r.transition(id, from, ingest.StatusProcessing)
	if err != nil {
		return err
	}
	if retry {
		d.ErrorDetail = nil
		d.RetryCount++
	}
	return nil
}

func (r *memRepo) MarkCompleted(ctx context.Context, id string, chunkCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.transition(id, ingest.StatusProcessing, ingest.StatusCompleted)
	if err != nil {
		return err
	}
	d.ChunkCount = &chunkCount
	return nil
}

func (r *memRepo) MarkFailed(ctx context.Context, id, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.transition(id, ingest.StatusProcessing, ingest.StatusFailed)
	if err != nil {
		return err
	}
	d.ErrorDetail = &detail
	return nil
}

func (r *memRepo) ReplaceChunks(ctx context.Context, id string, chunks []text.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks[id] = append([]text.Chunk(nil), chunks...)
	return nil
}

func (r *memRepo) MarkChunksReady(ctx context.Context, id string, indices []int) error {
	return nil
}

func (r *memRepo) Chunks(ctx context.Context, id string) ([]text.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]text.Chunk(nil), r.chunks[id]...), nil
}
