package ingest

import (
	"context"
	"sync"

	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/blob"
	"pdfqa/backend/internal/embedding"
	"pdfqa/backend/internal/text"
	"pdfqa/backend/internal/vector"
)

type fakeRegistry struct {
	mu      sync.Mutex
	status  map[string]string
	history map[string][]string
	details map[string]string
	counts  map[string]int
	chunks  map[string][]text.Chunk
	ready   map[string]map[int]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		status:  map[string]string{},
		history: map[string][]string{},
		details: map[string]string{},
		counts:  map[string]int{},
		chunks:  map[string][]text.Chunk{},
		ready:   map[string]map[int]bool{},
	}
}

func (r *fakeRegistry) create(id, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[id] = status
	r.history[id] = []string{status}
}

func (r *fakeRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.status, id)
}

func (r *fakeRegistry) transition(id, to string, from ...string) error {
	cur, ok := r.status[id]
	if !ok {
		return apperr.NotFound("document not found")
	}
	for _, f := range from {
		if cur == f {
			r.status[id] = to
			r.history[id] = append(r.history[id], to)
			return nil
		}
	}
	return apperr.InvalidTransition("cannot move "+cur+" to "+to, nil)
}

func (r *fakeRegistry) MarkProcessing(ctx context.Context, id string, retry bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if retry {
		return r.transition(id, StatusProcessing, StatusFailed)
	}
	return r.transition(id, StatusProcessing, StatusPending)
}

func (r *fakeRegistry) MarkCompleted(ctx context.Context, id string, chunkCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transition(id, StatusCompleted, StatusProcessing); err != nil {
		return err
	}
	r.counts[id] = chunkCount
	delete(r.details, id)
	return nil
}

func (r *fakeRegistry) MarkFailed(ctx context.Context, id, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transition(id, StatusFailed, StatusProcessing); err != nil {
		return err
	}
	r.details[id] = detail
	r.ready[id] = map[int]bool{}
	return nil
}

func (r *fakeRegistry) ReplaceChunks(ctx context.Context, id string, chunks []text.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks[id] = chunks
	r.ready[id] = map[int]bool{}
	return nil
}

func (r *fakeRegistry) MarkChunksReady(ctx context.Context, id string, indices []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range indices {
		r.ready[id][i] = true
	}
	return nil
}

func (r *fakeRegistry) get(id string) (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[id], r.details[id]
}

func (r *fakeRegistry) statusHistory(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.history[id]...)
}

func (r *fakeRegistry) readyCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ready[id])
}

type fakeBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (b *fakeBlobs) Put(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = data
	return nil
}

func (b *fakeBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[key]
	if !ok {
		return nil, blob.ErrNotExist
	}
	return d, nil
}

func (b *fakeBlobs) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

type extractFunc func(ctx context.Context, data []byte) ([]text.Page, error)

func (f extractFunc) Extract(ctx context.Context, data []byte) ([]text.Page, error) {
	return f(ctx, data)
}

// fakeEmbedder hands chunks to the sink two at a time with unit vectors.
type fakeEmbedder struct {
	failAt int
	err    error

	// When block is set the first call waits on it, or on ctx when
	// honorCtx is set.
	block    chan struct{}
	honorCtx bool
	started  chan struct{}
	once     sync.Once
}

func (f *fakeEmbedder) Embed(ctx context.Context, chunks []text.Chunk, sink embedding.Sink) error {
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.block != nil {
		if f.honorCtx {
			select {
			case <-f.block:
			case <-ctx.Done():
				return ctx.Err()
			}
		} else {
			<-f.block
		}
	}

	batch := 0
	for i := 0; i < len(chunks); i += 2 {
		batch++
		if batch == f.failAt {
			return f.err
		}
		var out []embedding.Embedded
		for _, c := range chunks[i:min(i+2, len(chunks))] {
			out = append(out, embedding.Embedded{Chunk: c, Vector: []float32{1, float32(c.Index), 0}})
		}
		if err := sink(ctx, out); err != nil {
			return err
		}
	}
	return nil
}

type memIndex struct {
	mu        sync.Mutex
	items     map[string]vector.Item
	upsertErr error
	// stall makes Upsert hang until its context ends.
	stall bool
}

func newMemIndex() *memIndex {
	return &memIndex{items: map[string]vector.Item{}}
}

func (m *memIndex) Upsert(ctx context.Context, collection string, items []vector.Item) error {
	if m.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	for _, it := range items {
		m.items[it.ID] = it
	}
	return nil
}

func (m *memIndex) Search(ctx context.Context, collection string, query []float32, k int, filter vector.Filter) ([]vector.Hit, error) {
	return nil, nil
}

func (m *memIndex) Delete(ctx context.Context, collection string, filter vector.Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, it := range m.items {
		if it.Metadata.DocumentID == filter.DocumentID {
			delete(m.items, id)
		}
	}
	return nil
}

func (m *memIndex) count(documentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.items {
		if it.Metadata.DocumentID == documentID {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, ev StatusEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) statuses(documentID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		if ev.DocumentID == documentID {
			out = append(out, ev.Status)
		}
	}
	return out
}
