// Package ingest drives a document from pending to completed or failed:
// extraction, chunking, embedding and indexing, one job per document.
package ingest

import (
	"context"
	"time"

	"pdfqa/backend/internal/embedding"
	"pdfqa/backend/internal/text"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Stage names prefix error_detail so a failure shows where it happened.
const (
	StageQueued     = "queued"
	StageExtraction = "extraction"
	StageChunking   = "chunking"
	StageEmbedding  = "embedding"
	StageIndexing   = "indexing"
)

// Registry persists document status and chunk metadata. Transition methods
// return apperr.ErrInvalidTransition when the document is not in a state the
// transition starts from.
type Registry interface {
	// MarkProcessing moves pending to processing, or failed to processing
	// when retry is set.
	MarkProcessing(ctx context.Context, id string, retry bool) error
	MarkCompleted(ctx context.Context, id string, chunkCount int) error
	MarkFailed(ctx context.Context, id, detail string) error
	// ReplaceChunks drops any existing chunk rows and stores chunks as
	// pending.
	ReplaceChunks(ctx context.Context, id string, chunks []text.Chunk) error
	MarkChunksReady(ctx context.Context, id string, indices []int) error
}

type Extractor interface {
	Extract(ctx context.Context, data []byte) ([]text.Page, error)
}

type Embedder interface {
	Embed(ctx context.Context, chunks []text.Chunk, sink embedding.Sink) error
}

// StatusEvent is emitted on every status transition.
type StatusEvent struct {
	DocumentID    string    `json:"document_id"`
	Status        string    `json:"status"`
	ChunkCount    int       `json:"chunk_count,omitempty"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type Notifier interface {
	Notify(ctx context.Context, ev StatusEvent)
}

type Options struct {
	Workers        int
	QueueSize      int
	CancelTimeout  time.Duration
	CleanupTimeout time.Duration
	// IndexTimeout bounds each blob, registry and vector index call a job
	// makes.
	IndexTimeout   time.Duration
	Collection     string
	Chunking       text.ChunkOptions
}

func DefaultOptions() Options {
	return Options{
		Workers:        4,
		QueueSize:      64,
		CancelTimeout:  10 * time.Second,
		CleanupTimeout: 30 * time.Second,
		IndexTimeout:   10 * time.Second,
		Collection:     "DocumentChunk",
		Chunking:       text.DefaultChunkOptions(),
	}
}

// JobInfo is a snapshot of an in-flight job.
type JobInfo struct {
	DocumentID string    `json:"document_id"`
	Stage      string    `json:"stage"`
	Retry      bool      `json:"retry"`
	StartedAt  time.Time `json:"started_at"`
}

// CancelOutcome reports how Cancel ended.
type CancelOutcome int

const (
	// NoJob means nothing was running for the document.
	NoJob CancelOutcome = iota
	// Stopped means the job observed cancellation and exited in time.
	Stopped
	// Abandoned means the job did not exit within the cancel timeout. It
	// purges whatever it indexed once it finally exits.
	Abandoned
)
