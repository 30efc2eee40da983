package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/blob"
	"pdfqa/backend/internal/embedding"
	"pdfqa/backend/internal/logger"
	"pdfqa/backend/internal/middleware"
	"pdfqa/backend/internal/text"
	"pdfqa/backend/internal/vector"
)

// OutcomeCancelled is reported by Wait for a job stopped through Cancel. It
// is never persisted as a document status.
const OutcomeCancelled = "cancelled"

// Outcome is the terminal result of a job.
type Outcome struct {
	Status      string
	ChunkCount  int
	ErrorDetail string
}

type Job struct {
	DocumentID string
	BlobKey    string
	Retry      bool
	StartedAt  time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome

	stage     atomic.Value
	started   atomic.Bool
	cancelled atomic.Bool
	abandoned atomic.Bool
}

func (j *Job) Stage() string {
	s, _ := j.stage.Load().(string)
	return s
}

func (j *Job) setStage(s string) {
	j.stage.Store(s)
}

// Done is closed once the job has written its terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-j.done:
		return j.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func atStage(stage string, err error) error {
	return &stageError{stage: stage, err: err}
}

// Coordinator owns the lifecycle of ingestion jobs. At most one job runs per
// document; a failed job leaves no vectors behind.
type Coordinator struct {
	registry  Registry
	blobs     blob.Store
	extractor Extractor
	embedder  Embedder
	index     vector.Index
	notifier  Notifier
	opts      Options
	pool      *Pool

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewCoordinator starts the worker pool. notifier may be nil.
func NewCoordinator(registry Registry, blobs blob.Store, extractor Extractor, embedder Embedder, index vector.Index, notifier Notifier, opts Options) *Coordinator {
	d := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = d.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = d.QueueSize
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = d.CancelTimeout
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = d.CleanupTimeout
	}
	if opts.IndexTimeout <= 0 {
		opts.IndexTimeout = d.IndexTimeout
	}
	if opts.Collection == "" {
		opts.Collection = d.Collection
	}
	if opts.Chunking == (text.ChunkOptions{}) {
		opts.Chunking = d.Chunking
	}

	return &Coordinator{
		registry:  registry,
		blobs:     blobs,
		extractor: extractor,
		embedder:  embedder,
		index:     index,
		notifier:  notifier,
		opts:      opts,
		pool:      NewPool(opts.Workers, opts.QueueSize),
		jobs:      make(map[string]*Job),
	}
}

// Submit moves the document to processing and queues its job. With retry the
// document must currently be failed; otherwise it must be pending.
func (c *Coordinator) Submit(ctx context.Context, documentID, blobKey string, retry bool) (*Job, error) {
	jobCtx, cancel := context.WithCancel(c.pool.Context())
	jobCtx = middleware.WithCorrelationID(jobCtx, middleware.GetCorrelationID(ctx))
	jobCtx = logger.WithDocumentID(jobCtx, documentID)

	job := &Job{
		DocumentID: documentID,
		BlobKey:    blobKey,
		Retry:      retry,
		StartedAt:  time.Now().UTC(),
		ctx:        jobCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	job.setStage(StageQueued)

	c.mu.Lock()
	if _, ok := c.jobs[documentID]; ok {
		c.mu.Unlock()
		cancel()
		return nil, apperr.Conflict("ingestion already in progress")
	}
	c.jobs[documentID] = job
	c.mu.Unlock()

	if err := c.registry.MarkProcessing(ctx, documentID, retry); err != nil {
		c.release(job)
		return nil, fmt.Errorf("failed to start ingestion: %w", err)
	}
	c.notify(jobCtx, documentID, StatusProcessing, 0, "")

	if !c.pool.TrySubmit(func(context.Context) { c.run(job) }) {
		c.release(job)
		detail := StageQueued + ": ingestion queue full"
		if err := c.registry.MarkFailed(context.WithoutCancel(ctx), documentID, detail); err != nil {
			slog.ErrorContext(jobCtx, "failed to mark document failed", "error", err)
		}
		c.notify(jobCtx, documentID, StatusFailed, 0, detail)
		return nil, apperr.Conflict("ingestion queue full")
	}

	slog.InfoContext(jobCtx, "ingestion queued", "retry", retry)
	return job, nil
}

// release drops a job that never reached a worker.
func (c *Coordinator) release(job *Job) {
	c.mu.Lock()
	if c.jobs[job.DocumentID] == job {
		delete(c.jobs, job.DocumentID)
	}
	c.mu.Unlock()
	job.cancel()
}

func (c *Coordinator) run(job *Job) {
	// Cancel already finished a job it caught in the queue.
	if !job.started.CompareAndSwap(false, true) {
		return
	}
	defer c.finish(job)
	ctx := job.ctx

	slog.InfoContext(ctx, "ingestion started", "retry", job.Retry)
	count, err := c.process(ctx, job)
	if err == nil {
		callCtx, cancel := c.callCtx(ctx)
		err = c.registry.MarkCompleted(callCtx, job.DocumentID, count)
		cancel()
		if err != nil {
			err = atStage(StageIndexing, fmt.Errorf("failed to mark completed: %w", err))
		}
	}
	if err != nil {
		c.fail(job, err)
		return
	}

	if job.abandoned.Load() {
		c.purgeDetached(job)
		job.outcome = Outcome{Status: OutcomeCancelled}
		return
	}

	job.outcome = Outcome{Status: StatusCompleted, ChunkCount: count}
	c.notify(ctx, job.DocumentID, StatusCompleted, count, "")
	slog.InfoContext(ctx, "ingestion completed", "chunks", count, "duration", time.Since(job.StartedAt))
}

func (c *Coordinator) process(ctx context.Context, job *Job) (int, error) {
	id := job.DocumentID
	if err := ctx.Err(); err != nil {
		return 0, atStage(StageQueued, err)
	}

	if job.Retry {
		job.setStage(StageIndexing)
		callCtx, cancel := c.callCtx(ctx)
		err := c.index.Delete(callCtx, c.opts.Collection, vector.Filter{DocumentID: id})
		cancel()
		if err != nil {
			return 0, atStage(StageIndexing, apperr.VectorIndex("failed to purge previous vectors", err))
		}
	}

	job.setStage(StageExtraction)
	callCtx, cancel := c.callCtx(ctx)
	data, err := c.blobs.Get(callCtx, job.BlobKey)
	cancel()
	if err != nil {
		return 0, atStage(StageExtraction, fmt.Errorf("failed to read document: %w", err))
	}
	pages, err := c.extractor.Extract(ctx, data)
	if err != nil {
		return 0, atStage(StageExtraction, err)
	}

	job.setStage(StageChunking)
	chunks, err := text.ChunkPages(pages, c.opts.Chunking)
	if err != nil {
		return 0, atStage(StageChunking, err)
	}
	callCtx, cancel = c.callCtx(ctx)
	err = c.registry.ReplaceChunks(callCtx, id, chunks)
	cancel()
	if err != nil {
		return 0, atStage(StageChunking, fmt.Errorf("failed to store chunks: %w", err))
	}
	slog.InfoContext(ctx, "document chunked", "pages", len(pages), "chunks", len(chunks))

	job.setStage(StageEmbedding)
	err = c.embedder.Embed(ctx, chunks, func(ctx context.Context, batch []embedding.Embedded) error {
		items := make([]vector.Item, len(batch))
		indices := make([]int, len(batch))
		for i, e := range batch {
			items[i] = vector.Item{
				ID:     vector.ChunkID(id, e.Chunk.Index),
				Vector: e.Vector,
				Metadata: vector.Metadata{
					DocumentID: id,
					ChunkIndex: e.Chunk.Index,
					SourcePage: e.Chunk.SourcePage,
					CharLength: e.Chunk.CharLength,
					Text:       e.Chunk.Text,
				},
			}
			indices[i] = e.Chunk.Index
		}
		callCtx, cancel := c.callCtx(ctx)
		defer cancel()
		if err := c.index.Upsert(callCtx, c.opts.Collection, items); err != nil {
			return apperr.VectorIndex("failed to upsert vectors", err)
		}
		if err := c.registry.MarkChunksReady(callCtx, id, indices); err != nil {
			return apperr.VectorIndex("failed to mark chunks ready", err)
		}
		return nil
	})
	if err != nil {
		stage := StageEmbedding
		if errors.Is(err, apperr.ErrVectorIndex) {
			stage = StageIndexing
		}
		return 0, atStage(stage, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, atStage(job.Stage(), err)
	}

	return len(chunks), nil
}

// callCtx bounds a single external call made by a job.
func (c *Coordinator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.IndexTimeout)
}

// fail purges the document's vectors and records the failure. Cancelled and
// abandoned jobs only purge.
func (c *Coordinator) fail(job *Job, err error) {
	cleanupCtx := c.purgeDetached(job)

	if job.cancelled.Load() || job.abandoned.Load() {
		job.outcome = Outcome{Status: OutcomeCancelled}
		slog.InfoContext(cleanupCtx, "ingestion cancelled", "stage", job.Stage())
		return
	}

	detail := err.Error()
	var se *stageError
	if errors.As(err, &se) {
		detail = se.stage + ": " + se.err.Error()
	}
	if job.ctx.Err() != nil {
		detail = job.Stage() + ": interrupted by shutdown"
	}

	job.outcome = Outcome{Status: StatusFailed, ErrorDetail: detail}
	slog.ErrorContext(cleanupCtx, "ingestion failed", "stage", job.Stage(), "error", err)

	ctx, cancel := context.WithTimeout(cleanupCtx, c.opts.CleanupTimeout)
	defer cancel()
	if merr := c.registry.MarkFailed(ctx, job.DocumentID, detail); merr != nil {
		slog.ErrorContext(ctx, "failed to mark document failed", "error", merr)
		return
	}
	c.notify(ctx, job.DocumentID, StatusFailed, 0, detail)
}

// purgeDetached deletes the job's vectors on a context that survives job
// cancellation, and returns that context for further cleanup logging.
func (c *Coordinator) purgeDetached(job *Job) context.Context {
	detached := context.WithoutCancel(job.ctx)
	ctx, cancel := context.WithTimeout(detached, c.opts.CleanupTimeout)
	defer cancel()
	if err := c.index.Delete(ctx, c.opts.Collection, vector.Filter{DocumentID: job.DocumentID}); err != nil {
		slog.ErrorContext(ctx, "failed to purge vectors", "error", err)
	}
	return detached
}

func (c *Coordinator) finish(job *Job) {
	c.mu.Lock()
	if c.jobs[job.DocumentID] == job {
		delete(c.jobs, job.DocumentID)
	}
	c.mu.Unlock()
	job.cancel()
	close(job.done)
}

// Cancel stops the document's job and waits up to the cancel timeout for it
// to exit. A job still waiting in the queue is finished on the spot. A job
// that does not exit in time is abandoned: it is forgotten here and purges
// its own vectors when it finally returns. A cancelled job never writes a
// failed status.
func (c *Coordinator) Cancel(ctx context.Context, documentID string) CancelOutcome {
	c.mu.Lock()
	job, ok := c.jobs[documentID]
	c.mu.Unlock()
	if !ok {
		return NoJob
	}

	job.cancelled.Store(true)
	job.cancel()

	if job.started.CompareAndSwap(false, true) {
		job.outcome = Outcome{Status: OutcomeCancelled}
		c.finish(job)
		slog.InfoContext(job.ctx, "queued ingestion cancelled")
		return Stopped
	}

	timer := time.NewTimer(c.opts.CancelTimeout)
	defer timer.Stop()
	select {
	case <-job.done:
		return Stopped
	case <-timer.C:
	case <-ctx.Done():
	}

	job.abandoned.Store(true)
	c.mu.Lock()
	if c.jobs[documentID] == job {
		delete(c.jobs, documentID)
	}
	c.mu.Unlock()

	slog.WarnContext(job.ctx, "ingestion job abandoned", "stage", job.Stage())
	return Abandoned
}

// Wait blocks until the document's active job finishes.
func (c *Coordinator) Wait(ctx context.Context, documentID string) (Outcome, error) {
	c.mu.Lock()
	job, ok := c.jobs[documentID]
	c.mu.Unlock()
	if !ok {
		return Outcome{}, apperr.NotFound("no active ingestion for document")
	}
	return job.Wait(ctx)
}

func (c *Coordinator) IsActive(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.jobs[documentID]
	return ok
}

// Active lists in-flight jobs, oldest first.
func (c *Coordinator) Active() []JobInfo {
	c.mu.Lock()
	out := make([]JobInfo, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, JobInfo{
			DocumentID: j.DocumentID,
			Stage:      j.Stage(),
			Retry:      j.Retry,
			StartedAt:  j.StartedAt,
		})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if !out[i].StartedAt.Equal(out[k].StartedAt) {
			return out[i].StartedAt.Before(out[k].StartedAt)
		}
		return out[i].DocumentID < out[k].DocumentID
	})
	return out
}

// Close cancels every job and waits for the workers. Jobs interrupted this
// way are marked failed so no document stays in processing.
func (c *Coordinator) Close() {
	c.pool.Close()
}

func (c *Coordinator) notify(ctx context.Context, documentID, status string, chunks int, detail string) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(ctx, StatusEvent{
		DocumentID:    documentID,
		Status:        status,
		ChunkCount:    chunks,
		ErrorDetail:   detail,
		CorrelationID: middleware.GetCorrelationID(ctx),
		Timestamp:     time.Now().UTC(),
	})
}
