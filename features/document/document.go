// Package document owns uploaded PDF documents: their registry records, the
// upload and delete workflows, and the HTTP surface for querying them.
package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/blob"
	"pdfqa/backend/internal/ingest"
	"pdfqa/backend/internal/logger"
	"pdfqa/backend/internal/pdf"
	"pdfqa/backend/internal/retrieval"
	"pdfqa/backend/internal/summary"
	"pdfqa/backend/internal/vector"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100

	// InterruptedDetail is recorded for documents a previous process left in
	// processing.
	InterruptedDetail = "processing: interrupted by restart"
)

type Document struct {
	ID          string    `json:"document_id"`
	Filename    string    `json:"filename"`
	ByteSize    int64     `json:"byte_size"`
	PageCount   int       `json:"page_count"`
	Status      string    `json:"status"`
	ChunkCount  *int      `json:"chunk_count"`
	ErrorDetail *string   `json:"error_detail,omitempty"`
	RetryCount  int       `json:"retry_count"`
	UploadTime  time.Time `json:"upload_time"`
	UpdatedAt   time.Time `json:"updated_at"`

	ContentHash string `json:"-"`
	BlobKey     string `json:"-"`
}

// DuplicateError is returned by Upload when identical bytes were uploaded
// before. It matches apperr.ErrConflict.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("document already uploaded as %s", e.ExistingID)
}

func (e *DuplicateError) Unwrap() error { return apperr.ErrConflict }

type Repository interface {
	Create(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	FindByHash(ctx context.Context, hash string) (string, bool, error)
	List(ctx context.Context, offset, limit int) ([]Document, int, error)
	ListFailed(ctx context.Context) ([]Document, error)
	// ListByStatus returns every document in status, oldest upload first.
	ListByStatus(ctx context.Context, status string) ([]Document, error)
	MarkFailed(ctx context.Context, id, detail string) error
	Delete(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) (map[string]int, error)
	TotalChunks(ctx context.Context) (int, error)
}

// Validator checks PDF structure and returns the page count.
type Validator interface {
	Validate(data []byte) (int, error)
}

type Ingestor interface {
	Submit(ctx context.Context, documentID, blobKey string, retry bool) (*ingest.Job, error)
	Cancel(ctx context.Context, documentID string) ingest.CancelOutcome
}

type Querier interface {
	Query(ctx context.Context, documentID, question string, maxResults int) (*retrieval.Answer, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, documentID string) (*summary.Summary, error)
}

type Options struct {
	MaxUploadBytes int64
	Collection     string
	IndexTimeout   time.Duration
}

type Service struct {
	repo       Repository
	blobs      blob.Store
	validator  Validator
	ingestor   Ingestor
	index      vector.Index
	querier    Querier
	summarizer Summarizer
	opts       Options
}

func NewService(repo Repository, blobs blob.Store, v Validator, in Ingestor, index vector.Index, q Querier, sum Summarizer, opts Options) *Service {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 50 << 20
	}
	if opts.Collection == "" {
		opts.Collection = vector.DefaultCollection
	}
	if opts.IndexTimeout <= 0 {
		opts.IndexTimeout = 10 * time.Second
	}
	return &Service{
		repo:       repo,
		blobs:      blobs,
		validator:  v,
		ingestor:   in,
		index:      index,
		querier:    q,
		summarizer: sum,
		opts:       opts,
	}
}

func (s *Service) MaxUploadBytes() int64 {
	return s.opts.MaxUploadBytes
}

// Upload stores a new PDF and schedules its ingestion. The returned document
// is pending unless scheduling itself failed; ingestion errors never surface
// here.
func (s *Service) Upload(ctx context.Context, filename string, data []byte) (*Document, error) {
	if len(data) == 0 {
		return nil, apperr.Validation("file is empty")
	}
	if int64(len(data)) > s.opts.MaxUploadBytes {
		return nil, apperr.Validation(fmt.Sprintf("file exceeds %d MB", s.opts.MaxUploadBytes>>20))
	}
	if !pdf.IsPDF(data) {
		return nil, apperr.Validation("file is not a PDF")
	}
	pages, err := s.validator.Validate(data)
	if err != nil {
		return nil, apperr.Validation(fmt.Sprintf("invalid PDF: %v", err))
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	existing, found, err := s.repo.FindByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to check duplicates: %w", err)
	}
	if found {
		return nil, &DuplicateError{ExistingID: existing}
	}

	id := uuid.New().String()
	ctx = logger.WithDocumentID(ctx, id)
	doc := &Document{
		ID:          id,
		Filename:    filename,
		ByteSize:    int64(len(data)),
		PageCount:   pages,
		Status:      ingest.StatusPending,
		ContentHash: hash,
		BlobKey:     blob.DocumentKey(id),
	}

	if err := s.blobs.Put(ctx, doc.BlobKey, data); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if err := s.repo.Create(ctx, doc); err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), doc.BlobKey); derr != nil {
			slog.WarnContext(ctx, "failed to remove orphaned upload", "error", derr)
		}
		var dup *DuplicateError
		if errors.As(err, &dup) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	slog.InfoContext(ctx, "document uploaded", "filename", filename, "bytes", doc.ByteSize, "pages", pages)

	// The record exists now; a client hanging up must not leave it pending.
	if _, err := s.ingestor.Submit(context.WithoutCancel(ctx), id, doc.BlobKey, false); err != nil {
		slog.ErrorContext(ctx, "failed to schedule ingestion", "error", err)
		if cur, gerr := s.repo.Get(ctx, id); gerr == nil {
			return cur, nil
		}
	}
	return doc, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	return s.repo.Get(ctx, id)
}

// List returns one page of documents, newest first, and the total count.
func (s *Service) List(ctx context.Context, offset, limit int) ([]Document, int, error) {
	if offset < 0 {
		return nil, 0, apperr.Validation("offset must not be negative")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	return s.repo.List(ctx, offset, limit)
}

func (s *Service) ListFailed(ctx context.Context) ([]Document, error) {
	return s.repo.ListFailed(ctx)
}

// Delete stops any running ingestion, then removes the document's vectors,
// raw bytes and records in that order. A failure part way leaves the record
// in place so the delete can be repeated.
func (s *Service) Delete(ctx context.Context, id string) error {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	ctx = logger.WithDocumentID(ctx, id)

	switch s.ingestor.Cancel(ctx, id) {
	case ingest.Stopped:
		slog.InfoContext(ctx, "ingestion cancelled for delete")
	case ingest.Abandoned:
		slog.WarnContext(ctx, "ingestion did not stop in time, abandoned for delete")
	}

	if err := s.purgeVectors(ctx, id); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, doc.BlobKey); err != nil {
		return fmt.Errorf("failed to delete upload: %w", err)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	slog.InfoContext(ctx, "document deleted")
	return nil
}

func (s *Service) purgeVectors(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.IndexTimeout)
	defer cancel()
	if err := s.index.Delete(ctx, s.opts.Collection, vector.Filter{DocumentID: id}); err != nil {
		return apperr.VectorIndex("failed to delete vectors", err)
	}
	return nil
}

// Recover picks up work a previous process left behind. It must run before
// any ingestion is submitted. Documents still in processing lost their job:
// their vectors are purged and they are failed so they can be retried.
// Pending documents never reached a worker and are submitted again.
func (s *Service) Recover(ctx context.Context) error {
	stranded, err := s.repo.ListByStatus(ctx, ingest.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to list processing documents: %w", err)
	}
	failed := 0
	for _, d := range stranded {
		dctx := logger.WithDocumentID(ctx, d.ID)
		if err := s.purgeVectors(dctx, d.ID); err != nil {
			slog.WarnContext(dctx, "failed to purge vectors of interrupted document", "error", err)
		}
		if err := s.repo.MarkFailed(dctx, d.ID, InterruptedDetail); err != nil {
			slog.ErrorContext(dctx, "failed to mark interrupted document failed", "error", err)
			continue
		}
		failed++
	}

	pending, err := s.repo.ListByStatus(ctx, ingest.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to list pending documents: %w", err)
	}
	resubmitted := 0
	for _, d := range pending {
		dctx := logger.WithDocumentID(ctx, d.ID)
		if _, err := s.ingestor.Submit(dctx, d.ID, d.BlobKey, false); err != nil {
			slog.ErrorContext(dctx, "failed to resubmit pending document", "error", err)
			continue
		}
		resubmitted++
	}

	if failed > 0 || resubmitted > 0 {
		slog.InfoContext(ctx, "recovered documents", "failed", failed, "resubmitted", resubmitted)
	}
	return nil
}

// Retry moves a failed document back to processing and reschedules it.
func (s *Service) Retry(ctx context.Context, id string) (*Document, error) {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != ingest.StatusFailed {
		return nil, apperr.InvalidTransition(fmt.Sprintf("cannot retry %s document", doc.Status), nil)
	}
	ctx = logger.WithDocumentID(ctx, id)
	if _, err := s.ingestor.Submit(ctx, id, doc.BlobKey, true); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "ingestion retry scheduled", "previous_error", deref(doc.ErrorDetail))
	return s.repo.Get(ctx, id)
}

func (s *Service) Query(ctx context.Context, id, question string, maxResults int) (*retrieval.Answer, error) {
	return s.querier.Query(logger.WithDocumentID(ctx, id), id, question, maxResults)
}

func (s *Service) Summarize(ctx context.Context, id string) (*summary.Summary, error) {
	return s.summarizer.Summarize(logger.WithDocumentID(ctx, id), id)
}

// Stats is a snapshot of the registry.
type Stats struct {
	Documents   map[string]int `json:"documents"`
	Total       int            `json:"total"`
	TotalChunks int            `json:"total_chunks"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	chunks, err := s.repo.TotalChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	st := &Stats{Documents: map[string]int{}, TotalChunks: chunks}
	for _, status := range []string{ingest.StatusPending, ingest.StatusProcessing, ingest.StatusCompleted, ingest.StatusFailed} {
		st.Documents[status] = counts[status]
		st.Total += counts[status]
	}
	return st, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
