// Package retrieval answers questions about a single document: it retrieves
// the closest chunks, reranks them, assembles a bounded context and asks the
// generator for a cited answer.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/middleware"
	"pdfqa/backend/internal/settings"
	"pdfqa/backend/internal/text"
	"pdfqa/backend/internal/vector"
)

const (
	MaxQuestionLength = 1000
	DefaultMaxResults = 5
	MaxResultsLimit   = 20

	StatusCompleted = "completed"

	InsufficientGrounding = "I could not find enough relevant information in this document to answer the question."
)

const answerInstruction = `You answer questions about one document using only the numbered passages you are given.
Cite the passage behind every statement as [N], where N is its chunk number.
If the passages do not contain the answer, say so plainly instead of guessing.
Keep the answer concise and factual.`

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Generator interface {
	Generate(ctx context.Context, instruction, prompt string) (string, error)
}

// Reranker scores docs against query, one score in [0, 1] per doc in input
// order. A nil result means no reranker is configured.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
}

// DocumentStatus reports a document's ingestion status, or an
// apperr.ErrNotFound error when it does not exist.
type DocumentStatus interface {
	Status(ctx context.Context, documentID string) (string, error)
}

type Source struct {
	ChunkIndex      int     `json:"chunk_index"`
	SimilarityScore float64 `json:"similarity_score"`
	ContentPreview  string  `json:"content_preview"`
	SourcePage      int     `json:"source_page"`
	// Cited is set when the answer references this chunk.
	Cited           bool    `json:"cited"`
}

type Answer struct {
	Answer         string   `json:"answer"`
	Confidence     float64  `json:"confidence"`
	Sources        []Source `json:"sources"`
	ProcessingTime float64  `json:"processing_time"`
}

type Options struct {
	Collection        string
	ContextBudget     int
	TargetLength      int
	EmbedTimeout      time.Duration
	VectorTimeout     time.Duration
	GenerationTimeout time.Duration
	// Dimension, when set, is the only question vector length accepted.
	Dimension         int
}

func DefaultOptions() Options {
	return Options{
		Collection:        vector.DefaultCollection,
		ContextBudget:     6000,
		TargetLength:      1000,
		EmbedTimeout:      30 * time.Second,
		VectorTimeout:     10 * time.Second,
		GenerationTimeout: 60 * time.Second,
	}
}

type Service struct {
	docs      DocumentStatus
	embedder  Embedder
	index     vector.Index
	reranker  Reranker
	generator Generator
	settings  *settings.Service
	logger    *QueryLogger
	opts      Options
}

// NewService wires the query pipeline. reranker, set and l may be nil.
func NewService(docs DocumentStatus, e Embedder, index vector.Index, r Reranker, g Generator, set *settings.Service, l *QueryLogger, opts Options) *Service {
	d := DefaultOptions()
	if opts.Collection == "" {
		opts.Collection = d.Collection
	}
	if opts.ContextBudget <= 0 {
		opts.ContextBudget = d.ContextBudget
	}
	if opts.TargetLength <= 0 {
		opts.TargetLength = d.TargetLength
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = d.EmbedTimeout
	}
	if opts.VectorTimeout <= 0 {
		opts.VectorTimeout = d.VectorTimeout
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = d.GenerationTimeout
	}
	return &Service{docs: docs, embedder: e, index: index, reranker: r, generator: g, settings: set, logger: l, opts: opts}
}

// ClampMaxResults maps a requested result count onto 1..20, with 0 or less
// meaning the default of 5.
func ClampMaxResults(n int) int {
	if n <= 0 {
		return DefaultMaxResults
	}
	return min(n, MaxResultsLimit)
}

// CheckReady returns nil when the document exists and has completed
// ingestion.
func CheckReady(ctx context.Context, docs DocumentStatus, documentID string) error {
	status, err := docs.Status(ctx, documentID)
	if err != nil {
		return err
	}
	if status != StatusCompleted {
		return apperr.NotReady(fmt.Sprintf("document is %s", status))
	}
	return nil
}

// Query answers question from the document's chunks. When generation fails
// the returned error is an apperr.ErrGeneration and the partial answer still
// carries the processing time.
func (s *Service) Query(ctx context.Context, documentID, question string, maxResults int) (*Answer, error) {
	start := time.Now()

	question = strings.TrimSpace(question)
	if question == "" {
		return nil, apperr.Validation("question must not be empty")
	}
	if runeLen(question) > MaxQuestionLength {
		return nil, apperr.Validation(fmt.Sprintf("question exceeds %d characters", MaxQuestionLength))
	}
	k := ClampMaxResults(maxResults)

	if err := CheckReady(ctx, s.docs, documentID); err != nil {
		return nil, err
	}

	floor, oversample := s.tuning(ctx)

	vec, err := s.embed(ctx, Enhance(question))
	if err != nil {
		return nil, err
	}

	hits, err := s.search(ctx, documentID, vec, k*oversample)
	if err != nil {
		return nil, err
	}

	cands := AboveFloor(hits, floor)
	if len(cands) == 0 {
		slog.InfoContext(ctx, "no chunk above similarity floor", "hits", len(hits), "floor", floor)
		ans := &Answer{Answer: InsufficientGrounding, Sources: []Source{}, ProcessingTime: elapsed(start)}
		s.record(ctx, documentID, question, ans, start)
		return ans, nil
	}

	ranked := Rerank(cands, s.relevance(ctx, question, cands), k, s.opts.TargetLength)

	passages := make([]Passage, len(ranked))
	for i, c := range ranked {
		m := c.Hit.Metadata
		passages[i] = Passage{ChunkIndex: m.ChunkIndex, SourcePage: m.SourcePage, Text: m.Text}
	}
	contextText, used := BuildContext(passages, s.opts.ContextBudget)
	usedCands := ranked[:len(used)]

	raw, err := s.generate(ctx, question, contextText)
	if err != nil {
		return &Answer{ProcessingTime: elapsed(start)}, err
	}

	allowed := make(map[int]struct{}, len(used))
	for _, p := range used {
		allowed[p.ChunkIndex] = struct{}{}
	}

	answer := text.SanitizeAnswer(raw, allowed)
	cited := make(map[int]bool)
	for _, idx := range text.CitedChunks(answer) {
		cited[idx] = true
	}

	top, sum := 0.0, 0.0
	sources := make([]Source, len(usedCands))
	for i, c := range usedCands {
		top = max(top, c.Similarity)
		sum += c.Similarity
		m := c.Hit.Metadata
		sources[i] = Source{
			ChunkIndex:      m.ChunkIndex,
			SimilarityScore: round3(c.Similarity),
			ContentPreview:  Preview(m.Text),
			SourcePage:      m.SourcePage,
			Cited:           cited[m.ChunkIndex],
		}
	}

	ans := &Answer{
		Answer:         answer,
		Confidence:     Confidence(top, sum/float64(len(usedCands)), floor),
		Sources:        sources,
		ProcessingTime: elapsed(start),
	}
	s.record(ctx, documentID, question, ans, start)
	return ans, nil
}

func (s *Service) tuning(ctx context.Context) (float64, int) {
	floor, oversample := settings.DefaultMinSimilarity, settings.DefaultOversampleFactor
	if s.settings == nil {
		return floor, oversample
	}
	cfg, err := s.settings.Get(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to load settings, using defaults", "error", err)
		return floor, oversample
	}
	if cfg.MinSimilarity >= 0 && cfg.MinSimilarity < 1 {
		floor = cfg.MinSimilarity
	}
	if cfg.OversampleFactor >= 1 {
		oversample = cfg.OversampleFactor
	}
	return floor, oversample
}

func (s *Service) embed(ctx context.Context, query string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.EmbedTimeout)
	defer cancel()
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, apperr.Embedding("failed to embed question", err)
	}
	if s.opts.Dimension > 0 && len(vec) != s.opts.Dimension {
		return nil, apperr.Embedding(fmt.Sprintf("question vector has dimension %d, want %d", len(vec), s.opts.Dimension), nil)
	}
	return vec, nil
}

func (s *Service) search(ctx context.Context, documentID string, vec []float32, k int) ([]vector.Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.VectorTimeout)
	defer cancel()
	hits, err := s.index.Search(ctx, s.opts.Collection, vec, k, vector.Filter{DocumentID: documentID})
	if err != nil {
		return nil, apperr.VectorIndex("search failed", err)
	}
	return hits, nil
}

// relevance asks the external reranker, if any, to score the candidates. A
// failing reranker degrades to vector similarity alone.
func (s *Service) relevance(ctx context.Context, question string, cands []Candidate) []float64 {
	if s.reranker == nil {
		return nil
	}
	docs := make([]string, len(cands))
	for i, c := range cands {
		docs[i] = c.Hit.Metadata.Text
	}
	scores, err := s.reranker.Rerank(ctx, question, docs)
	if err != nil {
		slog.WarnContext(ctx, "rerank failed, using vector similarity", "error", err)
		return nil
	}
	return scores
}

func (s *Service) generate(ctx context.Context, question, contextText string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.GenerationTimeout)
	defer cancel()

	prompt := "Passages:\n\n" + contextText + "\n\nQuestion: " + question + "\n\nAnswer:"
	out, err := s.generator.Generate(ctx, answerInstruction, prompt)
	if err != nil {
		return "", apperr.Generation("answer generation failed", err)
	}
	return out, nil
}

func (s *Service) record(ctx context.Context, documentID, question string, ans *Answer, start time.Time) {
	if s.logger == nil {
		return
	}
	chunks := make([]int, len(ans.Sources))
	for i, src := range ans.Sources {
		chunks[i] = src.ChunkIndex
	}
	s.logger.Log(QueryRecord{
		DocumentID:    documentID,
		Question:      question,
		Sources:       chunks,
		Confidence:    ans.Confidence,
		Duration:      time.Since(start),
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
}

func elapsed(start time.Time) float64 {
	return round3(time.Since(start).Seconds())
}
