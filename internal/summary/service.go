// Package summary condenses a whole document with map-reduce generation over
// budget-sized groups of its chunks.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/retrieval"
	"pdfqa/backend/internal/text"
)

const (
	mapInstruction = `Summarize the document passages you are given.
Keep concrete facts, figures, names and conclusions. Write plain prose without citations or headings.`

	finalInstruction = `Write a concise summary of the whole document from the material you are given.
Open with the document's purpose, then cover its key points and conclusions. Do not invent details.`
)

// ChunkSource loads a document's chunks in chunk_index order.
type ChunkSource interface {
	Chunks(ctx context.Context, documentID string) ([]text.Chunk, error)
}

type Summary struct {
	Summary         string `json:"summary"`
	SourceChunks    int    `json:"source_chunks"`
	ReductionRounds int    `json:"reduction_rounds"`
}

type Options struct {
	Budget            int
	Concurrency       int
	MaxDepth          int
	GenerationTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Budget:            6000,
		Concurrency:       4,
		MaxDepth:          8,
		GenerationTimeout: 60 * time.Second,
	}
}

type Service struct {
	docs      retrieval.DocumentStatus
	chunks    ChunkSource
	generator retrieval.Generator
	opts      Options
}

func NewService(docs retrieval.DocumentStatus, chunks ChunkSource, g retrieval.Generator, opts Options) *Service {
	d := DefaultOptions()
	if opts.Budget <= 0 {
		opts.Budget = d.Budget
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = d.Concurrency
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = d.MaxDepth
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = d.GenerationTimeout
	}
	return &Service{docs: docs, chunks: chunks, generator: g, opts: opts}
}

// Summarize summarizes every chunk of a completed document. ReductionRounds
// counts the passes made before the final call: 0 when the whole document
// fits one context, 1 for a plain map phase, and one more for every extra
// reduction. Reduction stops after MaxDepth passes; whatever still exceeds
// the budget is truncated for the final call.
func (s *Service) Summarize(ctx context.Context, documentID string) (*Summary, error) {
	if err := retrieval.CheckReady(ctx, s.docs, documentID); err != nil {
		return nil, err
	}

	chunks, err := s.chunks.Chunks(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, apperr.NotFound("document has no stored chunks")
	}

	passages := make([]retrieval.Passage, len(chunks))
	for i, c := range chunks {
		passages[i] = retrieval.Passage{ChunkIndex: c.Index, SourcePage: c.SourcePage, Text: c.Text}
	}

	rounds := 0
	groups := retrieval.Partition(passages, s.opts.Budget)
	for len(groups) > 1 && rounds < s.opts.MaxDepth {
		partials, err := s.summarizeGroups(ctx, groups)
		if err != nil {
			return nil, err
		}
		rounds++
		slog.InfoContext(ctx, "summary reduction round", "round", rounds, "groups", len(groups))

		passages = make([]retrieval.Passage, len(partials))
		for i, p := range partials {
			passages[i] = retrieval.Passage{ChunkIndex: i, Text: p}
		}
		groups = retrieval.Partition(passages, s.opts.Budget)
	}

	material, _ := retrieval.BuildContext(passages, s.opts.Budget)
	if rounds > 0 {
		material = renderPartials(passages, s.opts.Budget)
	}
	final, err := s.generate(ctx, finalInstruction, material)
	if err != nil {
		return nil, err
	}

	return &Summary{
		Summary:         strings.TrimSpace(final),
		SourceChunks:    len(chunks),
		ReductionRounds: rounds,
	}, nil
}

// summarizeGroups produces one partial summary per group, concurrently, in
// group order.
func (s *Service) summarizeGroups(ctx context.Context, groups [][]retrieval.Passage) ([]string, error) {
	out := make([]string, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for i, group := range groups {
		g.Go(func() error {
			partial, err := s.generate(gctx, mapInstruction, retrieval.JoinBlocks(group))
			if err != nil {
				return err
			}
			out[i] = strings.TrimSpace(partial)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// renderPartials lays out partial summaries for the final call, cutting at
// the budget.
func renderPartials(partials []retrieval.Passage, budget int) string {
	var b strings.Builder
	for i, p := range partials {
		block := fmt.Sprintf("Part %d:\n%s", i+1, p.Text)
		if i > 0 {
			block = "\n\n" + block
		}
		if b.Len() > 0 && len([]rune(b.String()+block)) > budget {
			break
		}
		b.WriteString(block)
	}
	out := []rune(b.String())
	if len(out) > budget {
		out = out[:budget]
	}
	return string(out)
}

func (s *Service) generate(ctx context.Context, instruction, material string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.GenerationTimeout)
	defer cancel()

	out, err := s.generator.Generate(ctx, instruction, material+"\n\nSummary:")
	if err != nil {
		return "", apperr.Generation("summary generation failed", err)
	}
	return out, nil
}
