// Package embedding turns document chunks into vectors in bounded, retried
// batches.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/text"
)

type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Embedded struct {
	Chunk  text.Chunk
	Vector []float32
}

// Sink receives every batch once it has been embedded successfully.
type Sink func(ctx context.Context, batch []Embedded) error

type Options struct {
	BatchSize      int
	Concurrency    int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
	// Dimension is the expected vector length. Zero adopts the length of the
	// first vector the manager receives and holds every later batch to it.
	Dimension     int
	RatePerSecond float64
}

func DefaultOptions() Options {
	return Options{
		BatchSize:      16,
		Concurrency:    4,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		CallTimeout:    30 * time.Second,
	}
}

var errBadVector = errors.New("invalid embedding vector")

type Manager struct {
	embedder BatchEmbedder
	opts     Options
	limiter  *rate.Limiter
	sleep    func(ctx context.Context, d time.Duration) error
	dim      atomic.Int64
}

func NewManager(e BatchEmbedder, opts Options) *Manager {
	d := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = d.BatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = d.Concurrency
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = d.InitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = d.CallTimeout
	}

	m := &Manager{embedder: e, opts: opts, sleep: sleepCtx}
	m.dim.Store(int64(opts.Dimension))
	if opts.RatePerSecond > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Concurrency)
	}
	return m
}

// Embed embeds chunks in batches of BatchSize with at most Concurrency
// batches in flight, passing each finished batch to sink. The first batch
// that exhausts its retries cancels the rest and its error is returned.
func (m *Manager) Embed(ctx context.Context, chunks []text.Chunk, sink Sink) error {
	if len(chunks) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)

	bs := m.opts.BatchSize
	for i := 0; i < len(chunks); i += bs {
		if gctx.Err() != nil {
			break
		}
		batch := chunks[i:min(i+bs, len(chunks))]
		n := i / bs

		g.Go(func() error {
			texts := make([]string, len(batch))
			for j, c := range batch {
				texts[j] = c.Text
			}

			vecs, err := m.embedBatch(gctx, n, texts, &m.dim)
			if err != nil {
				return err
			}

			out := make([]Embedded, len(batch))
			for j, c := range batch {
				out[j] = Embedded{Chunk: c, Vector: vecs[j]}
			}
			if err := sink(gctx, out); err != nil {
				var ae *apperr.Error
				if errors.As(err, &ae) {
					return err
				}
				return apperr.VectorIndex(fmt.Sprintf("store batch %d", n), err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (m *Manager) embedBatch(ctx context.Context, n int, texts []string, dim *atomic.Int64) ([][]float32, error) {
	attempts := m.opts.MaxRetries + 1
	backoff := m.opts.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := m.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff = min(backoff*2, m.opts.MaxBackoff)
		}
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		vecs, err := m.embedder.EmbedBatch(callCtx, texts)
		cancel()
		if err == nil {
			err = checkVectors(vecs, len(texts), dim)
		}
		if err == nil {
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if apperr.Classify(err) == apperr.RetryPermanent {
			return nil, apperr.Embedding(fmt.Sprintf("batch %d failed", n), err)
		}

		lastErr = err
		slog.WarnContext(ctx, "embedding batch failed", "batch", n, "attempt", attempt, "max_attempts", attempts, "error", err)
	}

	return nil, apperr.Embedding(fmt.Sprintf("batch %d failed after %d attempts", n, attempts), lastErr)
}

// checkVectors rejects responses a caller must not index: wrong count, wrong
// dimension, all-zero vectors and non-finite components.
func checkVectors(vecs [][]float32, want int, dim *atomic.Int64) error {
	if len(vecs) != want {
		return fmt.Errorf("%w: got %d vectors for %d inputs", errBadVector, len(vecs), want)
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("%w: vector %d is empty", errBadVector, i)
		}
		expected := dim.Load()
		if expected == 0 {
			dim.CompareAndSwap(0, int64(len(v)))
			expected = dim.Load()
		}
		if int64(len(v)) != expected {
			return fmt.Errorf("%w: vector %d has dimension %d, want %d", errBadVector, i, len(v), expected)
		}
		zero := true
		for _, x := range v {
			f := float64(x)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return fmt.Errorf("%w: vector %d has non-finite component", errBadVector, i)
			}
			if x != 0 {
				zero = false
			}
		}
		if zero {
			return fmt.Errorf("%w: vector %d is all zeros", errBadVector, i)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
