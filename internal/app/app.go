package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nsqio/go-nsq"

	"pdfqa/backend/features/document"
	"pdfqa/backend/features/job"
	"pdfqa/backend/features/mcp"
	"pdfqa/backend/features/stats"
	"pdfqa/backend/internal/adapter/gemini"
	"pdfqa/backend/internal/adapter/reranker"
	"pdfqa/backend/internal/blob"
	"pdfqa/backend/internal/config"
	"pdfqa/backend/internal/embedding"
	"pdfqa/backend/internal/ingest"
	"pdfqa/backend/internal/middleware"
	"pdfqa/backend/internal/pdf"
	"pdfqa/backend/internal/retrieval"
	"pdfqa/backend/internal/settings"
	"pdfqa/backend/internal/summary"
	"pdfqa/backend/internal/text"
	"pdfqa/backend/internal/vector"
	"pdfqa/backend/internal/worker"
)

const shutdownTimeout = 15 * time.Second

// Model is the embedding and generation backend. The Gemini provider is used
// unless Options supplies another.
type Model interface {
	embedding.BatchEmbedder
	retrieval.Embedder
	retrieval.Generator
}

type Options struct {
	Model Model
}

type App struct {
	Handler       http.Handler
	Documents     *document.Service
	Coordinator   *ingest.Coordinator
	RetryConsumer *worker.RetryConsumer

	cfg         *config.Config
	provider    *gemini.Provider
	queryLogger *retrieval.QueryLogger
}

// New wires every service onto the given infrastructure. pub may be nil, in
// which case no status events are published and retries run inline.
func New(cfg *config.Config, db *sql.DB, index vector.Index, blobs blob.Store, pub worker.TaskPublisher, opts *Options) (*App, error) {
	if opts == nil {
		opts = &Options{}
	}

	settingsRepo := settings.NewPostgresRepo(db)
	settingsService := settings.NewService(settingsRepo)

	seeded, err := settingsService.SeedAPIKey(context.Background(), cfg.GeminiAPIKey)
	if err != nil {
		slog.Warn("failed to seed gemini api key", "error", err)
	} else if seeded {
		slog.Info("seeded gemini api key from environment")
	}

	a := &App{cfg: cfg}

	model := opts.Model
	if model == nil {
		a.provider = gemini.NewProvider(settingsService, cfg.GeminiEmbedModel, cfg.GeminiGenerationModel)
		model = a.provider
	}
	rerankerClient := reranker.NewDynamicClient(settingsService, cfg.RerankAPIKey)
	extractor := pdf.NewExtractor()
	docRepo := document.NewPostgresRepo(db)

	embedder := embedding.NewManager(model, embedding.Options{
		BatchSize:     cfg.EmbedBatchSize,
		Concurrency:   cfg.EmbedConcurrency,
		MaxRetries:    cfg.EmbedMaxRetries,
		CallTimeout:   cfg.EmbedTimeout,
		Dimension:     cfg.EmbeddingDimension,
		RatePerSecond: cfg.EmbedRatePerSecond,
	})

	var notifier ingest.Notifier
	var jobPub job.EventPublisher
	if pub != nil {
		notifier = worker.NewStatusPublisher(pub)
		jobPub = pub
	}

	a.Coordinator = ingest.NewCoordinator(docRepo, blobs, extractor, embedder, index, notifier, ingest.Options{
		Workers:       cfg.IngestWorkers,
		QueueSize:     cfg.IngestQueueSize,
		CancelTimeout: cfg.IngestCancelTimeout,
		IndexTimeout:  cfg.VectorTimeout,
		Collection:    cfg.WeaviateClass,
		Chunking: text.ChunkOptions{
			TargetSize: cfg.ChunkSize,
			Overlap:    cfg.ChunkOverlap,
			Tolerance:  cfg.ChunkTolerance,
			MinLength:  cfg.ChunkMinLength,
		},
	})

	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	a.queryLogger = queryLogger

	retrievalService := retrieval.NewService(docRepo, model, index, rerankerClient, model, settingsService, queryLogger, retrieval.Options{
		Collection:        cfg.WeaviateClass,
		ContextBudget:     cfg.ContextBudgetChars,
		EmbedTimeout:      cfg.EmbedTimeout,
		VectorTimeout:     cfg.VectorTimeout,
		GenerationTimeout: cfg.GenerationTimeout,
		Dimension:         cfg.EmbeddingDimension,
	})
	summaryService := summary.NewService(docRepo, docRepo, model, summary.Options{
		Budget:            cfg.ContextBudgetChars,
		GenerationTimeout: cfg.GenerationTimeout,
	})

	a.Documents = document.NewService(docRepo, blobs, extractor, a.Coordinator, index, retrievalService, summaryService, document.Options{
		MaxUploadBytes: cfg.MaxUploadSizeMB << 20,
		Collection:     cfg.WeaviateClass,
		IndexTimeout:   cfg.VectorTimeout,
	})
	a.RetryConsumer = worker.NewRetryConsumer(retrier{a.Documents})

	documentHandler := document.NewHandler(a.Documents)
	jobHandler := job.NewHandler(job.NewService(a.Coordinator, a.Documents, jobPub))
	statsHandler := stats.NewHandler(a.Documents, a.Coordinator)
	settingsHandler := settings.NewHandler(settingsService)
	mcpHandler := mcp.NewHandler(a.Documents)

	route := func(h http.HandlerFunc) http.Handler {
		return middleware.CorrelationID(middleware.CORS(h))
	}

	mux := http.NewServeMux()

	mux.Handle("POST /documents", route(documentHandler.Upload))
	mux.Handle("GET /documents", route(documentHandler.List))
	mux.Handle("GET /documents/{id}", route(documentHandler.Get))
	mux.Handle("DELETE /documents/{id}", route(documentHandler.Delete))
	mux.Handle("POST /documents/{id}/query", route(documentHandler.Query))
	mux.Handle("POST /documents/{id}/summary", route(documentHandler.Summarize))
	mux.Handle("POST /documents/{id}/retry", route(documentHandler.Retry))

	mux.Handle("GET /jobs", route(jobHandler.List))
	mux.Handle("GET /jobs/failed", route(jobHandler.Failed))
	mux.Handle("POST /jobs/{id}/retry", route(jobHandler.Retry))

	mux.Handle("GET /stats", route(statsHandler.GetStats))

	mux.Handle("GET /settings", route(settingsHandler.GetSettings))
	mux.Handle("PUT /settings", route(settingsHandler.UpdateSettings))

	mux.Handle("POST /mcp", middleware.CorrelationID(mcpHandler))
	mux.Handle("GET /mcp/sse", route(mcpHandler.HandleSSE))
	mux.Handle("POST /mcp/messages", route(mcpHandler.HandleMessage))

	// Preflight for every route; CORS answers it before the handler runs.
	mux.Handle("OPTIONS /", route(func(w http.ResponseWriter, r *http.Request) {}))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	a.Handler = mux
	return a, nil
}

// Run recovers documents a previous process left behind, then serves HTTP
// and, with NSQ enabled, consumes retry requests until ctx is cancelled.
// Ingestion jobs still running at shutdown are marked failed.
func (a *App) Run(ctx context.Context) error {
	if err := a.Documents.Recover(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to recover interrupted documents", "error", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var consumer *nsq.Consumer
	if a.cfg.EnableNSQ {
		c, err := a.startRetryConsumer()
		if err != nil {
			slog.Error("failed to start retry consumer", "error", err)
		} else {
			consumer = c
		}
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", a.cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	if consumer != nil {
		consumer.Stop()
		<-consumer.StopChan
	}
	a.Close()
	return runErr
}

// Close stops the ingestion workers and releases the model client and the
// query log.
func (a *App) Close() {
	a.Coordinator.Close()
	if err := a.queryLogger.Close(); err != nil {
		slog.Warn("failed to close query log", "error", err)
	}
	if a.provider != nil {
		if err := a.provider.Close(); err != nil {
			slog.Warn("failed to close model client", "error", err)
		}
	}
}

func (a *App) startRetryConsumer() (*nsq.Consumer, error) {
	consumer, err := nsq.NewConsumer(config.TopicIngestRetry, "backend", nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create NSQ consumer: %w", err)
	}
	consumer.AddHandler(a.RetryConsumer)

	if a.cfg.NSQLookupd != "" {
		err = consumer.ConnectToNSQLookupd(a.cfg.NSQLookupd)
	} else {
		err = consumer.ConnectToNSQD(a.cfg.NSQDHost)
	}
	if err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("failed to connect NSQ consumer: %w", err)
	}
	slog.Info("NSQ retry consumer connected", "topic", config.TopicIngestRetry)
	return consumer, nil
}

type retrier struct {
	docs *document.Service
}

func (r retrier) Retry(ctx context.Context, documentID string) error {
	_, err := r.docs.Retry(ctx, documentID)
	return err
}
