package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"pdfqa/backend/internal/adapter/sqlite"
	wstore "pdfqa/backend/internal/adapter/weaviate"
	"pdfqa/backend/internal/blob"
	"pdfqa/backend/internal/config"
	"pdfqa/backend/internal/vector"
)

// SchemaEnsurer is implemented by vector backends that need their collection
// created before first use.
type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context, collection string) error
}

type Dependencies struct {
	DB          *sql.DB
	Index       vector.Index
	Blobs       blob.Store
	NSQProducer *nsq.Producer // nil when ENABLE_NSQ is off

	closers []func() error
}

// Close releases everything Bootstrap opened, in reverse order.
func (d *Dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			slog.Warn("failed to close dependency", "error", err)
		}
	}
	d.closers = nil
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	deps := &Dependencies{}
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second

	db, err := openDatabase(ctx, cfg, retryDelay)
	if err != nil {
		return nil, err
	}
	deps.DB = db
	deps.closers = append(deps.closers, db.Close)

	index, err := openIndex(ctx, cfg, deps, retryDelay)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.Index = index

	blobs, err := openBlobs(ctx, cfg, deps)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.Blobs = blobs

	if cfg.EnableNSQ {
		producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("nsq producer error: %w", err)
		}
		deps.NSQProducer = producer
		deps.closers = append(deps.closers, func() error { producer.Stop(); return nil })

		// nsqd creates topics lazily on first publish; consumers polling
		// before that get 404s.
		createTopics(cfg.NSQDHTTP)
	}

	return deps, nil
}

func openDatabase(ctx context.Context, cfg *config.Config, retryDelay time.Duration) (*sql.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := db.PingContext(ctx); err == nil {
			break
		}
		slog.Warn("failed to ping db, retrying...", "attempt", i+1, "max_attempts", cfg.BootstrapRetryAttempts)
		time.Sleep(retryDelay)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		db.Close()
		return nil, fmt.Errorf("migration up error: %w", err)
	}
	slog.Info("migrations applied successfully")
	return db, nil
}

func openIndex(ctx context.Context, cfg *config.Config, deps *Dependencies, retryDelay time.Duration) (vector.Index, error) {
	switch cfg.VectorBackend {
	case config.VectorBackendSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite vector store error: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)
		slog.Info("using embedded vector index", "path", cfg.SQLitePath)
		return store, nil
	default:
		wClient, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		store := wstore.NewStore(wClient)
		if err := EnsureSchemaWithRetry(ctx, store, cfg.WeaviateClass, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
			return nil, fmt.Errorf("weaviate schema error: %w", err)
		}
		slog.Info("weaviate schema ensured", "class", cfg.WeaviateClass)
		return store, nil
	}
}

func openBlobs(ctx context.Context, cfg *config.Config, deps *Dependencies) (blob.Store, error) {
	if cfg.BlobBackend == config.BlobBackendGCS {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client error: %w", err)
		}
		deps.closers = append(deps.closers, client.Close)
		return blob.NewGCSStore(client, cfg.GCSBucket), nil
	}

	store, err := blob.NewLocalStore(cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("upload directory error: %w", err)
	}
	return store, nil
}

func createTopics(nsqdHTTP string) {
	create := func(topic string) {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		resp, err := http.Post(url, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}

	go func() {
		time.Sleep(2 * time.Second)
		create(config.TopicDocumentStatus)
		create(config.TopicIngestRetry)
	}()
}

// EnsureSchemaWithRetry calls EnsureSchema until it succeeds or attempts run
// out.
func EnsureSchemaWithRetry(ctx context.Context, store SchemaEnsurer, collection string, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < max(attempts, 1); i++ {
		if err = store.EnsureSchema(ctx, collection); err == nil {
			return nil
		}
		slog.Warn("failed to ensure vector schema, retrying...", "attempt", i+1, "error", err)
		if i < attempts-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}
