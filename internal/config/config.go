package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

const (
	VectorBackendWeaviate = "weaviate"
	VectorBackendSQLite   = "sqlite"

	BlobBackendLocal = "local"
	BlobBackendGCS   = "gcs"
)

type Config struct {
	DBHost        string `envconfig:"DB_HOST" default:"postgres"`
	DBPort        int    `envconfig:"DB_PORT" default:"5432"`
	DBUser        string `envconfig:"DB_USER" default:"pdfqa"`
	DBPass        string `envconfig:"DB_PASS" default:"password"`
	DBName        string `envconfig:"DB_NAME" default:"pdfqa"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Vector index
	VectorBackend  string `envconfig:"VECTOR_BACKEND" default:"weaviate"`
	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`
	WeaviateClass  string `envconfig:"WEAVIATE_CLASS" default:"DocumentChunk"`
	SQLitePath     string `envconfig:"SQLITE_PATH" default:"data/vectors.db"`

	// Raw uploads
	BlobBackend string `envconfig:"BLOB_BACKEND" default:"local"`
	UploadDir   string `envconfig:"UPLOAD_DIR" default:"./uploads"`
	GCSBucket   string `envconfig:"GCS_BUCKET"`

	EnableNSQ     bool   `envconfig:"ENABLE_NSQ" default:"true"`
	NSQLookupd    string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost      string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP      string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	NSQMaxMsgSize int64  `envconfig:"NSQ_MAX_MSG_SIZE" default:"1048576"`

	GeminiAPIKey          string `envconfig:"GEMINI_API_KEY"`
	GeminiEmbedModel      string `envconfig:"GEMINI_EMBED_MODEL" default:"gemini-embedding-001"`
	GeminiGenerationModel string `envconfig:"GEMINI_GENERATION_MODEL" default:"gemini-2.0-flash"`
	// EmbeddingDimension must match the embed model's output size.
	EmbeddingDimension int    `envconfig:"EMBEDDING_DIMENSION" default:"3072"`
	RerankAPIKey       string `envconfig:"RERANK_API_KEY"`

	// Chunking
	ChunkSize      int `envconfig:"CHUNK_SIZE" default:"1000"`
	ChunkOverlap   int `envconfig:"CHUNK_OVERLAP" default:"200"`
	ChunkTolerance int `envconfig:"CHUNK_TOLERANCE" default:"150"`
	ChunkMinLength int `envconfig:"CHUNK_MIN_LENGTH" default:"50"`

	// Embedding
	EmbedBatchSize     int           `envconfig:"EMBED_BATCH_SIZE" default:"16"`
	EmbedConcurrency   int           `envconfig:"EMBED_CONCURRENCY" default:"4"`
	EmbedMaxRetries    int           `envconfig:"EMBED_MAX_RETRIES" default:"3"`
	EmbedRatePerSecond float64       `envconfig:"EMBED_RATE_PER_SECOND" default:"0"`
	EmbedTimeout       time.Duration `envconfig:"EMBED_TIMEOUT" default:"30s"`

	// Ingestion
	IngestWorkers       int           `envconfig:"INGEST_WORKERS" default:"4"`
	IngestQueueSize     int           `envconfig:"INGEST_QUEUE_SIZE" default:"64"`
	IngestCancelTimeout time.Duration `envconfig:"INGEST_CANCEL_TIMEOUT" default:"10s"`

	// Query
	GenerationTimeout  time.Duration `envconfig:"GENERATION_TIMEOUT" default:"60s"`
	VectorTimeout      time.Duration `envconfig:"VECTOR_TIMEOUT" default:"10s"`
	ContextBudgetChars int           `envconfig:"CONTEXT_BUDGET_CHARS" default:"6000"`

	// Server
	ServerPort      int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath    string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	MaxUploadSizeMB int64  `envconfig:"MAX_UPLOAD_SIZE_MB" default:"50"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}

	switch c.VectorBackend {
	case VectorBackendWeaviate:
		if c.WeaviateHost == "" {
			return fmt.Errorf("%w: WEAVIATE_HOST", ErrMissingRequired)
		}
	case VectorBackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("%w: SQLITE_PATH", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: VECTOR_BACKEND %q", ErrInvalid, c.VectorBackend)
	}

	switch c.BlobBackend {
	case BlobBackendLocal:
		if c.UploadDir == "" {
			return fmt.Errorf("%w: UPLOAD_DIR", ErrMissingRequired)
		}
	case BlobBackendGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("%w: GCS_BUCKET", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: BLOB_BACKEND %q", ErrInvalid, c.BlobBackend)
	}

	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be in [0, CHUNK_SIZE)", ErrInvalid)
	}
	if c.IngestWorkers < 1 || c.IngestQueueSize < 1 {
		return fmt.Errorf("%w: INGEST_WORKERS and INGEST_QUEUE_SIZE must be positive", ErrInvalid)
	}
	if c.EmbedMaxRetries < 0 {
		return fmt.Errorf("%w: EMBED_MAX_RETRIES", ErrInvalid)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("%w: EMBEDDING_DIMENSION must be positive", ErrInvalid)
	}
	if c.ContextBudgetChars <= 0 {
		return fmt.Errorf("%w: CONTEXT_BUDGET_CHARS", ErrInvalid)
	}
	return nil
}
