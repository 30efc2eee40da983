package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"pdfqa/backend/internal/config"
)

// IntegrationSuite starts Postgres, Weaviate and nsqd in containers. Callers
// skip it under -short.
type IntegrationSuite struct {
	T        *testing.T
	DB       *sql.DB
	Weaviate *weaviate.Client
	NSQ      *nsq.Producer

	pgHost, pgPort     string
	weaviateHost       string
	nsqdHost, nsqdHTTP string

	// Containers
	pgContainer       *postgres.PostgresContainer
	weaviateContainer testcontainers.Container
	nsqContainer      testcontainers.Container

	consumers []*nsq.Consumer
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	return &IntegrationSuite{T: t}
}

func (s *IntegrationSuite) Setup() {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("pdfqa_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	s.pgHost, err = pgContainer.Host(ctx)
	require.NoError(s.T, err)
	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(s.T, err)
	s.pgPort = pgPort.Port()

	s.DB, err = sql.Open("postgres", connStr)
	require.NoError(s.T, err)

	m, err := migrate.New(MigrationPath(), connStr)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())

	req := testcontainers.ContainerRequest{
		Image:        "semitechnologies/weaviate:latest",
		ExposedPorts: []string{"8080/tcp", "50051/tcp"},
		Env: map[string]string{
			"AUTHENTICATION_ANONYMOUS_ACCESS_ENABLED": "true",
			"DEFAULT_VECTORIZER_MODULE":                 "none",
			"PERSISTENCE_DATA_PATH":                     "/var/lib/weaviate",
		},
		WaitingFor: wait.ForHTTP("/v1/meta").WithPort("8080/tcp").WithStartupTimeout(60 * time.Second),
	}
	weaviateC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.weaviateContainer = weaviateC

	host, err := weaviateC.Host(ctx)
	require.NoError(s.T, err)
	port, err := weaviateC.MappedPort(ctx, "8080")
	require.NoError(s.T, err)

	s.weaviateHost = fmt.Sprintf("%s:%s", host, port.Port())
	cfg := weaviate.Config{
		Host:   s.weaviateHost,
		Scheme: "http",
	}
	s.Weaviate, err = weaviate.NewClient(cfg)
	require.NoError(s.T, err)

	nsqReq := testcontainers.ContainerRequest{
		Image:        "nsqio/nsq:v1.3.0",
		ExposedPorts: []string{"4150/tcp", "4151/tcp"},
		Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
		WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
	}
	nsqC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: nsqReq,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.nsqContainer = nsqC

	nsqHost, err := nsqC.Host(ctx)
	require.NoError(s.T, err)
	nsqPort, err := nsqC.MappedPort(ctx, "4150")
	require.NoError(s.T, err)
	nsqHTTPPort, err := nsqC.MappedPort(ctx, "4151")
	require.NoError(s.T, err)
	s.nsqdHost = fmt.Sprintf("%s:%s", nsqHost, nsqPort.Port())
	s.nsqdHTTP = fmt.Sprintf("%s:%s", nsqHost, nsqHTTPPort.Port())

	s.NSQ, err = nsq.NewProducer(s.nsqdHost, nsq.NewConfig())
	require.NoError(s.T, err)
}

// MigrationPath is the file:// URL of the repository's migrations directory.
func MigrationPath() string {
	_, b, _, _ := runtime.Caller(0)
	return fmt.Sprintf("file://%s/../../migrations", filepath.Dir(b))
}

// GetAppConfig returns a configuration pointing at the suite's containers,
// with the embedded vector index under a temporary directory.
func (s *IntegrationSuite) GetAppConfig() *config.Config {
	port, _ := strconv.Atoi(s.pgPort)
	dir := s.T.TempDir()
	return &config.Config{
		DBHost:        s.pgHost,
		DBPort:        port,
		DBUser:        "test",
		DBPass:        "test",
		DBName:        "pdfqa_test",
		MigrationPath: MigrationPath(),

		VectorBackend:  config.VectorBackendWeaviate,
		WeaviateHost:   s.weaviateHost,
		WeaviateScheme: "http",
		WeaviateClass:  "DocumentChunk",
		SQLitePath:     filepath.Join(dir, "vectors.db"),

		BlobBackend: config.BlobBackendLocal,
		UploadDir:   filepath.Join(dir, "uploads"),

		EnableNSQ:     true,
		NSQDHost:      s.nsqdHost,
		NSQDHTTP:      s.nsqdHTTP,
		NSQMaxMsgSize: 1 << 20,

		GeminiEmbedModel:      "gemini-embedding-001",
		GeminiGenerationModel: "gemini-2.0-flash",
		EmbeddingDimension:    HashDim,

		ChunkSize:      1000,
		ChunkOverlap:   200,
		ChunkTolerance: 150,
		ChunkMinLength: 50,

		EmbedBatchSize:   16,
		EmbedConcurrency: 4,
		EmbedMaxRetries:  3,
		EmbedTimeout:     30 * time.Second,

		IngestWorkers:       2,
		IngestQueueSize:     16,
		IngestCancelTimeout: 10 * time.Second,

		GenerationTimeout:  60 * time.Second,
		VectorTimeout:      10 * time.Second,
		ContextBudgetChars: 6000,

		ServerPort:      0,
		QueryLogPath:    filepath.Join(dir, "logs", "query.log"),
		MaxUploadSizeMB: 50,

		BootstrapRetryAttempts:     5,
		BootstrapRetryDelaySeconds: 1,
	}
}

// Subscribe consumes topic on a fresh channel until Teardown. Messages are
// finished as soon as they are delivered.
func (s *IntegrationSuite) Subscribe(topic string) <-chan *nsq.Message {
	out := make(chan *nsq.Message, 64)
	c, err := nsq.NewConsumer(topic, fmt.Sprintf("test-%d", len(s.consumers)), nsq.NewConfig())
	require.NoError(s.T, err)
	c.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		select {
		case out <- m:
		default:
		}
		return nil
	}))
	require.NoError(s.T, c.ConnectToNSQD(s.nsqdHost))
	s.consumers = append(s.consumers, c)
	return out
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	for _, c := range s.consumers {
		c.Stop()
	}
	if s.NSQ != nil {
		s.NSQ.Stop()
	}
	if s.DB != nil {
		_ = s.DB.Close()
	}
	if s.pgContainer != nil {
		s.pgContainer.Terminate(ctx)
	}
	if s.weaviateContainer != nil {
		s.weaviateContainer.Terminate(ctx)
	}
	if s.nsqContainer != nil {
		s.nsqContainer.Terminate(ctx)
	}
}
