package retrieval

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// QueryRecord is one answered question as written to the query log.
type QueryRecord struct {
	Timestamp     time.Time     `json:"timestamp"`
	DocumentID    string        `json:"document_id"`
	Question      string        `json:"question"`
	Sources       []int         `json:"sources"`
	Confidence    float64       `json:"confidence"`
	Duration      time.Duration `json:"duration_ns"`
	LatencyMs     int64         `json:"latency_ms"`
	CorrelationID string        `json:"correlation_id"`
}

type QueryLogger struct {
	writer io.Writer
	closer io.Closer
	mu     sync.Mutex
}

func NewQueryLogger(w io.Writer) *QueryLogger {
	return &QueryLogger{writer: w}
}

// NewFileQueryLogger appends records to the file at path and echoes them to
// stdout.
func NewFileQueryLogger(path string) (*QueryLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create query log directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Clean(path), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path is from application config, not user input
	if err != nil {
		return nil, fmt.Errorf("failed to open query log: %w", err)
	}
	return &QueryLogger{writer: io.MultiWriter(os.Stdout, f), closer: f}, nil
}

func (l *QueryLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// Log writes entry as one JSON line.
func (l *QueryLogger) Log(entry QueryRecord) {
	entry.Timestamp = time.Now()
	entry.LatencyMs = entry.Duration.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := json.NewEncoder(l.writer).Encode(entry); err != nil {
		slog.Error("failed to write query record", "error", err)
	}
}
