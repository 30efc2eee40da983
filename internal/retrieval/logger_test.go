package retrieval

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryLogger_ThreadSafety(t *testing.T) {
	var buf bytes.Buffer
	logger := NewQueryLogger(&buf)

	concurrency := 50
	iterations := 100
	var wg sync.WaitGroup

	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				logger.Log(QueryRecord{
					DocumentID: "doc-1",
					Question:   "test",
					Sources:    []int{0, 3},
					Duration:   time.Millisecond,
				})
			}
		}()
	}
	wg.Wait()

	// Verify output is valid JSON stream
	decoder := json.NewDecoder(&buf)
	count := 0
	for decoder.More() {
		var entry QueryRecord
		err := decoder.Decode(&entry)
		if err != nil {
			t.Fatalf("Failed to decode entry %d: %v", count, err)
		}
		count++
	}

	expected := concurrency * iterations
	if count != expected {
		t.Errorf("Expected %d entries, got %d", expected, count)
	}
}

func TestQueryLogger_FileRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "queries.jsonl")
	logger, err := NewFileQueryLogger(path)
	require.NoError(t, err)
	defer logger.Close()

	logger.Log(QueryRecord{
		DocumentID:    "doc-1",
		Question:      "What is the budget?",
		Sources:       []int{2},
		Confidence:    0.8,
		Duration:      1500 * time.Millisecond,
		CorrelationID: "corr-1",
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got QueryRecord
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "doc-1", got.DocumentID)
	assert.Equal(t, []int{2}, got.Sources)
	assert.Equal(t, int64(1500), got.LatencyMs)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.False(t, got.Timestamp.IsZero())
}
