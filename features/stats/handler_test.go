package stats

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"pdfqa/backend/features/document"
	"pdfqa/backend/internal/ingest"
)

type MockDocumentStats struct{ mock.Mock }

func (m *MockDocumentStats) Stats(ctx context.Context) (*document.Stats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*document.Stats), args.Error(1)
}

type staticActive []ingest.JobInfo

func (s staticActive) Active() []ingest.JobInfo { return s }

func TestHandler_GetStats_Table(t *testing.T) {
	tests := []struct {
		name       string
		setupMocks func(*MockDocumentStats)
		wantStatus int
		checkBody  func(*testing.T, map[string]interface{})
	}{
		{
			name: "Success",
			setupMocks: func(d *MockDocumentStats) {
				d.On("Stats", mock.Anything).Return(&document.Stats{
					Documents:   map[string]int{"pending": 1, "processing": 2, "completed": 6, "failed": 1},
					Total:       10,
					TotalChunks: 240,
				}, nil)
			},
			wantStatus: http.StatusOK,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				data := body["data"].(map[string]interface{})
				assert.EqualValues(t, 10, data["total_documents"])
				assert.EqualValues(t, 240, data["total_chunks"])
				assert.EqualValues(t, 2, data["active_jobs"])
				docs := data["documents"].(map[string]interface{})
				assert.EqualValues(t, 6, docs["completed"])
			},
		},
		{
			name: "StatsError",
			setupMocks: func(d *MockDocumentStats) {
				d.On("Stats", mock.Anything).Return(nil, errors.New("db error"))
			},
			wantStatus: http.StatusInternalServerError,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				errObj := body["error"].(map[string]interface{})
				assert.Equal(t, "INTERNAL_ERROR", errObj["code"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := new(MockDocumentStats)
			tt.setupMocks(d)
			active := staticActive{{DocumentID: "a"}, {DocumentID: "b"}}
			h := NewHandler(d, active)

			w := httptest.NewRecorder()
			h.GetStats(w, httptest.NewRequest(http.MethodGet, "/stats", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			var body map[string]interface{}
			assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			tt.checkBody(t, body)
		})
	}
}
