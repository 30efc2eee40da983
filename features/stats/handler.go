package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"pdfqa/backend/features/document"
	"pdfqa/backend/internal/ingest"
	"pdfqa/backend/internal/middleware"
)

type DocumentStats interface {
	Stats(ctx context.Context) (*document.Stats, error)
}

type ActiveLister interface {
	Active() []ingest.JobInfo
}

type Handler struct {
	docs   DocumentStats
	active ActiveLister
}

func NewHandler(d DocumentStats, a ActiveLister) *Handler {
	return &Handler{docs: d, active: a}
}

type StatsResponse struct {
	Documents      map[string]int `json:"documents"`
	TotalDocuments int            `json:"total_documents"`
	TotalChunks    int            `json:"total_chunks"`
	ActiveJobs     int            `json:"active_jobs"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	st, err := h.docs.Stats(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to collect stats", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to collect stats", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		Documents:      st.Documents,
		TotalDocuments: st.Total,
		TotalChunks:    st.TotalChunks,
		ActiveJobs:     len(h.active.Active()),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
