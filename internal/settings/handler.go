package settings

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// GetSettings never returns API keys in full.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Get(r.Context())
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	h.writeData(r.Context(), w, s.Masked())
}

// UpdateSettings applies a partial update and returns the stored result.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var p Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "invalid request body", http.StatusBadRequest)
		return
	}
	s, err := h.svc.Apply(r.Context(), p)
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	slog.InfoContext(r.Context(), "settings updated", "rerank_provider", s.RerankProvider,
		"min_similarity", s.MinSimilarity, "oversample_factor", s.OversampleFactor)
	h.writeData(r.Context(), w, s.Masked())
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error) {
	code, status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "settings request failed", "error", err)
	}
	h.writeError(ctx, w, code, err.Error(), status)
}

func (h *Handler) writeData(ctx context.Context, w http.ResponseWriter, s *Settings) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": s}); err != nil {
		slog.WarnContext(ctx, "failed to encode response", "error", err)
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

	json.NewEncoder(w).Encode(resp)
}
