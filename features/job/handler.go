package job

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	jobs := h.service.Active()
	h.writeJSON(r.Context(), w, http.StatusOK, map[string]interface{}{
		"data": jobs,
		"meta": map[string]int{"count": len(jobs)},
	})
}

func (h *Handler) Failed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobs, err := h.service.Failed(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list failed jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": jobs,
		"meta": map[string]int{"count": len(jobs)},
	})
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	slog.InfoContext(ctx, "retrying job", "document_id", id)

	queued, err := h.service.Retry(ctx, id)
	if err != nil {
		code, status := apperr.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			slog.ErrorContext(ctx, "failed to retry job", "document_id", id, "error", err)
		}
		h.writeError(ctx, w, code, err.Error(), status)
		return
	}

	h.writeJSON(ctx, w, http.StatusAccepted, map[string]interface{}{
		"data": map[string]interface{}{"document_id": id, "queued": queued},
	})
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
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
