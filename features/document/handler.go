package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/middleware"
	"pdfqa/backend/internal/retrieval"
)

// multipartOverhead covers boundaries and headers around the file part.
const multipartOverhead = 1 << 20

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	maxBytes := h.service.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", fmt.Sprintf("file exceeds %d MB", maxBytes>>20), http.StatusBadRequest)
			return
		}
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "invalid multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "unable to read file", http.StatusBadRequest)
		return
	}

	doc, err := h.service.Upload(r.Context(), filepath.Base(header.Filename), data)
	if err != nil {
		var dup *DuplicateError
		if errors.As(err, &dup) {
			h.writeErrorDetails(r.Context(), w, "CONFLICT", err.Error(), http.StatusConflict,
				map[string]any{"document_id": dup.ExistingID})
			return
		}
		h.fail(r.Context(), w, err)
		return
	}

	h.writeJSON(r.Context(), w, http.StatusCreated, map[string]any{"data": doc})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	offset, err := intParam(r, "offset")
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}

	docs, total, err := h.service.List(r.Context(), offset, limit)
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	if docs == nil {
		docs = []Document{}
	}

	h.writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"data": docs,
		"meta": map[string]int{"count": len(docs), "total": total, "offset": offset},
	})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, map[string]any{"data": doc})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"data": map[string]any{"document_id": id, "deleted": true},
	})
}

func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question   string `json:"question"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "invalid request body", http.StatusBadRequest)
		return
	}

	ans, err := h.service.Query(r.Context(), r.PathValue("id"), req.Question, req.MaxResults)
	if err != nil {
		if ans != nil {
			code, status := apperr.HTTPStatus(err)
			h.writeErrorDetails(r.Context(), w, code, err.Error(), status,
				map[string]any{"processing_time": ans.ProcessingTime})
			return
		}
		h.fail(r.Context(), w, err)
		return
	}
	if ans.Sources == nil {
		ans.Sources = []retrieval.Source{}
	}
	h.writeJSON(r.Context(), w, http.StatusOK, map[string]any{"data": ans})
}

func (h *Handler) Summarize(w http.ResponseWriter, r *http.Request) {
	sum, err := h.service.Summarize(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, map[string]any{"data": sum})
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	h.writeJSON(r.Context(), w, http.StatusAccepted, map[string]any{"data": doc})
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation(fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}

// fail logs unexpected errors and writes the envelope for err's kind.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error) {
	code, status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", "error", err)
	}
	h.writeError(ctx, w, code, err.Error(), status)
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	h.writeErrorDetails(ctx, w, code, message, status, nil)
}

func (h *Handler) writeErrorDetails(ctx context.Context, w http.ResponseWriter, code, message string, status int, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}
	if details != nil {
		resp["details"] = details
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}
