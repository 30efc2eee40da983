// Package mcp serves the document tools over JSON-RPC 2.0, both as plain
// HTTP POST and as the SSE session transport used by MCP clients.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pdfqa/backend/features/document"
	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/middleware"
	"pdfqa/backend/internal/retrieval"
	"pdfqa/backend/internal/summary"
)

const (
	ToolListDocuments = "pdfqa_list_documents"
	ToolQuery         = "pdfqa_query"
	ToolSummarize     = "pdfqa_summarize"
)

type Documents interface {
	List(ctx context.Context, offset, limit int) ([]document.Document, int, error)
	Query(ctx context.Context, id, question string, maxResults int) (*retrieval.Answer, error)
	Summarize(ctx context.Context, id string) (*summary.Summary, error)
}

type Handler struct {
	docs         Documents
	sessions     map[string]chan string // sessionId -> serialized JSON-RPC responses
	sessionsLock sync.RWMutex
}

func NewHandler(d Documents) *Handler {
	return &Handler{
		docs:     d,
		sessions: make(map[string]chan string),
	}
}

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ListArgs struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type QueryArgs struct {
	DocumentID string `json:"document_id"`
	Question   string `json:"question"`
	MaxResults int    `json:"max_results"`
}

type SummarizeArgs struct {
	DocumentID string `json:"document_id"`
}

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   interface{} `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603
)

var tools = []Tool{
	{
		Name: ToolListDocuments,
		Description: `Discovery tool. Lists uploaded PDF documents with their ingestion status. Only documents with status "completed" can be queried or summarized.

USAGE EXAMPLE:
pdfqa_list_documents(limit=20)`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"offset": map[string]interface{}{"type": "integer", "minimum": 0},
				"limit":  map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 100},
			},
		},
	},
	{
		Name: ToolQuery,
		Description: `Question answering tool. Answers a natural-language question from one document's content. Answers cite passages as [N], where N is the chunk index listed under Sources.

USAGE EXAMPLE:
pdfqa_query(document_id="...", question="What was the total revenue in 2023?")`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"document_id": map[string]string{"type": "string", "description": "The document to ask about"},
				"question":    map[string]interface{}{"type": "string", "maxLength": retrieval.MaxQuestionLength},
				"max_results": map[string]interface{}{
					"type":        "integer",
					"description": "Passages to retrieve (default 5).",
					"minimum":     1,
					"maximum":     retrieval.MaxResultsLimit,
				},
			},
			"required": []string{"document_id", "question"},
		},
	},
	{
		Name: ToolSummarize,
		Description: `Summary tool. Produces a summary of a whole document. Long documents are summarized in parts first, so this can take a while.

USAGE EXAMPLE:
pdfqa_summarize(document_id="...")`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"document_id": map[string]string{"type": "string", "description": "The document to summarize"},
			},
			"required": []string{"document_id"},
		},
	},
}

// processRequest returns nil for notifications, which get no response.
func (h *Handler) processRequest(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"capabilities": map[string]interface{}{
					"tools": map[string]interface{}{},
				},
				"serverInfo": map[string]interface{}{
					"name":    "pdfqa-mcp",
					"version": "1.0.0",
				},
			},
		}
	case "notifications/initialized":
		return nil
	case "tools/list":
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: ListToolsResult{Tools: tools}}
	case "tools/call":
		var params CallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			slog.WarnContext(ctx, "invalid params structure", "error", err)
			return makeErrorResponse(req.ID, ErrInvalidParams, "Invalid params")
		}
		return h.callTool(ctx, req.ID, params)
	}

	slog.WarnContext(ctx, "unknown jsonrpc method", "method", req.Method)
	return makeErrorResponse(req.ID, ErrMethodNotFound, "Method not found")
}

func (h *Handler) callTool(ctx context.Context, id interface{}, params CallParams) *JSONRPCResponse {
	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	switch params.Name {
	case ToolListDocuments:
		var a ListArgs
		if err := json.Unmarshal(args, &a); err != nil || a.Offset < 0 || a.Limit < 0 {
			return makeErrorResponse(id, ErrInvalidParams, "Invalid arguments")
		}
		return h.listDocuments(ctx, id, a)
	case ToolQuery:
		var a QueryArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return makeErrorResponse(id, ErrInvalidParams, "Invalid arguments")
		}
		if a.DocumentID == "" || strings.TrimSpace(a.Question) == "" {
			return makeErrorResponse(id, ErrInvalidParams, "document_id and question are required")
		}
		return h.query(ctx, id, a)
	case ToolSummarize:
		var a SummarizeArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return makeErrorResponse(id, ErrInvalidParams, "Invalid arguments")
		}
		if a.DocumentID == "" {
			return makeErrorResponse(id, ErrInvalidParams, "document_id is required")
		}
		return h.summarize(ctx, id, a)
	}

	slog.WarnContext(ctx, "method not found", "method", params.Name)
	return makeErrorResponse(id, ErrMethodNotFound, "Method not found: "+params.Name)
}

type simpleDocument struct {
	ID         string `json:"document_id"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	PageCount  int    `json:"page_count"`
	ChunkCount *int   `json:"chunk_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (h *Handler) listDocuments(ctx context.Context, id interface{}, a ListArgs) *JSONRPCResponse {
	docs, total, err := h.docs.List(ctx, a.Offset, a.Limit)
	if err != nil {
		return toolError(ctx, id, ToolListDocuments, err)
	}
	if len(docs) == 0 {
		return textResult(id, "No documents found.")
	}

	simple := make([]simpleDocument, len(docs))
	for i, d := range docs {
		simple[i] = simpleDocument{ID: d.ID, Filename: d.Filename, Status: d.Status, PageCount: d.PageCount, ChunkCount: d.ChunkCount}
		if d.ErrorDetail != nil {
			simple[i].Error = *d.ErrorDetail
		}
	}
	body, err := json.MarshalIndent(simple, "", "  ")
	if err != nil {
		return toolError(ctx, id, ToolListDocuments, err)
	}

	slog.InfoContext(ctx, "tool execution completed", "tool", ToolListDocuments, "result_count", len(docs))
	return textResult(id, fmt.Sprintf("%s\n\nShowing %d of %d documents.", body, len(docs), total))
}

func (h *Handler) query(ctx context.Context, id interface{}, a QueryArgs) *JSONRPCResponse {
	ans, err := h.docs.Query(ctx, a.DocumentID, a.Question, a.MaxResults)
	if err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			return makeErrorResponse(id, ErrInvalidParams, err.Error())
		}
		return toolError(ctx, id, ToolQuery, err)
	}

	var b strings.Builder
	b.WriteString(ans.Answer)
	fmt.Fprintf(&b, "\n\nConfidence: %.3f\n", ans.Confidence)
	if len(ans.Sources) > 0 {
		b.WriteString("\nSources:\n")
		for _, s := range ans.Sources {
			fmt.Fprintf(&b, "[%d] page %d, similarity %.3f\n%s\n\n", s.ChunkIndex, s.SourcePage, s.SimilarityScore, s.ContentPreview)
		}
	}

	slog.InfoContext(ctx, "tool execution completed", "tool", ToolQuery, "source_count", len(ans.Sources))
	return textResult(id, strings.TrimRight(b.String(), "\n"))
}

func (h *Handler) summarize(ctx context.Context, id interface{}, a SummarizeArgs) *JSONRPCResponse {
	sum, err := h.docs.Summarize(ctx, a.DocumentID)
	if err != nil {
		return toolError(ctx, id, ToolSummarize, err)
	}
	slog.InfoContext(ctx, "tool execution completed", "tool", ToolSummarize,
		"source_chunks", sum.SourceChunks, "reduction_rounds", sum.ReductionRounds)
	return textResult(id, sum.Summary)
}

func textResult(id interface{}, text string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  ToolResult{Content: []ToolContent{{Type: "text", Text: text}}},
	}
}

// toolError reports a failed tool call inside the result, as MCP expects,
// rather than as a protocol error.
func toolError(ctx context.Context, id interface{}, tool string, err error) *JSONRPCResponse {
	code, _ := apperr.HTTPStatus(err)
	slog.ErrorContext(ctx, "tool execution failed", "tool", tool, "error", err)
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result: ToolResult{
			Content: []ToolContent{{Type: "text", Text: fmt.Sprintf("Error (%s): %s", code, err.Error())}},
			IsError: true,
		},
	}
}

func makeErrorResponse(id interface{}, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		Error: map[string]interface{}{
			"code":    code,
			"message": message,
		},
		ID: id,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.InfoContext(r.Context(), "mcp request received", "method", r.Method, "path", r.URL.Path)

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, nil, ErrParse, "Parse error")
		return
	}

	resp := h.processRequest(r.Context(), req)
	if resp == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HandleSSE opens a session and streams its responses until the client
// disconnects.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeHttpError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Streaming unsupported", middleware.GetCorrelationID(r.Context()))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionID := uuid.New().String()
	msgChan := make(chan string, 100)

	h.sessionsLock.Lock()
	h.sessions[sessionID] = msgChan
	h.sessionsLock.Unlock()

	// The channel is left open: late responses land in its buffer and are
	// collected with it.
	defer func() {
		h.sessionsLock.Lock()
		delete(h.sessions, sessionID)
		h.sessionsLock.Unlock()
		slog.Info("sse session ended", "session_id", sessionID)
	}()

	slog.Info("sse session started", "session_id", sessionID)

	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s/mcp/messages?sessionId=%s", scheme, r.Host, sessionID)

	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", html.EscapeString(endpoint))
	fmt.Fprintf(w, "event: id\ndata: %s\n\n", html.EscapeString(sessionID))
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// HandleMessage accepts a JSON-RPC request for an open session, answers 202
// and delivers the response over the session's SSE stream.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		h.writeHttpError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Missing sessionId", correlationID)
		return
	}

	h.sessionsLock.RLock()
	msgChan, exists := h.sessions[sessionID]
	h.sessionsLock.RUnlock()

	if !exists {
		slog.WarnContext(r.Context(), "session not found", "session_id", sessionID)
		h.writeHttpError(w, http.StatusNotFound, "NOT_FOUND", "Session not found", correlationID)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeHttpError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON", correlationID)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	// Keep the correlation id but not the request's cancellation.
	bgCtx := context.WithoutCancel(r.Context())

	go func() {
		resp := h.processRequest(bgCtx, req)
		if resp == nil {
			return
		}

		respBytes, err := json.Marshal(resp)
		if err != nil {
			slog.ErrorContext(bgCtx, "failed to marshal response", "error", err)
			return
		}

		select {
		case msgChan <- string(respBytes):
		default:
			slog.WarnContext(bgCtx, "session channel full, dropping message", "session_id", sessionID)
		}
	}()
}

func (h *Handler) writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	// JSON-RPC over HTTP reports protocol errors with 200 and an error object.
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(makeErrorResponse(id, code, message))
}

func (h *Handler) writeHttpError(w http.ResponseWriter, status int, code string, message string, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"correlationId": correlationID,
	}
	json.NewEncoder(w).Encode(resp)
}
