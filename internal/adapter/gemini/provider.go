// Package gemini embeds chunk text and generates answers with the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/settings"
)

var errNoAPIKey = errors.New("gemini api key not configured")

// Provider serves both embeddings and generation. The API key is read from
// settings on every call, so a key change takes effect without a restart.
type Provider struct {
	settingsSvc *settings.Service
	embedModel  string
	genModel    string
	clientOpts  []option.ClientOption

	mu         sync.RWMutex
	client     *genai.Client
	currentKey string
}

func NewProvider(svc *settings.Service, embedModel, genModel string, opts ...option.ClientOption) *Provider {
	return &Provider{
		settingsSvc: svc,
		embedModel:  embedModel,
		genModel:    genModel,
		clientOpts:  opts,
	}
}

// EmbedBatch embeds document chunks in one request, preserving order.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	client, err := p.clientFromSettings(ctx)
	if err != nil {
		return nil, err
	}

	model := client.EmbeddingModel(p.embedModel)
	model.TaskType = genai.TaskTypeRetrievalDocument
	batch := model.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	res, err := model.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, classify(err)
	}

	out := make([][]float32, len(res.Embeddings))
	for i, e := range res.Embeddings {
		if e != nil {
			out[i] = e.Values
		}
	}
	return out, nil
}

// Embed embeds a single search query.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	client, err := p.clientFromSettings(ctx)
	if err != nil {
		return nil, err
	}

	model := client.EmbeddingModel(p.embedModel)
	model.TaskType = genai.TaskTypeRetrievalQuery
	res, err := model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, classify(err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, apperr.Transient(errors.New("empty embedding received"))
	}
	return res.Embedding.Values, nil
}

// Generate runs prompt under the given system instruction and returns the
// concatenated text of the first candidate.
func (p *Provider) Generate(ctx context.Context, instruction, prompt string) (string, error) {
	client, err := p.clientFromSettings(ctx)
	if err != nil {
		return "", err
	}

	model := client.GenerativeModel(p.genModel)
	if instruction != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(instruction))
	}
	slog.DebugContext(ctx, "generating content", "model", p.genModel, "prompt_length", len(prompt))

	res, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", classify(err)
	}
	if len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return "", errors.New("empty generation response")
	}

	var sb strings.Builder
	for _, part := range res.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func (p *Provider) clientFromSettings(ctx context.Context) (*genai.Client, error) {
	s, err := p.settingsSvc.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	if s.GeminiAPIKey == "" {
		return nil, apperr.Permanent(errNoAPIKey)
	}
	return p.getClient(ctx, s.GeminiAPIKey)
}

func (p *Provider) getClient(ctx context.Context, key string) (*genai.Client, error) {
	p.mu.RLock()
	if p.client != nil && p.currentKey == key {
		defer p.mu.RUnlock()
		return p.client, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.currentKey == key {
		return p.client, nil
	}

	if p.client != nil {
		if err := p.client.Close(); err != nil {
			slog.Warn("failed to close previous genai client", "error", err)
		}
	}

	opts := append(append([]option.ClientOption{}, p.clientOpts...), option.WithAPIKey(key))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	p.client = client
	p.currentKey = key
	return client, nil
}

// Close releases the cached client.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	p.currentKey = ""
	return err
}

// classify marks rate limits, server errors and timeouts as transient and
// request errors as permanent. Anything else is returned unmarked.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient(err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
			return apperr.Transient(err)
		case gerr.Code >= 400:
			return apperr.Permanent(err)
		}
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
			return apperr.Transient(err)
		case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.NotFound, codes.FailedPrecondition:
			return apperr.Permanent(err)
		}
	}

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return apperr.Permanent(err)
	}
	return err
}
