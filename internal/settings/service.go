package settings

import (
	"context"
	"fmt"

	"pdfqa/backend/internal/apperr"
)

const (
	RerankNone   = "none"
	RerankJina   = "jina"
	RerankCohere = "cohere"

	DefaultMinSimilarity    = 0.3
	DefaultOversampleFactor = 3
)

// Settings are the runtime-tunable values stored in the single settings row.
type Settings struct {
	ID               int     `json:"-"`
	GeminiAPIKey     string  `json:"gemini_api_key"`
	RerankProvider   string  `json:"rerank_provider"`
	RerankAPIKey     string  `json:"rerank_api_key"`
	MinSimilarity    float64 `json:"min_similarity"`
	OversampleFactor int     `json:"oversample_factor"`
}

// Validate rejects values the query pipeline cannot work with.
func (s *Settings) Validate() error {
	switch s.RerankProvider {
	case "", RerankNone, RerankJina, RerankCohere:
	default:
		return apperr.Validation(fmt.Sprintf("unknown rerank provider %q", s.RerankProvider))
	}
	if s.MinSimilarity < 0 || s.MinSimilarity >= 1 {
		return apperr.Validation("min_similarity must be in [0, 1)")
	}
	if s.OversampleFactor < 1 || s.OversampleFactor > 10 {
		return apperr.Validation("oversample_factor must be between 1 and 10")
	}
	return nil
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

// Patch carries a partial settings update; nil fields keep their value.
type Patch struct {
	GeminiAPIKey     *string  `json:"gemini_api_key"`
	RerankProvider   *string  `json:"rerank_provider"`
	RerankAPIKey     *string  `json:"rerank_api_key"`
	MinSimilarity    *float64 `json:"min_similarity"`
	OversampleFactor *int     `json:"oversample_factor"`
}

// Masked returns a copy safe to send to clients, with API keys reduced to
// their last four characters.
func (s *Settings) Masked() *Settings {
	out := *s
	out.GeminiAPIKey = maskKey(s.GeminiAPIKey)
	out.RerankAPIKey = maskKey(s.RerankAPIKey)
	return &out
}

func maskKey(k string) string {
	if k == "" {
		return ""
	}
	if len(k) <= 4 {
		return "****"
	}
	return "****" + k[len(k)-4:]
}

// Apply merges p into the stored settings and returns the result. A key
// equal to its masked form is the client echoing Masked output and leaves
// the stored key alone.
func (s *Service) Apply(ctx context.Context, p Patch) (*Settings, error) {
	set, err := s.repo.Get(ctx)
	if err != nil {
		return nil, err
	}
	if p.GeminiAPIKey != nil && *p.GeminiAPIKey != maskKey(set.GeminiAPIKey) {
		set.GeminiAPIKey = *p.GeminiAPIKey
	}
	if p.RerankProvider != nil {
		set.RerankProvider = *p.RerankProvider
	}
	if p.RerankAPIKey != nil && *p.RerankAPIKey != maskKey(set.RerankAPIKey) {
		set.RerankAPIKey = *p.RerankAPIKey
	}
	if p.MinSimilarity != nil {
		set.MinSimilarity = *p.MinSimilarity
	}
	if p.OversampleFactor != nil {
		set.OversampleFactor = *p.OversampleFactor
	}
	if err := s.Update(ctx, set); err != nil {
		return nil, err
	}
	return set, nil
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	if err := set.Validate(); err != nil {
		return err
	}
	return s.repo.Update(ctx, set)
}

// SeedAPIKey stores key as the Gemini API key unless one is already set.
func (s *Service) SeedAPIKey(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	set, err := s.repo.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to fetch settings: %w", err)
	}
	if set.GeminiAPIKey != "" {
		return false, nil
	}
	set.GeminiAPIKey = key
	if err := s.repo.Update(ctx, set); err != nil {
		return false, fmt.Errorf("failed to seed api key: %w", err)
	}
	return true, nil
}
