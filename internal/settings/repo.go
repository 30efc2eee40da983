package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pdfqa/backend/internal/apperr"
)

// PostgresRepo reads and writes the single settings row (id = 1) seeded by
// the migrations.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Get(ctx context.Context) (*Settings, error) {
	var s Settings
	err := r.db.QueryRowContext(ctx,
		`SELECT id, gemini_api_key, rerank_provider, rerank_api_key, min_similarity, oversample_factor FROM settings WHERE id = 1`).
		Scan(&s.ID, &s.GeminiAPIKey, &s.RerankProvider, &s.RerankAPIKey, &s.MinSimilarity, &s.OversampleFactor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("settings row missing")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return &s, nil
}

func (r *PostgresRepo) Update(ctx context.Context, s *Settings) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE settings SET gemini_api_key = $1, rerank_provider = $2, rerank_api_key = $3, min_similarity = $4, oversample_factor = $5, updated_at = NOW() WHERE id = 1`,
		s.GeminiAPIKey, s.RerankProvider, s.RerankAPIKey, s.MinSimilarity, s.OversampleFactor)
	if err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("settings row missing")
	}
	return nil
}
