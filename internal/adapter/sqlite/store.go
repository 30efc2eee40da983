// Package sqlite is an embedded vector index for single-node deployments.
// Vectors are stored as little-endian float32 blobs and searched by brute
// force cosine similarity.
package sqlite

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/vector"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS vectors (
		collection  TEXT    NOT NULL,
		id          TEXT    NOT NULL,
		document_id TEXT    NOT NULL,
		chunk_index INTEGER NOT NULL,
		source_page INTEGER NOT NULL,
		char_length INTEGER NOT NULL,
		content     TEXT    NOT NULL,
		embedding   BLOB    NOT NULL,
		PRIMARY KEY (collection, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vectors_document ON vectors(collection, document_id)`,
}

type Store struct {
	db *sqlx.DB
}

var _ vector.Index = (*Store)(nil)

type row struct {
	ID         string `db:"id"`
	DocumentID string `db:"document_id"`
	ChunkIndex int    `db:"chunk_index"`
	SourcePage int    `db:"source_page"`
	CharLength int    `db:"char_length"`
	Content    string `db:"content"`
	Embedding  []byte `db:"embedding"`
}

// Open creates the database file if needed and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening vector database: %w", err)
	}
	// A single connection serializes writers and keeps reads consistent
	// with the last committed upsert.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating vector schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Upsert(ctx context.Context, collection string, items []vector.Item) error {
	if len(items) == 0 {
		return nil
	}
	if err := vector.ValidateItems(items); err != nil {
		return apperr.VectorIndex("invalid upsert batch", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.VectorIndex("begin upsert", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO vectors (collection, id, document_id, chunk_index, source_page, char_length, content, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			document_id = excluded.document_id,
			chunk_index = excluded.chunk_index,
			source_page = excluded.source_page,
			char_length = excluded.char_length,
			content     = excluded.content,
			embedding   = excluded.embedding`
	stmt, err := tx.PreparexContext(ctx, q)
	if err != nil {
		return apperr.VectorIndex("prepare upsert", err)
	}
	defer stmt.Close()

	for _, it := range items {
		m := it.Metadata
		if _, err := stmt.ExecContext(ctx, collection, it.ID, m.DocumentID, m.ChunkIndex, m.SourcePage, m.CharLength, m.Text, encodeVector(it.Vector)); err != nil {
			return apperr.VectorIndex("upsert vector", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.VectorIndex("commit upsert", err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, collection string, query []float32, k int, filter vector.Filter) ([]vector.Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	q := `SELECT id, document_id, chunk_index, source_page, char_length, content, embedding FROM vectors WHERE collection = ?`
	args := []interface{}{collection}
	if filter.DocumentID != "" {
		q += ` AND document_id = ?`
		args = append(args, filter.DocumentID)
	}

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, apperr.VectorIndex("search vectors", err)
	}

	hits := make([]vector.Hit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, vector.Hit{
			ID:    r.ID,
			Score: vector.Cosine(query, decodeVector(r.Embedding)),
			Metadata: vector.Metadata{
				DocumentID: r.DocumentID,
				ChunkIndex: r.ChunkIndex,
				SourcePage: r.SourcePage,
				CharLength: r.CharLength,
				Text:       r.Content,
			},
		})
	}

	vector.SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *Store) Delete(ctx context.Context, collection string, filter vector.Filter) error {
	if filter.DocumentID == "" {
		return apperr.VectorIndex("delete vectors", vector.ErrEmptyFilter)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE collection = ? AND document_id = ?`, collection, filter.DocumentID); err != nil {
		return apperr.VectorIndex("delete vectors", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, collection string, filter vector.Filter) (int, error) {
	q := `SELECT COUNT(*) FROM vectors WHERE collection = ?`
	args := []interface{}{collection}
	if filter.DocumentID != "" {
		q += ` AND document_id = ?`
		args = append(args, filter.DocumentID)
	}
	var n int
	if err := s.db.GetContext(ctx, &n, q, args...); err != nil {
		return 0, apperr.VectorIndex("count vectors", err)
	}
	return n, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
