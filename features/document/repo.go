package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/ingest"
	"pdfqa/backend/internal/text"
)

const uniqueViolation = "23505"

const documentColumns = `id, filename, byte_size, page_count, status, chunk_count, error_detail, retry_count, upload_time, updated_at, content_hash, blob_key`

// PostgresRepo is the document registry. Status changes are guarded UPDATEs,
// so a transition from the wrong state affects no row and is reported as
// apperr.ErrInvalidTransition.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		d      Document
		chunks sql.NullInt64
		detail sql.NullString
	)
	err := row.Scan(&d.ID, &d.Filename, &d.ByteSize, &d.PageCount, &d.Status, &chunks, &detail,
		&d.RetryCount, &d.UploadTime, &d.UpdatedAt, &d.ContentHash, &d.BlobKey)
	if err != nil {
		return nil, err
	}
	if chunks.Valid {
		n := int(chunks.Int64)
		d.ChunkCount = &n
	}
	if detail.Valid {
		d.ErrorDetail = &detail.String
	}
	return &d, nil
}

func (r *PostgresRepo) Create(ctx context.Context, doc *Document) error {
	query := `INSERT INTO documents (id, filename, byte_size, page_count, status, content_hash, blob_key) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING upload_time, updated_at`
	err := r.db.QueryRowContext(ctx, query, doc.ID, doc.Filename, doc.ByteSize, doc.PageCount, doc.Status, doc.ContentHash, doc.BlobKey).
		Scan(&doc.UploadTime, &doc.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			// A concurrent upload of the same bytes won the race.
			if id, found, ferr := r.FindByHash(ctx, doc.ContentHash); ferr == nil && found {
				return &DuplicateError{ExistingID: id}
			}
			return apperr.Conflict("document already uploaded")
		}
		return err
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	d, err := scanDocument(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("document not found")
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *PostgresRepo) Status(ctx context.Context, id string) (string, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM documents WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound("document not found")
	}
	return status, err
}

func (r *PostgresRepo) FindByHash(ctx context.Context, hash string) (string, bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM documents WHERE content_hash = $1`, hash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (r *PostgresRepo) List(ctx context.Context, offset, limit int) ([]Document, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + documentColumns + ` FROM documents ORDER BY upload_time DESC, id LIMIT $1 OFFSET $2`
	docs, err := r.query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

func (r *PostgresRepo) ListFailed(ctx context.Context) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE status = 'failed' ORDER BY updated_at DESC, id`
	return r.query(ctx, query)
}

func (r *PostgresRepo) ListByStatus(ctx context.Context, status string) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE status = $1 ORDER BY upload_time, id`
	return r.query(ctx, query, status)
}

func (r *PostgresRepo) query(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// Delete removes the document row. Chunk rows go with it through the
// foreign key cascade.
func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("document not found")
	}
	return nil
}

func (r *PostgresRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *PostgresRepo) TotalChunks(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(chunk_count), 0) FROM documents WHERE status = 'completed'`).Scan(&n)
	return n, err
}

func (r *PostgresRepo) MarkProcessing(ctx context.Context, id string, retry bool) error {
	if retry {
		query := `UPDATE documents SET status = 'processing', error_detail = NULL, retry_count = retry_count + 1, updated_at = NOW() WHERE id = $1 AND status = 'failed'`
		return r.transition(ctx, id, ingest.StatusProcessing, query, id)
	}
	query := `UPDATE documents SET status = 'processing', updated_at = NOW() WHERE id = $1 AND status = 'pending'`
	return r.transition(ctx, id, ingest.StatusProcessing, query, id)
}

func (r *PostgresRepo) MarkCompleted(ctx context.Context, id string, chunkCount int) error {
	query := `UPDATE documents SET status = 'completed', chunk_count = $2, updated_at = NOW() WHERE id = $1 AND status = 'processing'`
	return r.transition(ctx, id, ingest.StatusCompleted, query, id, chunkCount)
}

// MarkFailed also flags the chunk rows, since the failure path has already
// purged their vectors.
func (r *PostgresRepo) MarkFailed(ctx context.Context, id, detail string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `UPDATE documents SET status = 'failed', error_detail = $2, updated_at = NOW() WHERE id = $1 AND status = 'processing'`
	res, err := tx.ExecContext(ctx, query, id, detail)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return r.transitionError(ctx, id, ingest.StatusFailed)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE document_chunks SET embedding_status = 'failed' WHERE document_id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepo) transition(ctx context.Context, id, to, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return r.transitionError(ctx, id, to)
	}
	return nil
}

func (r *PostgresRepo) transitionError(ctx context.Context, id, to string) error {
	current, err := r.Status(ctx, id)
	if err != nil {
		return err
	}
	return apperr.InvalidTransition(fmt.Sprintf("cannot move %s document to %s", current, to), nil)
}

// ReplaceChunks swaps the document's chunk rows for chunks, all pending.
func (r *PostgresRepo) ReplaceChunks(ctx context.Context, id string, chunks []text.Chunk) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, id); err != nil {
		return err
	}

	if len(chunks) > 0 {
		indices := make([]int64, len(chunks))
		texts := make([]string, len(chunks))
		lengths := make([]int64, len(chunks))
		pages := make([]int64, len(chunks))
		for i, c := range chunks {
			indices[i] = int64(c.Index)
			texts[i] = c.Text
			lengths[i] = int64(c.CharLength)
			pages[i] = int64(c.SourcePage)
		}
		query := `INSERT INTO document_chunks (document_id, chunk_index, text, char_length, source_page, embedding_status) SELECT $1, c.idx, c.txt, c.len, c.page, 'pending' FROM unnest($2::int[], $3::text[], $4::int[], $5::int[]) AS c(idx, txt, len, page)`
		if _, err := tx.ExecContext(ctx, query, id, pq.Array(indices), pq.Array(texts), pq.Array(lengths), pq.Array(pages)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *PostgresRepo) MarkChunksReady(ctx context.Context, id string, indices []int) error {
	if len(indices) == 0 {
		return nil
	}
	ids := make([]int64, len(indices))
	for i, idx := range indices {
		ids[i] = int64(idx)
	}
	query := `UPDATE document_chunks SET embedding_status = 'ready' WHERE document_id = $1 AND chunk_index = ANY($2)`
	_, err := r.db.ExecContext(ctx, query, id, pq.Array(ids))
	return err
}

// Chunks returns the stored chunk texts in chunk_index order.
func (r *PostgresRepo) Chunks(ctx context.Context, id string) ([]text.Chunk, error) {
	query := `SELECT chunk_index, text, char_length, source_page FROM document_chunks WHERE document_id = $1 ORDER BY chunk_index`
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []text.Chunk
	for rows.Next() {
		var c text.Chunk
		if err := rows.Scan(&c.Index, &c.Text, &c.CharLength, &c.SourcePage); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
