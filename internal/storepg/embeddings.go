package storepg

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/photo-sorter/internal/embedstore"
	"github.com/kozaktomas/photo-sorter/internal/model"
)

// EmbeddingRepository implements embedstore.Repository against the
// subjects/embedding_blobs/embedding_records tables.
//
// PutBlob is handed the little-endian blob embedstore already encoded
// (§6.4's opaque C1/C3 contract). To also populate the pgvector column used
// for in-database similarity search, this repository decodes the blob back
// into a []float32 using the same wire format, rather than widening the
// Repository interface to pass both representations — the blob is a shared
// wire contract, not business logic, so duplicating the tiny codec here is
// cheaper than leaking storage concerns into embedstore's interface.
type EmbeddingRepository struct {
	pool *Pool
}

// NewEmbeddingRepository constructs an EmbeddingRepository.
func NewEmbeddingRepository(pool *Pool) *EmbeddingRepository {
	return &EmbeddingRepository{pool: pool}
}

var _ embedstore.Repository = (*EmbeddingRepository)(nil)

func (r *EmbeddingRepository) PutBlob(ctx context.Context, blob []byte) (string, error) {
	vec := pgvector.NewVector(decodeEmbeddingBlob(blob))
	handle := uuid.New().String()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO embedding_blobs (handle, blob, embedding)
		VALUES ($1, $2, $3::vector)
	`, handle, blob, vec)
	if err != nil {
		return "", fmt.Errorf("insert embedding blob: %w", err)
	}
	return handle, nil
}

func (r *EmbeddingRepository) GetBlob(ctx context.Context, handle string) ([]byte, error) {
	var blob []byte
	err := r.pool.QueryRow(ctx, `SELECT blob FROM embedding_blobs WHERE handle = $1`, handle).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("embedding blob %s: %w", handle, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("select embedding blob: %w", err)
	}
	return blob, nil
}

func (r *EmbeddingRepository) DeleteBlob(ctx context.Context, handle string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM embedding_blobs WHERE handle = $1`, handle); err != nil {
		return fmt.Errorf("delete embedding blob: %w", err)
	}
	return nil
}

func (r *EmbeddingRepository) UpsertEmbeddingRecord(ctx context.Context, rec model.EmbeddingRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO embedding_records
			(tenant_id, subject_id, model, handle, status, created_at, finished_at, duplicate_of, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, subject_id, model) DO UPDATE SET
			handle       = EXCLUDED.handle,
			status       = EXCLUDED.status,
			finished_at  = EXCLUDED.finished_at,
			duplicate_of = EXCLUDED.duplicate_of,
			last_updated = EXCLUDED.last_updated
	`,
		rec.TenantID, rec.SubjectID, rec.Model, nullableHandle(rec.Handle), string(rec.Status),
		rec.CreatedAt, rec.FinishedAt, rec.DuplicateOf, rec.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("upsert embedding record: %w", err)
	}
	return nil
}

// activeSubjectQuery selects one row per (tenant, subject): the most
// recently updated embedding record, joined to its subject and blob. The
// DISTINCT ON (..., last_updated DESC) pair favors the newest model trained
// for a subject when more than one model has produced a record.
const activeSubjectQuery = `
	SELECT DISTINCT ON (er.tenant_id, er.subject_id)
		er.subject_id, s.display_name, s.kind, b.embedding, er.last_updated,
		NOT (s.active AND NOT s.blacklisted AND er.status = 'done') AS removed
	FROM embedding_records er
	JOIN subjects s ON s.tenant_id = er.tenant_id AND s.subject_id = er.subject_id
	LEFT JOIN embedding_blobs b ON b.handle = er.handle
	WHERE er.tenant_id = $1 %s
	ORDER BY er.tenant_id, er.subject_id, er.last_updated DESC
`

func (r *EmbeddingRepository) ListActiveAll(ctx context.Context, tenantID string) ([]embedstore.ActiveSubject, error) {
	query := fmt.Sprintf(activeSubjectQuery, "AND s.active AND NOT s.blacklisted AND er.status = 'done'")
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list active subjects: %w", err)
	}
	defer rows.Close()
	return scanActiveSubjects(rows)
}

func (r *EmbeddingRepository) ListActiveSince(ctx context.Context, tenantID string, since time.Time) ([]embedstore.ActiveSubject, error) {
	query := fmt.Sprintf(activeSubjectQuery, "AND (er.last_updated >= $2 OR s.updated_at >= $2)")
	rows, err := r.pool.Query(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("list active subjects since: %w", err)
	}
	defer rows.Close()
	return scanActiveSubjects(rows)
}

func scanActiveSubjects(rows *sql.Rows) ([]embedstore.ActiveSubject, error) {
	var out []embedstore.ActiveSubject
	for rows.Next() {
		var (
			a    embedstore.ActiveSubject
			kind string
			vec  pgvector.Vector
		)
		if err := rows.Scan(&a.SubjectID, &a.DisplayName, &kind, &vec, &a.LastUpdated, &a.Removed); err != nil {
			return nil, fmt.Errorf("scan active subject: %w", err)
		}
		a.Kind = model.SubjectKind(kind)
		a.Embedding = vec.Slice()
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullableHandle(handle string) any {
	if handle == "" {
		return nil
	}
	return handle
}

// decodeEmbeddingBlob mirrors embedstore's little-endian float32 codec so
// the pgvector column can be populated from the same bytes stored in blob.
func decodeEmbeddingBlob(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
