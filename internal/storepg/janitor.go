package storepg

import (
	"context"
	"fmt"
	"time"
)

// PendingDuplicate is one subject past its duplicate-removal dwell.
type PendingDuplicate struct {
	TenantID  string
	SubjectID string
	Handle    string // embedding_blobs handle for the swept model, "" if none
}

// JanitorRepository implements the duplicate-cleanup contract of §4.3's
// final paragraph: invoked externally, never by the training worker itself.
type JanitorRepository struct {
	pool *Pool
}

// NewJanitorRepository constructs a JanitorRepository.
func NewJanitorRepository(pool *Pool) *JanitorRepository {
	return &JanitorRepository{pool: pool}
}

// ListDue returns subjects with status=pending_duplicate_removal whose
// embedding record for modelName has a finished_at older than dwell.
func (r *JanitorRepository) ListDue(ctx context.Context, modelName string, dwell time.Duration) ([]PendingDuplicate, error) {
	cutoff := time.Now().Add(-dwell)
	rows, err := r.pool.Query(ctx, `
		SELECT s.tenant_id, s.subject_id, COALESCE(er.handle::text, '')
		FROM subjects s
		JOIN embedding_records er ON er.tenant_id = s.tenant_id AND er.subject_id = s.subject_id
		WHERE s.status = 'pending_duplicate_removal' AND er.model = $1 AND er.finished_at < $2
	`, modelName, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list pending duplicate removals: %w", err)
	}
	defer rows.Close()

	var out []PendingDuplicate
	for rows.Next() {
		var p PendingDuplicate
		if err := rows.Scan(&p.TenantID, &p.SubjectID, &p.Handle); err != nil {
			return nil, fmt.Errorf("scan pending duplicate: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// HardDelete removes a subject and all its embedding records and blobs.
func (r *JanitorRepository) HardDelete(ctx context.Context, tenantID, subjectID string) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin hard delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM embedding_blobs WHERE handle IN (
			SELECT handle FROM embedding_records WHERE tenant_id = $1 AND subject_id = $2 AND handle IS NOT NULL
		)
	`, tenantID, subjectID); err != nil {
		return fmt.Errorf("delete embedding blobs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM embedding_records WHERE tenant_id = $1 AND subject_id = $2`, tenantID, subjectID); err != nil {
		return fmt.Errorf("delete embedding records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subjects WHERE tenant_id = $1 AND subject_id = $2`, tenantID, subjectID); err != nil {
		return fmt.Errorf("delete subject: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit hard delete: %w", err)
	}
	return nil
}
