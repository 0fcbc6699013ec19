package storepg

import (
	"context"
	"fmt"
	"time"
)

// SubjectRepository implements trainer.SubjectStatusRepo against the
// subjects and embedding_records tables: the worker-side status bookkeeping
// that sits alongside, but outside of, embedstore.Store.Put's success path.
type SubjectRepository struct {
	pool *Pool
}

// NewSubjectRepository constructs a SubjectRepository.
func NewSubjectRepository(pool *Pool) *SubjectRepository {
	return &SubjectRepository{pool: pool}
}

func (r *SubjectRepository) MarkEmbeddingStarted(ctx context.Context, tenantID, subjectID, modelName string) error {
	now := time.Now()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO embedding_records (tenant_id, subject_id, model, status, created_at, last_updated)
		VALUES ($1, $2, $3, 'started', $4, $4)
		ON CONFLICT (tenant_id, subject_id, model) DO UPDATE SET
			status = 'started', last_updated = EXCLUDED.last_updated
	`, tenantID, subjectID, modelName, now)
	if err != nil {
		return fmt.Errorf("mark embedding started: %w", err)
	}
	return nil
}

func (r *SubjectRepository) MarkEmbeddingFailed(ctx context.Context, tenantID, subjectID, modelName, errMsg string) error {
	now := time.Now()
	_, err := r.pool.Exec(ctx, `
		UPDATE embedding_records SET status = 'failed', finished_at = $1, last_updated = $1
		WHERE tenant_id = $2 AND subject_id = $3 AND model = $4
	`, now, tenantID, subjectID, modelName)
	if err != nil {
		return fmt.Errorf("mark embedding failed: %w", err)
	}
	_ = errMsg // the job row (jobqueue.Complete) carries the error string; embedding_records has no error column
	return nil
}

func (r *SubjectRepository) MarkEmbeddingDuplicate(ctx context.Context, tenantID, subjectID, modelName, duplicateOf string) error {
	now := time.Now()
	_, err := r.pool.Exec(ctx, `
		UPDATE embedding_records SET status = 'duplicate', duplicate_of = $1, finished_at = $2, last_updated = $2
		WHERE tenant_id = $3 AND subject_id = $4 AND model = $5
	`, duplicateOf, now, tenantID, subjectID, modelName)
	if err != nil {
		return fmt.Errorf("mark embedding duplicate: %w", err)
	}
	return nil
}

func (r *SubjectRepository) MarkSubjectStatus(ctx context.Context, tenantID, subjectID, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE subjects SET status = $1, updated_at = $2 WHERE tenant_id = $3 AND subject_id = $4
	`, status, time.Now(), tenantID, subjectID)
	if err != nil {
		return fmt.Errorf("update subject status: %w", err)
	}
	return nil
}
