package storepg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/photo-sorter/internal/jobqueue"
	"github.com/kozaktomas/photo-sorter/internal/model"
)

// JobRepository implements jobqueue.Writer against the jobs table.
type JobRepository struct {
	pool *Pool
}

// NewJobRepository constructs a JobRepository.
func NewJobRepository(pool *Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

var _ jobqueue.Writer = (*JobRepository)(nil)

const jobColumns = `job_id, tenant_id, subject_id, subject_kind, model, status,
	created_at, started_at, finished_at, heartbeat, worker_id, retry_count, error, duplicate_of`

func (r *JobRepository) Enqueue(ctx context.Context, tenantID, subjectID string, kind model.SubjectKind, modelName string) (*model.Job, error) {
	jobID := uuid.New().String()
	now := time.Now()

	var returnedID string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO jobs (job_id, tenant_id, subject_id, subject_kind, model, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'queued', $6)
		ON CONFLICT (tenant_id, subject_id, model) WHERE status IN ('queued', 'started') DO NOTHING
		RETURNING job_id
	`, jobID, tenantID, subjectID, string(kind), modelName, now).Scan(&returnedID)

	if err == sql.ErrNoRows {
		existing, ferr := r.getNonTerminalBySubjectModel(ctx, tenantID, subjectID, modelName)
		if ferr != nil {
			return nil, fmt.Errorf("enqueue: fetch existing non-terminal job: %w", ferr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	return &model.Job{
		JobID: jobID, TenantID: tenantID, SubjectID: subjectID, SubjectKind: kind,
		Model: modelName, Status: model.JobQueued, CreatedAt: now,
	}, nil
}

func (r *JobRepository) getNonTerminalBySubjectModel(ctx context.Context, tenantID, subjectID, modelName string) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE tenant_id = $1 AND subject_id = $2 AND model = $3 AND status IN ('queued', 'started')
	`, jobColumns), tenantID, subjectID, modelName)
	return scanJob(row)
}

// Lease atomically selects up to n queued jobs via SELECT ... FOR UPDATE
// SKIP LOCKED nested in the UPDATE's WHERE clause, so the select-and-claim
// is a single statement: no other caller can observe or take the same rows
// between selection and the status flip (§4.2).
func (r *JobRepository) Lease(ctx context.Context, workerID, modelName string, n int) ([]model.Job, error) {
	now := time.Now()
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		UPDATE jobs SET status = 'started', started_at = $1, heartbeat = $1, worker_id = $2
		WHERE job_id IN (
			SELECT job_id FROM jobs
			WHERE model = $3 AND status = 'queued'
			ORDER BY created_at, job_id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, jobColumns), now, workerID, modelName, n)
	if err != nil {
		return nil, fmt.Errorf("lease jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (r *JobRepository) Heartbeat(ctx context.Context, jobID string) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE jobs SET heartbeat = $1 WHERE job_id = $2 AND status = 'started'
	`, time.Now(), jobID); err != nil {
		return fmt.Errorf("heartbeat job %s: %w", jobID, err)
	}
	return nil
}

func (r *JobRepository) Complete(ctx context.Context, jobID string, status model.JobStatus, errMsg, duplicateOf string) error {
	res, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, finished_at = $2, error = $3, duplicate_of = $4
		WHERE job_id = $5 AND status = 'started'
	`, string(status), time.Now(), errMsg, duplicateOf, jobID)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete job %s: rows affected: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("complete job %s: job not in started state", jobID)
	}
	return nil
}

// Recover requeues or fails jobs stuck past stuckAfter, in one statement so
// concurrent recover() callers (or a recover racing a worker's heartbeat)
// cannot double-touch the same job: the WHERE clause's heartbeat check only
// matches rows still stuck at execution time.
func (r *JobRepository) Recover(ctx context.Context, stuckAfter time.Duration, maxRetries int) (int, error) {
	cutoff := time.Now().Add(-stuckAfter)
	res, err := r.pool.Exec(ctx, `
		UPDATE jobs SET
			status       = CASE WHEN retry_count < $2 THEN 'queued' ELSE 'failed' END,
			retry_count  = CASE WHEN retry_count < $2 THEN retry_count + 1 ELSE retry_count END,
			error        = CASE WHEN retry_count < $2 THEN error ELSE 'stuck' END,
			worker_id    = CASE WHEN retry_count < $2 THEN '' ELSE worker_id END,
			heartbeat    = CASE WHEN retry_count < $2 THEN NULL ELSE heartbeat END,
			finished_at  = CASE WHEN retry_count < $2 THEN NULL ELSE $3 END
		WHERE status = 'started' AND heartbeat < $1
	`, cutoff, maxRetries, time.Now())
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: rows affected: %w", err)
	}
	return int(n), nil
}

func (r *JobRepository) Get(ctx context.Context, jobID string) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE job_id = $1`, jobColumns), jobID)
	return scanJob(row)
}

func (r *JobRepository) ListByStatus(ctx context.Context, tenantID string, status model.JobStatus) ([]model.Job, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs WHERE tenant_id = $1 AND status = $2 ORDER BY created_at, job_id
	`, jobColumns), tenantID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(s jobScanner) (*model.Job, error) {
	j, err := scanJobRows(s)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %w", err)
	}
	return j, err
}

func scanJobRows(s jobScanner) (*model.Job, error) {
	var (
		j                                 model.Job
		kind, modelName, status           string
		startedAt, finishedAt, heartbeat  sql.NullTime
	)
	if err := s.Scan(
		&j.JobID, &j.TenantID, &j.SubjectID, &kind, &modelName, &status,
		&j.CreatedAt, &startedAt, &finishedAt, &heartbeat,
		&j.WorkerID, &j.RetryCount, &j.Error, &j.DuplicateOf,
	); err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.SubjectKind = model.SubjectKind(kind)
	j.Model = modelName
	j.Status = model.JobStatus(status)
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		j.FinishedAt = &finishedAt.Time
	}
	if heartbeat.Valid {
		j.Heartbeat = &heartbeat.Time
	}
	return &j, nil
}
