// Package jobqueue implements C2, the durable training-job queue: a FIFO
// with atomic leasing, heartbeats, bounded retries and stuck-job recovery.
package jobqueue

import (
	"context"
	"time"

	"github.com/kozaktomas/photo-sorter/internal/model"
)

// Reader provides read-only access to jobs.
type Reader interface {
	Get(ctx context.Context, jobID string) (*model.Job, error)
	ListByStatus(ctx context.Context, tenantID string, status model.JobStatus) ([]model.Job, error)
}

// Writer provides the full C2 state-machine operations.
type Writer interface {
	Reader

	// Enqueue creates a queued job, idempotent per (tenant, subject, model)
	// while an existing job for that key is non-terminal (§4.2). Returns the
	// existing job unchanged when one is already pending.
	Enqueue(ctx context.Context, tenantID, subjectID string, kind model.SubjectKind, modelName string) (*model.Job, error)

	// Lease atomically selects up to n queued jobs for modelName ordered by
	// created_at, transitions them to started and returns them. MUST be a
	// single atomic operation (§4.2) so two workers never lease the same job.
	Lease(ctx context.Context, workerID, modelName string, n int) ([]model.Job, error)

	// Heartbeat updates a started job's heartbeat. No-op if not started.
	Heartbeat(ctx context.Context, jobID string) error

	// Complete transitions a started job to a terminal status. Rejects if
	// the job is not currently started.
	Complete(ctx context.Context, jobID string, status model.JobStatus, errMsg, duplicateOf string) error

	// Recover requeues started jobs whose heartbeat is older than stuckAfter:
	// back to queued (retry_count++) if under maxRetries, else failed with
	// error "stuck". Returns the number of jobs touched.
	Recover(ctx context.Context, stuckAfter time.Duration, maxRetries int) (int, error)
}
