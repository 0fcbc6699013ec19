//go:build integration

package storepg

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/photo-sorter/internal/model"
)

func TestJobRepository_EnqueueIsIdempotentWhileNonTerminal(t *testing.T) {
	pool, cleanup := setupTestPool(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewJobRepository(pool)

	first, err := repo.Enqueue(ctx, "tenant-a", "subj-1", model.SubjectEmployee, "buffalo_l")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := repo.Enqueue(ctx, "tenant-a", "subj-1", model.SubjectEmployee, "buffalo_l")
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if first.JobID != second.JobID {
		t.Fatalf("expected idempotent enqueue to return the same job, got %s vs %s", first.JobID, second.JobID)
	}

	if err := repo.Complete(ctx, first.JobID, model.JobFailed, "no faces found", ""); err == nil {
		t.Fatal("expected complete to fail for a job still queued, not started")
	}
}

func TestJobRepository_LeaseExclusivityUnderConcurrentWorkers(t *testing.T) {
	pool, cleanup := setupTestPool(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewJobRepository(pool)

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := repo.Enqueue(ctx, "tenant-a", idx(i), model.SubjectEmployee, "buffalo_l"); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			jobs, err := repo.Lease(ctx, workerID, "buffalo_l", 5)
			if err != nil {
				t.Errorf("lease: %v", err)
				return
			}
			mu.Lock()
			for _, j := range jobs {
				seen[j.JobID]++
			}
			mu.Unlock()
		}(idx(w))
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d distinct leased jobs, got %d", n, len(seen))
	}
	for jobID, count := range seen {
		if count != 1 {
			t.Errorf("job %s leased %d times, expected exactly 1", jobID, count)
		}
	}
}

func TestJobRepository_RecoverRequeuesThenFailsStuckJob(t *testing.T) {
	pool, cleanup := setupTestPool(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewJobRepository(pool)

	job, err := repo.Enqueue(ctx, "tenant-a", "subj-stuck", model.SubjectEmployee, "buffalo_l")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := repo.Lease(ctx, "worker-1", "buffalo_l", 1); err != nil {
		t.Fatalf("lease: %v", err)
	}
	// Force the heartbeat far enough in the past to look stuck.
	if _, err := pool.Exec(ctx, `UPDATE jobs SET heartbeat = $1 WHERE job_id = $2`,
		time.Now().Add(-time.Hour), job.JobID); err != nil {
		t.Fatalf("force stale heartbeat: %v", err)
	}

	n, err := repo.Recover(ctx, 30*time.Minute, 3)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered job, got %d", n)
	}

	got, err := repo.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.JobQueued || got.RetryCount != 1 {
		t.Fatalf("expected requeue with retry_count=1, got status=%s retry_count=%d", got.Status, got.RetryCount)
	}

	// Exhaust retries: lease, go stale, recover repeatedly until failed.
	for i := 0; i < 3; i++ {
		if _, err := repo.Lease(ctx, "worker-1", "buffalo_l", 1); err != nil {
			t.Fatalf("lease %d: %v", i, err)
		}
		if _, err := pool.Exec(ctx, `UPDATE jobs SET heartbeat = $1 WHERE job_id = $2`,
			time.Now().Add(-time.Hour), job.JobID); err != nil {
			t.Fatalf("force stale heartbeat %d: %v", i, err)
		}
		if _, err := repo.Recover(ctx, 30*time.Minute, 3); err != nil {
			t.Fatalf("recover %d: %v", i, err)
		}
	}

	got, err = repo.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.JobFailed || got.Error != "stuck" {
		t.Fatalf("expected terminal failed/stuck after exhausting retries, got status=%s error=%q", got.Status, got.Error)
	}
}

func idx(i int) string {
	const letters = "0123456789abcdefghijklmnopqrstuvwxyz"
	if i < len(letters) {
		return "subj-" + string(letters[i])
	}
	return "subj-x"
}
