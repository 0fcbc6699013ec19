// Package trainer implements C3, the training worker: leases jobs from C2,
// computes one embedding per subject+model from its enrollment image set,
// and publishes to C1.
package trainer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/time/rate"

	"github.com/kozaktomas/photo-sorter/internal/detect"
	"github.com/kozaktomas/photo-sorter/internal/embedstore"
	"github.com/kozaktomas/photo-sorter/internal/facemath"
	"github.com/kozaktomas/photo-sorter/internal/imaging"
	"github.com/kozaktomas/photo-sorter/internal/jobqueue"
	"github.com/kozaktomas/photo-sorter/internal/logging"
	"github.com/kozaktomas/photo-sorter/internal/model"
	"github.com/kozaktomas/photo-sorter/internal/textnorm"
)

// ImageSource loads one pose's enrollment image for a (tenant, subject,
// model) set. ok=false means the pose has no image and is skipped, matching
// the "0 faces -> skip pose" leniency of §4.3 step 2.
type ImageSource interface {
	LoadPose(ctx context.Context, tenantID, subjectID, modelName string, pose model.Pose) (image []byte, ok bool, err error)
}

// SubjectStatusRepo is the worker-side bookkeeping that sits outside
// embedstore.Store.Put's success path: marking a model as started, and
// recording the failed/duplicate/incomplete outcomes.
type SubjectStatusRepo interface {
	MarkEmbeddingStarted(ctx context.Context, tenantID, subjectID, modelName string) error
	MarkEmbeddingFailed(ctx context.Context, tenantID, subjectID, modelName, errMsg string) error
	MarkEmbeddingDuplicate(ctx context.Context, tenantID, subjectID, modelName, duplicateOf string) error
	MarkSubjectStatus(ctx context.Context, tenantID, subjectID string, status string) error
}

// Config is the enumerated §4.3 worker configuration.
type Config struct {
	ModelName           string
	SimilarityThreshold float64
	DuplicateThreshold  float64
	MaxWorkers          int
	PollingInterval     time.Duration
	HeartbeatInterval   time.Duration
	MaxRetries          int
	MemoryThresholdPct  float64
	CPUThresholdPct     float64
	StuckTimeout        time.Duration
}

// Worker is C3's lease-compute-publish loop for one model.
type Worker struct {
	cfg      Config
	queue    jobqueue.Writer
	images   ImageSource
	detector detect.Detector
	store    *embedstore.Store
	statuses SubjectStatusRepo
	gate     *ResourceGate
	limiter  *rate.Limiter
	log      log.Logger

	stats workerStats
}

// New constructs a Worker.
func New(cfg Config, queue jobqueue.Writer, images ImageSource, detector detect.Detector, store *embedstore.Store, statuses SubjectStatusRepo) *Worker {
	return &Worker{
		cfg:      cfg,
		queue:    queue,
		images:   images,
		detector: detector,
		store:    store,
		statuses: statuses,
		gate:     NewResourceGate(cfg.MemoryThresholdPct, cfg.CPUThresholdPct),
		limiter:  rate.NewLimiter(rate.Every(cfg.PollingInterval), 1),
		log:      logging.New("trainer"),
	}
}

// Run polls for jobs and processes them with up to MaxWorkers concurrently,
// until ctx is cancelled. The bounded-concurrency idiom mirrors the
// teacher's semaphore-channel worker pool (cmd/photo_embed.go).
func (w *Worker) Run(ctx context.Context, workerID string) {
	sem := make(chan struct{}, w.cfg.MaxWorkers)
	ticker := time.NewTicker(w.cfg.PollingInterval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(time.Hour)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("trainer shutting down")
			w.stats.logFinal(w.log)
			return
		case <-statsTicker.C:
			w.stats.logPeriodic(w.log)
		case <-ticker.C:
			ok, err := w.gate.OK()
			if err != nil {
				w.log.Warn().Err(err).Msg("resource gate check failed, leasing anyway")
			} else if !ok {
				w.log.Debug().Msg("resource gate closed, skipping lease")
				continue
			}

			n := cap(sem) - len(sem)
			if n <= 0 {
				continue
			}
			if !w.limiter.Allow() {
				continue
			}
			jobs, err := w.queue.Lease(ctx, workerID, w.cfg.ModelName, n)
			if err != nil {
				w.log.Error().Err(err).Msg("lease failed")
				continue
			}
			for _, job := range jobs {
				job := job
				sem <- struct{}{}
				go func() {
					defer func() { <-sem }()
					w.process(ctx, job)
				}()
			}
		}
	}
}

// process runs the per-job algorithm of §4.3 steps 1-7.
func (w *Worker) process(ctx context.Context, job model.Job) {
	jlog := w.log.Info().Str("job_id", job.JobID).Str("subject_id", job.SubjectID).Str("tenant_id", job.TenantID)
	jlog.Msg("processing job")

	if err := w.statuses.MarkEmbeddingStarted(ctx, job.TenantID, job.SubjectID, job.Model); err != nil {
		w.log.Error().Err(err).Str("job_id", job.JobID).Msg("mark embedding started failed")
	}

	heartbeatStop := w.startHeartbeat(ctx, job.JobID)
	defer heartbeatStop()

	poseEmbeddings := make(map[model.Pose][]float32)
	for _, pose := range model.PoseOrder {
		emb, found, err := w.embedPose(ctx, job, pose)
		if err != nil {
			w.fail(ctx, job, fmt.Sprintf("detect pose %s: %v", pose, err))
			return
		}
		if found {
			poseEmbeddings[pose] = emb
		}
		w.heartbeatOnce(ctx, job.JobID)
	}

	if len(poseEmbeddings) == 0 {
		w.fail(ctx, job, "no faces found")
		w.stats.incFailed()
		return
	}

	var vectors [][]float32
	var poses []model.Pose
	for _, pose := range model.PoseOrder {
		if v, ok := poseEmbeddings[pose]; ok {
			vectors = append(vectors, v)
			poses = append(poses, pose)
		}
	}

	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			sim := facemath.CosineSimilarity(vectors[i], vectors[j])
			if sim < w.cfg.SimilarityThreshold {
				w.fail(ctx, job, fmt.Sprintf("pose %s and %s disagree (similarity %.3f < %.3f)", poses[i], poses[j], sim, w.cfg.SimilarityThreshold))
				if err := w.statuses.MarkSubjectStatus(ctx, job.TenantID, job.SubjectID, string(model.SubjectStatusIncomplete)); err != nil {
					w.log.Error().Err(err).Msg("mark subject incomplete failed")
				}
				w.stats.incFailed()
				return
			}
		}
	}

	subjectEmbedding := facemath.Normalize(facemath.Mean(vectors))

	view, err := w.store.Snapshot(ctx, job.TenantID)
	if err != nil {
		w.fail(ctx, job, fmt.Sprintf("catalog snapshot: %v", err))
		w.stats.incFailed()
		return
	}
	if match, score, found := view.Best(subjectEmbedding); found && score > w.cfg.DuplicateThreshold && match.SubjectID != job.SubjectID {
		if err := w.statuses.MarkEmbeddingDuplicate(ctx, job.TenantID, job.SubjectID, job.Model, match.SubjectID); err != nil {
			w.log.Error().Err(err).Msg("mark embedding duplicate failed")
		}
		if err := w.statuses.MarkSubjectStatus(ctx, job.TenantID, job.SubjectID, string(model.SubjectStatusPendingDuplicateRem)); err != nil {
			w.log.Error().Err(err).Msg("mark subject pending_duplicate_removal failed")
		}
		if err := w.queue.Complete(ctx, job.JobID, model.JobDuplicate, "", match.SubjectID); err != nil {
			w.log.Error().Err(err).Str("job_id", job.JobID).Msg("complete (duplicate) failed")
		}
		w.stats.incDuplicate()
		return
	}

	// Caller-side enrollment records carry the real display name; the worker
	// only knows the ID, so it's normalized the same way a real name would be.
	displayName := textnorm.RemoveDiacritics(job.SubjectID)
	if _, err := w.store.Put(ctx, job.TenantID, job.SubjectID, job.Model, subjectEmbedding, displayName, job.SubjectKind); err != nil {
		w.fail(ctx, job, fmt.Sprintf("publish embedding: %v", err))
		w.stats.incFailed()
		return
	}
	if err := w.queue.Complete(ctx, job.JobID, model.JobDone, "", ""); err != nil {
		w.log.Error().Err(err).Str("job_id", job.JobID).Msg("complete (done) failed")
	}
	w.stats.incDone()
}

func (w *Worker) embedPose(ctx context.Context, job model.Job, pose model.Pose) ([]float32, bool, error) {
	image, ok, err := w.images.LoadPose(ctx, job.TenantID, job.SubjectID, job.Model, pose)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	fitted, err := imaging.Fit(image, imaging.DefaultMaxDimension)
	if err != nil {
		// A pose image that fails to decode can't be resized; let the
		// detector see the raw bytes and report the failure itself.
		fitted = image
	}

	faces, err := w.detector.Detect(ctx, fitted)
	if err != nil {
		return nil, false, err
	}
	if len(faces) == 0 {
		return nil, false, nil
	}
	dominant, _ := detect.Dominant(faces)
	return dominant.Embedding, true, nil
}

func (w *Worker) fail(ctx context.Context, job model.Job, errMsg string) {
	if err := w.statuses.MarkEmbeddingFailed(ctx, job.TenantID, job.SubjectID, job.Model, errMsg); err != nil {
		w.log.Error().Err(err).Str("job_id", job.JobID).Msg("mark embedding failed failed")
	}
	if err := w.queue.Complete(ctx, job.JobID, model.JobFailed, errMsg, ""); err != nil {
		w.log.Error().Err(err).Str("job_id", job.JobID).Msg("complete (failed) failed")
	}
	w.log.Warn().Str("job_id", job.JobID).Str("error", errMsg).Msg("job failed")
}

// startHeartbeat runs heartbeat(job_id) on cfg.HeartbeatInterval until the
// returned func is called, plus exposes a manual heartbeatOnce for the
// per-pose heartbeat step 2 requires ("heartbeat after each pose").
func (w *Worker) startHeartbeat(ctx context.Context, jobID string) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.heartbeatOnce(ctx, jobID)
			}
		}
	}()
	return func() { close(stop) }
}

func (w *Worker) heartbeatOnce(ctx context.Context, jobID string) {
	if err := w.queue.Heartbeat(ctx, jobID); err != nil {
		w.log.Warn().Err(err).Str("job_id", jobID).Msg("heartbeat failed")
	}
}

// workerStats are the counters behind the supplemented periodic stats log,
// updated concurrently from per-job goroutines (cmd/photo_embed.go's pool
// uses a sync.Mutex for its counters; atomics serve the same purpose here
// with less contention since these are just three independent counters).
type workerStats struct {
	done      int64
	failed    int64
	duplicate int64
}

func (s *workerStats) incDone()      { atomic.AddInt64(&s.done, 1) }
func (s *workerStats) incFailed()    { atomic.AddInt64(&s.failed, 1) }
func (s *workerStats) incDuplicate() { atomic.AddInt64(&s.duplicate, 1) }

func (s *workerStats) logPeriodic(l log.Logger) {
	l.Info().Int64("done", atomic.LoadInt64(&s.done)).Int64("failed", atomic.LoadInt64(&s.failed)).
		Int64("duplicate", atomic.LoadInt64(&s.duplicate)).Msg("training worker stats")
}

func (s *workerStats) logFinal(l log.Logger) {
	l.Info().Int64("done", atomic.LoadInt64(&s.done)).Int64("failed", atomic.LoadInt64(&s.failed)).
		Int64("duplicate", atomic.LoadInt64(&s.duplicate)).Msg("training worker final stats")
}
