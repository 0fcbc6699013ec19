package trainer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/photo-sorter/internal/detect"
	"github.com/kozaktomas/photo-sorter/internal/embedstore"
	"github.com/kozaktomas/photo-sorter/internal/model"
)

// --- fakes, in the teacher's mock-package style ---

type fakeRepo struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	records map[string]model.EmbeddingRecord
	active  map[string][]embedstore.ActiveSubject
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		blobs:   make(map[string][]byte),
		records: make(map[string]model.EmbeddingRecord),
		active:  make(map[string][]embedstore.ActiveSubject),
	}
}

func (f *fakeRepo) PutBlob(ctx context.Context, blob []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := time.Now().Format(time.RFC3339Nano)
	f.blobs[h] = blob
	return h, nil
}
func (f *fakeRepo) GetBlob(ctx context.Context, handle string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blobs[handle], nil
}
func (f *fakeRepo) DeleteBlob(ctx context.Context, handle string) error { return nil }
func (f *fakeRepo) UpsertEmbeddingRecord(ctx context.Context, rec model.EmbeddingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.TenantID+"/"+rec.SubjectID+"/"+rec.Model] = rec
	return nil
}
func (f *fakeRepo) ListActiveAll(ctx context.Context, tenantID string) ([]embedstore.ActiveSubject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]embedstore.ActiveSubject(nil), f.active[tenantID]...), nil
}
func (f *fakeRepo) ListActiveSince(ctx context.Context, tenantID string, since time.Time) ([]embedstore.ActiveSubject, error) {
	return f.ListActiveAll(ctx, tenantID)
}
func (f *fakeRepo) seed(tenantID string, a embedstore.ActiveSubject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[tenantID] = append(f.active[tenantID], a)
}

type fakeQueue struct {
	mu        sync.Mutex
	completed []completion
}

type completion struct {
	jobID       string
	status      model.JobStatus
	errMsg      string
	duplicateOf string
}

func (q *fakeQueue) Get(ctx context.Context, jobID string) (*model.Job, error) { return nil, nil }
func (q *fakeQueue) ListByStatus(ctx context.Context, tenantID string, status model.JobStatus) ([]model.Job, error) {
	return nil, nil
}
func (q *fakeQueue) Enqueue(ctx context.Context, tenantID, subjectID string, kind model.SubjectKind, modelName string) (*model.Job, error) {
	return nil, nil
}
func (q *fakeQueue) Lease(ctx context.Context, workerID, modelName string, n int) ([]model.Job, error) {
	return nil, nil
}
func (q *fakeQueue) Heartbeat(ctx context.Context, jobID string) error { return nil }
func (q *fakeQueue) Complete(ctx context.Context, jobID string, status model.JobStatus, errMsg, duplicateOf string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, completion{jobID, status, errMsg, duplicateOf})
	return nil
}
func (q *fakeQueue) Recover(ctx context.Context, stuckAfter time.Duration, maxRetries int) (int, error) {
	return 0, nil
}

type fakeImages struct {
	images map[model.Pose][]float32 // pose -> embedding the detector should return for that pose
}

func (f *fakeImages) LoadPose(ctx context.Context, tenantID, subjectID, modelName string, pose model.Pose) ([]byte, bool, error) {
	if _, ok := f.images[pose]; !ok {
		return nil, false, nil
	}
	return []byte(pose), true, nil
}

type fakeDetector struct {
	byPose map[string][]float32
}

func (d *fakeDetector) Name() string { return "fake" }
func (d *fakeDetector) Detect(ctx context.Context, imageData []byte) ([]detect.Face, error) {
	emb, ok := d.byPose[string(imageData)]
	if !ok {
		return nil, nil
	}
	return []detect.Face{{Embedding: emb, BBox: []float64{0, 0, 10, 10}, Score: 1.0}}, nil
}

type fakeStatuses struct {
	mu             sync.Mutex
	started        []string
	failed         []string
	duplicates     []string
	subjectStatus  map[string]string
}

func newFakeStatuses() *fakeStatuses { return &fakeStatuses{subjectStatus: make(map[string]string)} }

func (s *fakeStatuses) MarkEmbeddingStarted(ctx context.Context, tenantID, subjectID, modelName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, subjectID)
	return nil
}
func (s *fakeStatuses) MarkEmbeddingFailed(ctx context.Context, tenantID, subjectID, modelName, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, subjectID)
	return nil
}
func (s *fakeStatuses) MarkEmbeddingDuplicate(ctx context.Context, tenantID, subjectID, modelName, duplicateOf string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duplicates = append(s.duplicates, subjectID)
	return nil
}
func (s *fakeStatuses) MarkSubjectStatus(ctx context.Context, tenantID, subjectID string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjectStatus[subjectID] = status
	return nil
}

func testConfig() Config {
	return Config{
		ModelName:           "buffalo_l",
		SimilarityThreshold: 0.40,
		DuplicateThreshold:  0.90,
		MaxWorkers:          1,
		PollingInterval:     time.Second,
		HeartbeatInterval:   time.Hour, // no periodic heartbeats during the short test
		MaxRetries:          3,
		MemoryThresholdPct:  85,
		CPUThresholdPct:     90,
		StuckTimeout:        30 * time.Minute,
	}
}

func TestWorker_ProcessSucceedsAndPublishes(t *testing.T) {
	repo := newFakeRepo()
	store := embedstore.New(repo, "")
	queue := &fakeQueue{}
	images := &fakeImages{images: map[model.Pose][]float32{
		model.PoseCenter: {1, 0, 0},
		model.PoseLeft:   {0.95, 0.05, 0},
		model.PoseRight:  {0.9, 0.1, 0},
	}}
	detector := &fakeDetector{byPose: map[string][]float32{
		string(model.PoseCenter): {1, 0, 0},
		string(model.PoseLeft):   {0.95, 0.05, 0},
		string(model.PoseRight):  {0.9, 0.1, 0},
	}}
	statuses := newFakeStatuses()
	w := New(testConfig(), queue, images, detector, store, statuses)

	job := model.Job{JobID: "job-1", TenantID: "tenant-a", SubjectID: "subj-1", Model: "buffalo_l", SubjectKind: model.SubjectEmployee}
	w.process(context.Background(), job)

	require.Len(t, queue.completed, 1)
	assert.Equal(t, model.JobDone, queue.completed[0].status)

	got, err := store.Get(context.Background(), func() string {
		for _, r := range repo.records {
			return r.Handle
		}
		return ""
	}())
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}

func TestWorker_ProcessFailsWithNoFaces(t *testing.T) {
	repo := newFakeRepo()
	store := embedstore.New(repo, "")
	queue := &fakeQueue{}
	images := &fakeImages{images: map[model.Pose][]float32{}}
	detector := &fakeDetector{byPose: map[string][]float32{}}
	statuses := newFakeStatuses()
	w := New(testConfig(), queue, images, detector, store, statuses)

	job := model.Job{JobID: "job-2", TenantID: "tenant-a", SubjectID: "subj-2", Model: "buffalo_l"}
	w.process(context.Background(), job)

	require.Len(t, queue.completed, 1)
	assert.Equal(t, model.JobFailed, queue.completed[0].status)
	assert.Contains(t, queue.completed[0].errMsg, "no faces found")
}

func TestWorker_ProcessFailsOnInconsistentPoses(t *testing.T) {
	repo := newFakeRepo()
	store := embedstore.New(repo, "")
	queue := &fakeQueue{}
	images := &fakeImages{images: map[model.Pose][]float32{
		model.PoseCenter: {1, 0, 0},
		model.PoseLeft:   {0, 1, 0}, // orthogonal: similarity 0, below threshold
	}}
	detector := &fakeDetector{byPose: map[string][]float32{
		string(model.PoseCenter): {1, 0, 0},
		string(model.PoseLeft):   {0, 1, 0},
	}}
	statuses := newFakeStatuses()
	w := New(testConfig(), queue, images, detector, store, statuses)

	job := model.Job{JobID: "job-3", TenantID: "tenant-a", SubjectID: "subj-3", Model: "buffalo_l"}
	w.process(context.Background(), job)

	require.Len(t, queue.completed, 1)
	assert.Equal(t, model.JobFailed, queue.completed[0].status)
	assert.Equal(t, string(model.SubjectStatusIncomplete), statuses.subjectStatus["subj-3"])
}

func TestWorker_ProcessDetectsDuplicate(t *testing.T) {
	repo := newFakeRepo()
	repo.seed("tenant-a", embedstore.ActiveSubject{SubjectID: "subj-existing", Embedding: []float32{1, 0, 0}, LastUpdated: time.Now()})
	store := embedstore.New(repo, "")
	queue := &fakeQueue{}
	images := &fakeImages{images: map[model.Pose][]float32{model.PoseCenter: {1, 0, 0}}}
	detector := &fakeDetector{byPose: map[string][]float32{string(model.PoseCenter): {1, 0, 0}}}
	statuses := newFakeStatuses()
	w := New(testConfig(), queue, images, detector, store, statuses)

	job := model.Job{JobID: "job-4", TenantID: "tenant-a", SubjectID: "subj-new", Model: "buffalo_l"}
	w.process(context.Background(), job)

	require.Len(t, queue.completed, 1)
	assert.Equal(t, model.JobDuplicate, queue.completed[0].status)
	assert.Equal(t, "subj-existing", queue.completed[0].duplicateOf)
	assert.Equal(t, string(model.SubjectStatusPendingDuplicateRem), statuses.subjectStatus["subj-new"])
}
