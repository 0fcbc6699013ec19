package recognize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/photo-sorter/internal/detect"
	"github.com/kozaktomas/photo-sorter/internal/embedstore"
	"github.com/kozaktomas/photo-sorter/internal/model"
)

type fakeRepo struct {
	active []embedstore.ActiveSubject
}

func (f *fakeRepo) PutBlob(ctx context.Context, blob []byte) (string, error)    { return "", nil }
func (f *fakeRepo) GetBlob(ctx context.Context, handle string) ([]byte, error)  { return nil, nil }
func (f *fakeRepo) DeleteBlob(ctx context.Context, handle string) error         { return nil }
func (f *fakeRepo) UpsertEmbeddingRecord(ctx context.Context, rec model.EmbeddingRecord) error {
	return nil
}
func (f *fakeRepo) ListActiveAll(ctx context.Context, tenantID string) ([]embedstore.ActiveSubject, error) {
	return f.active, nil
}
func (f *fakeRepo) ListActiveSince(ctx context.Context, tenantID string, since time.Time) ([]embedstore.ActiveSubject, error) {
	return nil, nil
}

// fakeSource yields frames then reports ctx-cancelled once exhausted, so the
// capture stage never needs to restart mid-test.
type fakeSource struct {
	frames []Frame
	i      int
}

func (s *fakeSource) Open(ctx context.Context) error { return nil }
func (s *fakeSource) Read(ctx context.Context) (Frame, error) {
	if s.i >= len(s.frames) {
		<-ctx.Done()
		return Frame{}, ctx.Err()
	}
	f := s.frames[s.i]
	s.i++
	return f, nil
}
func (s *fakeSource) Close() error { return nil }

type fakeDetector struct {
	embedding []float32
}

func (d *fakeDetector) Name() string { return "fake" }
func (d *fakeDetector) Detect(ctx context.Context, imageData []byte) ([]detect.Face, error) {
	return []detect.Face{{Embedding: d.embedding, BBox: []float64{0, 0, 1, 1}, Score: 1}}, nil
}

type recordingSink struct {
	mu  sync.Mutex
	got []model.Detection
}

func (s *recordingSink) Handle(ctx context.Context, d model.Detection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, d)
}

func (s *recordingSink) snapshot() []model.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Detection(nil), s.got...)
}

func testConfig() Config {
	return Config{
		RecognitionThreshold:     0.45,
		UnknownThreshold:         0.35,
		CaptureQueueDepth:        2,
		EmitQueueDepth:           10,
		MaxConsecutiveReadErrors: 10,
	}
}

func runUntil(t *testing.T, sink *recordingSink, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d detections, got %d", want, len(sink.snapshot()))
}

func TestCameraUnit_RecognizesKnownSubject(t *testing.T) {
	repo := &fakeRepo{active: []embedstore.ActiveSubject{
		{SubjectID: "subj-1", Embedding: []float32{1, 0, 0}, LastUpdated: time.Now()},
	}}
	store := embedstore.New(repo, "")
	sink := &recordingSink{}
	source := &fakeSource{frames: []Frame{
		{Data: []byte("a"), CapturedAt: time.Now()},
		{Data: []byte("b"), CapturedAt: time.Now()},
		{Data: []byte("c"), CapturedAt: time.Now()},
	}}
	detector := &fakeDetector{embedding: []float32{1, 0, 0}}
	camera := model.Camera{CameraID: "cam-1", TenantID: "tenant-a", CampusID: "campus-1"}
	unit := NewCameraUnit(camera, testConfig(), source, detector, store, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	unit.Run(ctx)

	got := sink.snapshot()
	require.NotEmpty(t, got)
	assert.Equal(t, "subj-1", got[0].SubjectID)
	assert.Empty(t, got[0].Embedding)
}

func TestCameraUnit_EmitsUnknownBelowThreshold(t *testing.T) {
	repo := &fakeRepo{active: []embedstore.ActiveSubject{
		{SubjectID: "subj-1", Embedding: []float32{1, 0, 0}, LastUpdated: time.Now()},
	}}
	store := embedstore.New(repo, "")
	sink := &recordingSink{}
	source := &fakeSource{frames: []Frame{
		{Data: []byte("a"), CapturedAt: time.Now()},
		{Data: []byte("b"), CapturedAt: time.Now()},
		{Data: []byte("c"), CapturedAt: time.Now()},
	}}
	// orthogonal embedding: dot product 0, below unknown_threshold
	detector := &fakeDetector{embedding: []float32{0, 1, 0}}
	camera := model.Camera{CameraID: "cam-1", TenantID: "tenant-a", CampusID: "campus-1"}
	unit := NewCameraUnit(camera, testConfig(), source, detector, store, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	unit.Run(ctx)

	got := sink.snapshot()
	require.NotEmpty(t, got)
	assert.Empty(t, got[0].SubjectID)
	assert.NotEmpty(t, got[0].Embedding)
}

type flakySource struct {
	mu       sync.Mutex
	failures int
	opened   int
}

func (s *flakySource) Open(ctx context.Context) error {
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()
	return nil
}
func (s *flakySource) Read(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return Frame{}, errors.New("read error")
}
func (s *flakySource) Close() error { return nil }

func TestCameraUnit_RestartsSourceAfterConsecutiveFailures(t *testing.T) {
	repo := &fakeRepo{}
	store := embedstore.New(repo, "")
	sink := &recordingSink{}
	source := &flakySource{}
	detector := &fakeDetector{embedding: []float32{1, 0, 0}}
	camera := model.Camera{CameraID: "cam-1", TenantID: "tenant-a", CampusID: "campus-1"}
	cfg := testConfig()
	cfg.MaxConsecutiveReadErrors = 3
	unit := NewCameraUnit(camera, cfg, source, detector, store, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	unit.Run(ctx)

	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Greater(t, source.opened, 1, "source should have been reopened after exceeding failure threshold")
}
