package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/photo-sorter/internal/model"
)

type fakeRepo struct {
	mu       sync.Mutex
	states   []model.PersonState
	events   []model.Event
	counters []model.CampusCounters
	clusters []model.UnknownCluster
}

func (r *fakeRepo) UpsertPersonStates(ctx context.Context, states []model.PersonState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, states...)
	return nil
}
func (r *fakeRepo) AppendEvents(ctx context.Context, events []model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}
func (r *fakeRepo) UpsertCampusCounters(ctx context.Context, counters []model.CampusCounters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = append(r.counters, counters...)
	return nil
}
func (r *fakeRepo) UpsertUnknownClusters(ctx context.Context, clusters []model.UnknownCluster) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clusters = append(r.clusters, clusters...)
	return nil
}
func (r *fakeRepo) ListEvents(ctx context.Context, tenantID, campusID, kind string, limit int) ([]model.Event, error) {
	return nil, nil
}
func (r *fakeRepo) ListAnalytics(ctx context.Context, tenantID, campusID string, days int) ([]model.CampusCounters, error) {
	return nil, nil
}

func testCfg() Config {
	return Config{
		ConfirmDelay:            2 * time.Second,
		StaleExpiry:             5 * time.Second,
		UnknownClusterThreshold: 0.65,
		BatchFlushItems:         50,
		BatchFlushInterval:      5 * time.Second,
		AnalyticsInterval:       60 * time.Second,
		StalePendingSweep:       10 * time.Second,
	}
}

var entryCam = model.Camera{CameraID: "cam1", TenantID: "T1", CampusID: "campusA", Role: model.CameraEntry}

// TestEngine_EntryConfirmation is scenario S4: detections of S1 at
// t=0.0, 0.5, 1.0, 2.5s on an entry camera confirm ENTRY at t=2.5 with the
// event timestamp pinned to the first detection (t=0.0).
func TestEngine_EntryConfirmation(t *testing.T) {
	repo := &fakeRepo{}
	e := NewEngine(testCfg(), repo, []model.Camera{entryCam}, nil)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	offsets := []time.Duration{0, 500 * time.Millisecond, 1000 * time.Millisecond, 2500 * time.Millisecond}
	for _, off := range offsets {
		e.Handle(context.Background(), model.Detection{
			TenantID: "T1", CampusID: "campusA", CameraID: "cam1",
			Timestamp: base.Add(off), SubjectID: "S1", Score: 0.9,
		})
	}

	st, ok := e.PersonStatus("T1", "campusA", "S1")
	require.True(t, ok)
	assert.Equal(t, model.StatusInside, st.Status)
	assert.Equal(t, 1, st.EntriesToday)

	require.Len(t, e.eventQueue, 1)
	assert.Equal(t, model.EventEntry, e.eventQueue[0].Kind)
	assert.True(t, e.eventQueue[0].Timestamp.Equal(base))
}

// TestEngine_PendingExpiry is scenario S5: a single entry detection at t=0
// with no follow-up is cleared by the stale-pending sweep at t=5.1s — no
// ENTRY event, entries_today stays 0.
func TestEngine_PendingExpiry(t *testing.T) {
	repo := &fakeRepo{}
	e := NewEngine(testCfg(), repo, []model.Camera{entryCam}, nil)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.Handle(context.Background(), model.Detection{
		TenantID: "T1", CampusID: "campusA", CameraID: "cam1",
		Timestamp: base, SubjectID: "S1", Score: 0.9,
	})

	e.sweepStalePending(base.Add(5100 * time.Millisecond))

	st, ok := e.PersonStatus("T1", "campusA", "S1")
	require.True(t, ok)
	assert.Equal(t, model.StatusOutside, st.Status)
	assert.Nil(t, st.PendingEntry)
	assert.Equal(t, 0, st.EntriesToday)
	assert.Empty(t, e.eventQueue)
}

// TestEngine_UnknownClustering is scenario S6: two unknown faces with
// dot(fA,fB)=0.80 (above the 0.65 threshold) merge into one cluster with
// detection_count=5 across both cameras.
func TestEngine_UnknownClustering(t *testing.T) {
	repo := &fakeRepo{}
	e := NewEngine(testCfg(), repo, nil, nil)

	fa := []float32{1, 0}
	// fB chosen so dot(fA, fB) = 0.8 once fB is unit-normalized.
	fb := []float32{0.8, 0.6}

	now := time.Now()
	for i := 0; i < 3; i++ {
		e.Handle(context.Background(), model.Detection{
			TenantID: "T1", CampusID: "campusA", CameraID: "camA",
			Timestamp: now, Embedding: fa, Score: 0,
		})
	}
	for i := 0; i < 2; i++ {
		e.Handle(context.Background(), model.Detection{
			TenantID: "T1", CampusID: "campusA", CameraID: "camB",
			Timestamp: now, Embedding: fb, Score: 0,
		})
	}

	unknowns := e.CampusUnknowns("T1", "campusA")
	require.Len(t, unknowns, 1)
	assert.Equal(t, 5, unknowns[0].DetectionCount)
	assert.ElementsMatch(t, []string{"camA", "camB"}, unknowns[0].CamerasSeen)
}

func TestEngine_UnknownClustering_DistinctFacesSplit(t *testing.T) {
	repo := &fakeRepo{}
	e := NewEngine(testCfg(), repo, nil, nil)

	now := time.Now()
	e.Handle(context.Background(), model.Detection{TenantID: "T1", CampusID: "campusA", CameraID: "camA", Timestamp: now, Embedding: []float32{1, 0}})
	e.Handle(context.Background(), model.Detection{TenantID: "T1", CampusID: "campusA", CameraID: "camA", Timestamp: now, Embedding: []float32{0, 1}})

	unknowns := e.CampusUnknowns("T1", "campusA")
	require.Len(t, unknowns, 2)
}

func TestEngine_WrongCameraUpdatesSeenWithoutTransition(t *testing.T) {
	repo := &fakeRepo{}
	exitCam := model.Camera{CameraID: "cam2", TenantID: "T1", CampusID: "campusA", Role: model.CameraExit}
	e := NewEngine(testCfg(), repo, []model.Camera{exitCam}, nil)

	now := time.Now()
	e.Handle(context.Background(), model.Detection{TenantID: "T1", CampusID: "campusA", CameraID: "cam2", Timestamp: now, SubjectID: "S1"})

	st, ok := e.PersonStatus("T1", "campusA", "S1")
	require.True(t, ok)
	assert.Equal(t, model.StatusOutside, st.Status) // exit cam while already outside: no transition
	assert.Equal(t, 1, st.DetectionsToday)
	require.NotNil(t, st.LastSeenAt)
}

// TestEngine_WrongCameraEmitsAnomalyAfterThreshold is the supplemented
// anomaly case from peopleCount.py: repeated exit-camera hits on an
// already-outside subject cross AnomalyRepeatThreshold and emit one
// "anomaly" event, then reset.
func TestEngine_WrongCameraEmitsAnomalyAfterThreshold(t *testing.T) {
	repo := &fakeRepo{}
	cfg := testCfg()
	cfg.AnomalyRepeatThreshold = 3
	exitCam := model.Camera{CameraID: "cam2", TenantID: "T1", CampusID: "campusA", Role: model.CameraExit}
	e := NewEngine(cfg, repo, []model.Camera{exitCam}, nil)

	now := time.Now()
	for i := 0; i < 3; i++ {
		e.Handle(context.Background(), model.Detection{
			TenantID: "T1", CampusID: "campusA", CameraID: "cam2",
			Timestamp: now.Add(time.Duration(i) * time.Second), SubjectID: "S1",
		})
	}
	e.flush(context.Background())

	repo.mu.Lock()
	defer repo.mu.Unlock()
	var anomalies int
	for _, ev := range repo.events {
		if ev.Kind == model.EventAnomaly {
			anomalies++
		}
	}
	assert.Equal(t, 1, anomalies)

	st, ok := e.PersonStatus("T1", "campusA", "S1")
	require.True(t, ok)
	assert.Equal(t, 0, st.WrongCameraCount) // reset after emitting
}
