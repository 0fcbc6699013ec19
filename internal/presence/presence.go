// Package presence implements C5: the per-subject/per-campus presence state
// machine, unknown-face clustering, and batched persistence described in
// §4.5. A single Engine owns all in-memory state behind one RWMutex, per
// §5's "single reader/writer guard" concurrency note.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/kozaktomas/photo-sorter/internal/facemath"
	"github.com/kozaktomas/photo-sorter/internal/logging"
	"github.com/kozaktomas/photo-sorter/internal/model"
)

// Repository is the persistence contract C5 needs: batched state/event
// writes plus the two historical read paths that bypass in-memory state.
type Repository interface {
	UpsertPersonStates(ctx context.Context, states []model.PersonState) error
	AppendEvents(ctx context.Context, events []model.Event) error
	UpsertCampusCounters(ctx context.Context, counters []model.CampusCounters) error
	UpsertUnknownClusters(ctx context.Context, clusters []model.UnknownCluster) error

	ListEvents(ctx context.Context, tenantID, campusID, kind string, limit int) ([]model.Event, error)
	ListAnalytics(ctx context.Context, tenantID, campusID string, days int) ([]model.CampusCounters, error)
}

// Config is §4.5/§6.5's presence engine configuration.
type Config struct {
	ConfirmDelay            time.Duration
	StaleExpiry             time.Duration
	UnknownClusterThreshold float64
	BatchFlushItems         int
	BatchFlushInterval      time.Duration
	AnalyticsInterval       time.Duration
	StalePendingSweep       time.Duration
	ClusterRingSize         int
	AnomalyRepeatThreshold  int
}

// KindLookup resolves a subject's kind for the employees/visitors analytics
// split; the zero value treats every subject as unknown-kind.
type KindLookup func(tenantID, subjectID string) (model.SubjectKind, bool)

// Engine is C5.
type Engine struct {
	cfg        Config
	repo       Repository
	kindLookup KindLookup
	cameras    map[string]model.Camera
	log        log.Logger

	mu       sync.RWMutex
	people   map[string]*model.PersonState
	clusters map[string][]*model.UnknownCluster // key: tenant/campus

	qmu           sync.Mutex
	stateQueue    map[string]model.PersonState
	eventQueue    []model.Event
	dirtyClusters map[string]model.UnknownCluster
	flushSignal   chan struct{}
}

// NewEngine constructs an Engine. cameras is the static startup-loaded
// topology used to resolve a camera's role and campus.
func NewEngine(cfg Config, repo Repository, cameras []model.Camera, kindLookup KindLookup) *Engine {
	cameraIndex := make(map[string]model.Camera, len(cameras))
	for _, c := range cameras {
		cameraIndex[c.CameraID] = c
	}
	return &Engine{
		cfg:         cfg,
		repo:        repo,
		kindLookup:  kindLookup,
		cameras:     cameraIndex,
		log:         logging.New("presence"),
		people:      make(map[string]*model.PersonState),
		clusters:    make(map[string][]*model.UnknownCluster),
		stateQueue:  make(map[string]model.PersonState),
		flushSignal: make(chan struct{}, 1),
	}
}

func personKey(tenantID, campusID, subjectID string) string {
	return tenantID + "/" + campusID + "/" + subjectID
}

func clusterSetKey(tenantID, campusID string) string {
	return tenantID + "/" + campusID
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Handle ingests one Detection from C4. It satisfies recognize.DetectionSink
// structurally, without either package importing the other.
func (e *Engine) Handle(ctx context.Context, d model.Detection) {
	if d.SubjectID != "" {
		e.handleKnown(d)
		return
	}
	e.handleUnknown(d)
}

func (e *Engine) handleKnown(d model.Detection) {
	cam := e.cameras[d.CameraID]

	e.mu.Lock()
	key := personKey(d.TenantID, d.CampusID, d.SubjectID)
	st, ok := e.people[key]
	if !ok {
		st = &model.PersonState{
			SubjectID: d.SubjectID,
			TenantID:  d.TenantID,
			CampusID:  d.CampusID,
			Status:    model.StatusOutside,
			DayKey:    dayKey(d.Timestamp),
		}
		e.people[key] = st
	}
	if dk := dayKey(d.Timestamp); dk != st.DayKey {
		st.DayKey = dk
		st.EntriesToday = 0
		st.ExitsToday = 0
		st.DetectionsToday = 0
	}

	ts := d.Timestamp
	st.LastSeenAt = &ts
	st.LastCamera = d.CameraID
	st.DetectionsToday++

	var event *model.Event
	var anomaly *model.Event
	switch st.Status {
	case model.StatusOutside:
		if cam.Role == model.CameraEntry {
			event = e.advancePending(st, &st.PendingEntry, d, model.StatusInside, model.EventEntry, func() {
				st.CurrentEntryAt = &st.PendingEntry.FirstSeenAt
				st.EntriesToday++
			})
			st.WrongCameraCamera, st.WrongCameraCount = "", 0
		} else {
			anomaly = e.trackWrongCamera(st, d)
		}
	case model.StatusInside:
		if cam.Role == model.CameraExit {
			event = e.advancePending(st, &st.PendingExit, d, model.StatusOutside, model.EventExit, func() {
				exitAt := st.PendingExit.FirstSeenAt
				st.LastExitAt = &exitAt
				st.CurrentEntryAt = nil
				st.ExitsToday++
			})
			st.WrongCameraCamera, st.WrongCameraCount = "", 0
		} else {
			anomaly = e.trackWrongCamera(st, d)
		}
	}
	snapshot := *st
	e.mu.Unlock()

	e.enqueueState(snapshot)
	if event != nil {
		e.enqueueEvent(*event)
	}
	if anomaly != nil {
		e.enqueueEvent(*anomaly)
	}
}

// trackWrongCamera implements the supplemented ANOMALY event: repeated
// detections on a camera whose role doesn't match the subject's current
// status (e.g. an exit-camera hit on an already-outside subject, or a
// same-camera rapid re-trigger) emit an anomaly once the repeat count
// crosses AnomalyRepeatThreshold, then reset.
func (e *Engine) trackWrongCamera(st *model.PersonState, d model.Detection) *model.Event {
	threshold := e.cfg.AnomalyRepeatThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if st.WrongCameraCamera == d.CameraID {
		st.WrongCameraCount++
	} else {
		st.WrongCameraCamera = d.CameraID
		st.WrongCameraCount = 1
	}
	if st.WrongCameraCount < threshold {
		return nil
	}
	st.WrongCameraCamera, st.WrongCameraCount = "", 0
	return &model.Event{
		EventID:    uuid.NewString(),
		Kind:       model.EventAnomaly,
		TenantID:   st.TenantID,
		CampusID:   st.CampusID,
		SubjectID:  st.SubjectID,
		CameraID:   d.CameraID,
		Timestamp:  d.Timestamp,
		Similarity: d.Score,
		BBox:       d.BBox,
	}
}

// advancePending implements one half of the outside/inside state machine
// diagram in §4.5: on first detection it opens a pending transition; once
// ConfirmDelay has elapsed since the first detection it confirms the
// transition and emits an event carrying the *first* detection's timestamp
// (source of truth per §5's ordering guarantees).
func (e *Engine) advancePending(st *model.PersonState, pending **model.PendingTransition, d model.Detection, nextStatus model.PresenceStatus, kind model.EventKind, onConfirm func()) *model.Event {
	if *pending == nil {
		*pending = &model.PendingTransition{CameraID: d.CameraID, FirstSeenAt: d.Timestamp, Similarity: d.Score}
		return nil
	}
	if d.Timestamp.Sub((*pending).FirstSeenAt) < e.cfg.ConfirmDelay {
		return nil
	}
	firstSeen := (*pending).FirstSeenAt
	onConfirm()
	st.Status = nextStatus
	*pending = nil
	return &model.Event{
		EventID:    uuid.NewString(),
		Kind:       kind,
		TenantID:   st.TenantID,
		CampusID:   st.CampusID,
		SubjectID:  st.SubjectID,
		CameraID:   d.CameraID,
		Timestamp:  firstSeen,
		Similarity: d.Score,
		BBox:       d.BBox,
	}
}

// sweepStalePending clears pending_entry/pending_exit older than StaleExpiry
// without transitioning (§4.5's stale-pending sweep, every 10s by default).
func (e *Engine) sweepStalePending(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.people {
		if st.PendingEntry != nil && now.Sub(st.PendingEntry.FirstSeenAt) >= e.cfg.StaleExpiry {
			st.PendingEntry = nil
		}
		if st.PendingExit != nil && now.Sub(st.PendingExit.FirstSeenAt) >= e.cfg.StaleExpiry {
			st.PendingExit = nil
		}
	}
}

func (e *Engine) handleUnknown(d model.Detection) {
	f := facemath.Normalize(d.Embedding)

	e.mu.Lock()
	setKey := clusterSetKey(d.TenantID, d.CampusID)
	clusters := e.clusters[setKey]

	var best *model.UnknownCluster
	bestScore := -1.0
	for _, c := range clusters {
		score := facemath.Dot(c.Centroid, f)
		if score > bestScore {
			best, bestScore = c, score
		}
	}

	var isNew bool
	var target *model.UnknownCluster
	if best != nil && bestScore >= e.cfg.UnknownClusterThreshold {
		target = best
		target.EmbeddingRing = append(target.EmbeddingRing, f)
		ringCap := e.cfg.ClusterRingSize
		if ringCap <= 0 {
			ringCap = 50
		}
		if len(target.EmbeddingRing) > ringCap {
			target.EmbeddingRing = target.EmbeddingRing[len(target.EmbeddingRing)-ringCap:]
		}
		target.Centroid = facemath.Normalize(facemath.Mean(target.EmbeddingRing))
		target.LastSeen = d.Timestamp
		target.DetectionCount++
		if target.CamerasSeen == nil {
			target.CamerasSeen = make(map[string]struct{})
		}
		target.CamerasSeen[d.CameraID] = struct{}{}
	} else {
		isNew = true
		target = &model.UnknownCluster{
			ClusterID:      uuid.NewString(),
			TenantID:       d.TenantID,
			CampusID:       d.CampusID,
			FirstSeen:      d.Timestamp,
			LastSeen:       d.Timestamp,
			DetectionCount: 1,
			CamerasSeen:    map[string]struct{}{d.CameraID: {}},
			EmbeddingRing:  [][]float32{f},
			Centroid:       f,
		}
		e.clusters[setKey] = append(e.clusters[setKey], target)
	}
	snapshot := *target
	e.mu.Unlock()

	e.enqueueUnknownCluster(snapshot)
	e.enqueueEvent(model.Event{
		EventID:    uuid.NewString(),
		Kind:       model.EventUnknownDetection,
		TenantID:   d.TenantID,
		CampusID:   d.CampusID,
		ClusterID:  target.ClusterID,
		CameraID:   d.CameraID,
		Timestamp:  d.Timestamp,
		Similarity: bestScoreOrZero(isNew, bestScore),
		BBox:       d.BBox,
		IsNew:      isNew,
	})
}

func bestScoreOrZero(isNew bool, score float64) float64 {
	if isNew {
		return 0
	}
	return score
}

// --- batched persistence ---

func (e *Engine) enqueueState(st model.PersonState) {
	e.qmu.Lock()
	e.stateQueue[personKey(st.TenantID, st.CampusID, st.SubjectID)] = st
	full := len(e.stateQueue) >= e.cfg.BatchFlushItems
	e.qmu.Unlock()
	if full {
		e.signalFlush()
	}
}

func (e *Engine) enqueueEvent(ev model.Event) {
	e.qmu.Lock()
	e.eventQueue = append(e.eventQueue, ev)
	full := len(e.eventQueue) >= e.cfg.BatchFlushItems
	e.qmu.Unlock()
	if full {
		e.signalFlush()
	}
}

// enqueueUnknownCluster records c in a small side queue of dirty clusters,
// flushed alongside state/events on the same cadence.
func (e *Engine) enqueueUnknownCluster(c model.UnknownCluster) {
	e.qmu.Lock()
	if e.dirtyClusters == nil {
		e.dirtyClusters = make(map[string]model.UnknownCluster)
	}
	e.dirtyClusters[c.ClusterID] = c
	e.qmu.Unlock()
}

func (e *Engine) signalFlush() {
	select {
	case e.flushSignal <- struct{}{}:
	default:
	}
}

// flush drains both queues and writes them through the repository. Errors
// are logged and swallowed: persistence retries on the next cadence rather
// than blocking detection handling (§7: "C5 swallows Transient during
// flush by re-queuing; never loses acknowledged state").
func (e *Engine) flush(ctx context.Context) {
	e.qmu.Lock()
	states := make([]model.PersonState, 0, len(e.stateQueue))
	for _, st := range e.stateQueue {
		states = append(states, st)
	}
	events := e.eventQueue
	clusters := make([]model.UnknownCluster, 0, len(e.dirtyClusters))
	for _, c := range e.dirtyClusters {
		clusters = append(clusters, c)
	}
	e.stateQueue = make(map[string]model.PersonState)
	e.eventQueue = nil
	e.dirtyClusters = nil
	e.qmu.Unlock()

	if len(states) == 0 && len(events) == 0 && len(clusters) == 0 {
		return
	}
	if len(states) > 0 {
		if err := e.repo.UpsertPersonStates(ctx, states); err != nil {
			e.log.Error().Err(err).Int("count", len(states)).Msg("flush person states failed")
			e.requeueStates(states)
		}
	}
	if len(events) > 0 {
		if err := e.repo.AppendEvents(ctx, events); err != nil {
			e.log.Error().Err(err).Int("count", len(events)).Msg("flush events failed")
			e.requeueEvents(events)
		}
	}
	if len(clusters) > 0 {
		if err := e.repo.UpsertUnknownClusters(ctx, clusters); err != nil {
			e.log.Error().Err(err).Int("count", len(clusters)).Msg("flush unknown clusters failed")
			e.qmu.Lock()
			if e.dirtyClusters == nil {
				e.dirtyClusters = make(map[string]model.UnknownCluster)
			}
			for _, c := range clusters {
				if _, already := e.dirtyClusters[c.ClusterID]; !already {
					e.dirtyClusters[c.ClusterID] = c
				}
			}
			e.qmu.Unlock()
		}
	}
}

func (e *Engine) requeueStates(states []model.PersonState) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	for _, st := range states {
		key := personKey(st.TenantID, st.CampusID, st.SubjectID)
		if _, already := e.stateQueue[key]; !already {
			e.stateQueue[key] = st
		}
	}
}

func (e *Engine) requeueEvents(events []model.Event) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	e.eventQueue = append(events, e.eventQueue...)
}

// analyticsUpsert computes per-(tenant,campus,day) CampusCounters from
// in-memory totals and writes them through the repository (§4.5, every 60s).
func (e *Engine) analyticsUpsert(ctx context.Context) {
	e.mu.RLock()
	totals := make(map[string]*model.CampusCounters)
	today := dayKey(time.Now())
	for _, st := range e.people {
		if st.DayKey != today {
			continue
		}
		ck := clusterSetKey(st.TenantID, st.CampusID)
		c, ok := totals[ck]
		if !ok {
			c = &model.CampusCounters{TenantID: st.TenantID, CampusID: st.CampusID, Day: today}
			totals[ck] = c
		}
		if st.Status == model.StatusInside {
			c.Inside++
			if kind, found := e.lookupKind(st.TenantID, st.SubjectID); found {
				if kind == model.SubjectEmployee {
					c.EmployeesInside++
				} else {
					c.VisitorsInside++
				}
			}
		}
		c.Entries += st.EntriesToday
		c.Exits += st.ExitsToday
	}
	for ck, list := range e.clusters {
		c, ok := totals[ck]
		if !ok {
			continue
		}
		for _, cl := range list {
			c.UnknownDetections += cl.DetectionCount
		}
		c.UniqueUnknowns = len(list)
	}
	e.mu.RUnlock()

	out := make([]model.CampusCounters, 0, len(totals))
	for _, c := range totals {
		out = append(out, *c)
	}
	if len(out) == 0 {
		return
	}
	if err := e.repo.UpsertCampusCounters(ctx, out); err != nil {
		e.log.Error().Err(err).Msg("analytics upsert failed")
	}
}

func (e *Engine) lookupKind(tenantID, subjectID string) (model.SubjectKind, bool) {
	if e.kindLookup == nil {
		return "", false
	}
	return e.kindLookup(tenantID, subjectID)
}

// Run drives the flush, analytics, and stale-pending-sweep background tasks
// until ctx is cancelled, flushing once more on the way out.
func (e *Engine) Run(ctx context.Context) {
	flushTicker := time.NewTicker(e.cfg.BatchFlushInterval)
	defer flushTicker.Stop()
	analyticsTicker := time.NewTicker(e.cfg.AnalyticsInterval)
	defer analyticsTicker.Stop()
	sweepTicker := time.NewTicker(e.cfg.StalePendingSweep)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.flush(context.Background())
			return
		case <-flushTicker.C:
			e.flush(ctx)
		case <-e.flushSignal:
			e.flush(ctx)
		case <-analyticsTicker.C:
			e.analyticsUpsert(ctx)
		case <-sweepTicker.C:
			e.sweepStalePending(time.Now())
		}
	}
}

// --- query operations (§4.5) ---

// CampusTotals is one campus's entry in overall_status's per-campus list.
type CampusTotals struct {
	CampusID string `json:"campus_id"`
	Inside   int    `json:"inside"`
}

// OverallStatus implements overall_status().
func (e *Engine) OverallStatus() (total int, perCampus []CampusTotals) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	byCampus := make(map[string]int)
	for _, st := range e.people {
		if st.Status == model.StatusInside {
			total++
			byCampus[st.CampusID]++
		}
	}
	for campusID, n := range byCampus {
		perCampus = append(perCampus, CampusTotals{CampusID: campusID, Inside: n})
	}
	sort.Slice(perCampus, func(i, j int) bool { return perCampus[i].CampusID < perCampus[j].CampusID })
	return total, perCampus
}

// CampusStatus implements campus_status(campus_id).
func (e *Engine) CampusStatus(campusID string) CampusTotals {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var n int
	for _, st := range e.people {
		if st.CampusID == campusID && st.Status == model.StatusInside {
			n++
		}
	}
	return CampusTotals{CampusID: campusID, Inside: n}
}

// CampusEvents implements campus_events(campus_id, {kind?, limit}), a
// historical query that bypasses in-memory state per §4.5's last line.
func (e *Engine) CampusEvents(ctx context.Context, tenantID, campusID, kind string, limit int) ([]model.Event, error) {
	return e.repo.ListEvents(ctx, tenantID, campusID, kind, limit)
}

// CampusPeople implements campus_people(campus_id, {status}).
func (e *Engine) CampusPeople(campusID string, status string) []model.PersonState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []model.PersonState
	for _, st := range e.people {
		if st.CampusID != campusID {
			continue
		}
		if status != "" && status != "all" && string(st.Status) != status {
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out
}

// CampusAnalytics implements campus_analytics(campus_id, days), a
// historical query served by the repository.
func (e *Engine) CampusAnalytics(ctx context.Context, tenantID, campusID string, days int) ([]model.CampusCounters, error) {
	return e.repo.ListAnalytics(ctx, tenantID, campusID, days)
}

// UnknownClusterView is the JSON-safe projection of model.UnknownCluster
// returned by CampusUnknowns (CamerasSeen as a sorted slice).
type UnknownClusterView struct {
	ClusterID      string    `json:"cluster_id"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	DetectionCount int       `json:"detection_count"`
	CamerasSeen    []string  `json:"cameras_seen"`
}

// CampusUnknowns implements campus_unknowns(campus_id), sorted by
// detection_count desc.
func (e *Engine) CampusUnknowns(tenantID, campusID string) []UnknownClusterView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	clusters := e.clusters[clusterSetKey(tenantID, campusID)]
	out := make([]UnknownClusterView, 0, len(clusters))
	for _, c := range clusters {
		cams := make([]string, 0, len(c.CamerasSeen))
		for cam := range c.CamerasSeen {
			cams = append(cams, cam)
		}
		sort.Strings(cams)
		out = append(out, UnknownClusterView{
			ClusterID:      c.ClusterID,
			FirstSeen:      c.FirstSeen,
			LastSeen:       c.LastSeen,
			DetectionCount: c.DetectionCount,
			CamerasSeen:    cams,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectionCount > out[j].DetectionCount })
	return out
}

// PersonStatus implements person_status(subject_id).
func (e *Engine) PersonStatus(tenantID, campusID, subjectID string) (model.PersonState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.people[personKey(tenantID, campusID, subjectID)]
	if !ok {
		return model.PersonState{}, false
	}
	return *st, true
}
