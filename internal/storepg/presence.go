package storepg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/photo-sorter/internal/model"
)

// PresenceRepository implements presence.Repository against Postgres +
// pgvector: keyed person-state upserts, append-only events, and the two
// historical read paths that bypass C5's in-memory state.
type PresenceRepository struct {
	pool *Pool
}

// NewPresenceRepository constructs a PresenceRepository.
func NewPresenceRepository(pool *Pool) *PresenceRepository {
	return &PresenceRepository{pool: pool}
}

// UpsertPersonStates writes a batch of PersonState rows, last-write-wins per
// (tenant_id, subject_id), matching the engine's keyed-queue persistence
// policy (§4.5).
func (r *PresenceRepository) UpsertPersonStates(ctx context.Context, states []model.PersonState) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert person states: %w", err)
	}
	defer tx.Rollback()

	for _, st := range states {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO person_states (
				tenant_id, subject_id, campus_id, status, current_entry_at, last_exit_at,
				entries_today, exits_today, last_camera, last_seen_at, detections_today, day_key
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (tenant_id, subject_id) DO UPDATE SET
				campus_id = EXCLUDED.campus_id,
				status = EXCLUDED.status,
				current_entry_at = EXCLUDED.current_entry_at,
				last_exit_at = EXCLUDED.last_exit_at,
				entries_today = EXCLUDED.entries_today,
				exits_today = EXCLUDED.exits_today,
				last_camera = EXCLUDED.last_camera,
				last_seen_at = EXCLUDED.last_seen_at,
				detections_today = EXCLUDED.detections_today,
				day_key = EXCLUDED.day_key
		`, st.TenantID, st.SubjectID, st.CampusID, string(st.Status), st.CurrentEntryAt, st.LastExitAt,
			st.EntriesToday, st.ExitsToday, st.LastCamera, st.LastSeenAt, st.DetectionsToday, st.DayKey); err != nil {
			return fmt.Errorf("upsert person state %s/%s: %w", st.TenantID, st.SubjectID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert person states: %w", err)
	}
	return nil
}

// AppendEvents inserts a batch of immutable Event rows.
func (r *PresenceRepository) AppendEvents(ctx context.Context, events []model.Event) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append events: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		bbox, err := json.Marshal(ev.BBox)
		if err != nil {
			return fmt.Errorf("marshal event bbox: %w", err)
		}
		id := ev.EventID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, kind, tenant_id, campus_id, subject_id, cluster_id, camera_id, ts, similarity, bbox)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (event_id) DO NOTHING
		`, id, string(ev.Kind), ev.TenantID, ev.CampusID, ev.SubjectID, ev.ClusterID, ev.CameraID, ev.Timestamp, ev.Similarity, bbox); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append events: %w", err)
	}
	return nil
}

// UpsertCampusCounters writes the rebuildable per-(tenant,campus,day) totals.
func (r *PresenceRepository) UpsertCampusCounters(ctx context.Context, counters []model.CampusCounters) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert campus counters: %w", err)
	}
	defer tx.Rollback()

	for _, c := range counters {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO campus_counters (
				tenant_id, campus_id, day, inside, employees_inside, visitors_inside,
				entries, exits, unknown_detections, unique_unknowns
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (tenant_id, campus_id, day) DO UPDATE SET
				inside = EXCLUDED.inside,
				employees_inside = EXCLUDED.employees_inside,
				visitors_inside = EXCLUDED.visitors_inside,
				entries = EXCLUDED.entries,
				exits = EXCLUDED.exits,
				unknown_detections = EXCLUDED.unknown_detections,
				unique_unknowns = EXCLUDED.unique_unknowns
		`, c.TenantID, c.CampusID, c.Day, c.Inside, c.EmployeesInside, c.VisitorsInside,
			c.Entries, c.Exits, c.UnknownDetections, c.UniqueUnknowns); err != nil {
			return fmt.Errorf("upsert campus counters %s/%s/%s: %w", c.TenantID, c.CampusID, c.Day, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert campus counters: %w", err)
	}
	return nil
}

// UpsertUnknownClusters writes dirty UnknownCluster rows, including their
// pgvector centroid.
func (r *PresenceRepository) UpsertUnknownClusters(ctx context.Context, clusters []model.UnknownCluster) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert unknown clusters: %w", err)
	}
	defer tx.Rollback()

	for _, c := range clusters {
		cameras := make([]string, 0, len(c.CamerasSeen))
		for cam := range c.CamerasSeen {
			cameras = append(cameras, cam)
		}
		camerasJSON, err := json.Marshal(cameras)
		if err != nil {
			return fmt.Errorf("marshal cameras_seen: %w", err)
		}
		vec := pgvector.NewVector(c.Centroid)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO unknown_clusters (cluster_id, tenant_id, campus_id, first_seen, last_seen, detection_count, cameras_seen, centroid)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector)
			ON CONFLICT (cluster_id) DO UPDATE SET
				last_seen = EXCLUDED.last_seen,
				detection_count = EXCLUDED.detection_count,
				cameras_seen = EXCLUDED.cameras_seen,
				centroid = EXCLUDED.centroid
		`, c.ClusterID, c.TenantID, c.CampusID, c.FirstSeen, c.LastSeen, c.DetectionCount, camerasJSON, vec); err != nil {
			return fmt.Errorf("upsert unknown cluster %s: %w", c.ClusterID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert unknown clusters: %w", err)
	}
	return nil
}

// ListEvents returns recent events for a campus, optionally filtered by
// kind, newest first. A historical query that bypasses in-memory state.
func (r *PresenceRepository) ListEvents(ctx context.Context, tenantID, campusID, kind string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, kind, tenant_id, campus_id, subject_id, cluster_id, camera_id, ts, similarity, bbox
		FROM events
		WHERE tenant_id = $1 AND campus_id = $2`
	args := []any{tenantID, campusID}
	if kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", len(args)+1)
		args = append(args, kind)
	}
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var ev model.Event
		var kindStr string
		var bboxJSON []byte
		if err := rows.Scan(&ev.EventID, &kindStr, &ev.TenantID, &ev.CampusID, &ev.SubjectID, &ev.ClusterID, &ev.CameraID, &ev.Timestamp, &ev.Similarity, &bboxJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = model.EventKind(kindStr)
		if len(bboxJSON) > 0 {
			if err := json.Unmarshal(bboxJSON, &ev.BBox); err != nil {
				return nil, fmt.Errorf("unmarshal event bbox: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListAnalytics returns the last `days` days of CampusCounters for a campus,
// oldest first.
func (r *PresenceRepository) ListAnalytics(ctx context.Context, tenantID, campusID string, days int) ([]model.CampusCounters, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	rows, err := r.pool.Query(ctx, `
		SELECT tenant_id, campus_id, day, inside, employees_inside, visitors_inside, entries, exits, unknown_detections, unique_unknowns
		FROM campus_counters
		WHERE tenant_id = $1 AND campus_id = $2 AND day >= $3
		ORDER BY day ASC
	`, tenantID, campusID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list analytics: %w", err)
	}
	defer rows.Close()

	var out []model.CampusCounters
	for rows.Next() {
		var c model.CampusCounters
		var day time.Time
		if err := rows.Scan(&c.TenantID, &c.CampusID, &day, &c.Inside, &c.EmployeesInside, &c.VisitorsInside, &c.Entries, &c.Exits, &c.UnknownDetections, &c.UniqueUnknowns); err != nil {
			return nil, fmt.Errorf("scan campus counters: %w", err)
		}
		c.Day = day.Format("2006-01-02")
		out = append(out, c)
	}
	return out, rows.Err()
}
