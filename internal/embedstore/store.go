// Package embedstore implements C1, the tenant-scoped embedding catalog:
// durable persistence plus a wait-free in-memory view used by the hot
// matching path in C4.
package embedstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/kozaktomas/photo-sorter/internal/coreerrors"
	"github.com/kozaktomas/photo-sorter/internal/logging"
	"github.com/kozaktomas/photo-sorter/internal/model"
)

// CatalogEntry is one row of a tenant's in-memory active-subject view.
type CatalogEntry struct {
	SubjectID   string
	Embedding   []float32
	DisplayName string
	Kind        model.SubjectKind
	LastUpdated time.Time
}

// Repository is the persistence contract C1 requires of the document store
// and large-object store (§6.1), narrowed to what the embedding catalog
// actually uses.
type Repository interface {
	// PutBlob stores an embedding's bytes and returns an opaque handle.
	PutBlob(ctx context.Context, blob []byte) (handle string, err error)
	// GetBlob retrieves bytes by handle.
	GetBlob(ctx context.Context, handle string) ([]byte, error)
	// DeleteBlob removes bytes by handle.
	DeleteBlob(ctx context.Context, handle string) error

	// UpsertEmbeddingRecord atomically writes the subject's per-model
	// EmbeddingRecord to status=done with the given handle.
	UpsertEmbeddingRecord(ctx context.Context, rec model.EmbeddingRecord) error

	// ListActiveAll returns every subject for tenant with
	// active ∧ ¬blacklisted ∧ record.status=done, across all models.
	ListActiveAll(ctx context.Context, tenantID string) ([]ActiveSubject, error)
	// ListActiveSince returns the same filter, restricted to records whose
	// last_updated ≥ since, for incremental resync.
	ListActiveSince(ctx context.Context, tenantID string, since time.Time) ([]ActiveSubject, error)
}

// ActiveSubject is a row of the active-subject view joined against its
// current embedding blob.
type ActiveSubject struct {
	SubjectID   string
	DisplayName string
	Kind        model.SubjectKind
	Embedding   []float32
	LastUpdated time.Time
	Removed     bool // true when the subject transitioned out of the active set
}

// Store is C1: the embedding catalog. One catalogIndex is kept per tenant.
type Store struct {
	repo Repository
	log  log.Logger

	mu        sync.Mutex
	indexes   map[string]*catalogIndex
	lastSync  map[string]time.Time
	indexPath string // optional disk persistence path prefix
}

// New constructs a Store backed by repo. indexPath, if non-empty, is used as
// a path prefix ("<indexPath>.<tenant>") for disk-persisted HNSW indexes.
func New(repo Repository, indexPath string) *Store {
	return &Store{
		repo:      repo,
		log:       logging.New("embedstore"),
		indexes:   make(map[string]*catalogIndex),
		lastSync:  make(map[string]time.Time),
		indexPath: indexPath,
	}
}

func (s *Store) tenantIndex(tenantID string) *catalogIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[tenantID]
	if !ok {
		idx = newCatalogIndex()
		if s.indexPath != "" {
			idx.path = fmt.Sprintf("%s.%s", s.indexPath, tenantID)
		}
		s.indexes[tenantID] = idx
	}
	return idx
}

// Put writes the embedding blob then atomically updates the subject's
// EmbeddingRecord to status=done, per §4.1.
func (s *Store) Put(ctx context.Context, tenantID, subjectID, modelName string, embedding []float32, displayName string, kind model.SubjectKind) (string, error) {
	blob := encodeEmbedding(embedding)
	handle, err := s.repo.PutBlob(ctx, blob)
	if err != nil {
		return "", coreerrors.Wrap(coreerrors.Transient, "put embedding blob", err)
	}

	now := time.Now()
	rec := model.EmbeddingRecord{
		SubjectID:   subjectID,
		TenantID:    tenantID,
		Model:       modelName,
		Handle:      handle,
		Status:      model.EmbeddingDone,
		CreatedAt:   now,
		FinishedAt:  &now,
		LastUpdated: now,
	}
	if err := s.repo.UpsertEmbeddingRecord(ctx, rec); err != nil {
		return "", coreerrors.Wrap(coreerrors.Transient, "upsert embedding record", err)
	}

	s.tenantIndex(tenantID).Put(CatalogEntry{
		SubjectID:   subjectID,
		Embedding:   embedding,
		DisplayName: displayName,
		Kind:        kind,
		LastUpdated: now,
	})

	return handle, nil
}

// Get retrieves a stored embedding by its opaque handle.
func (s *Store) Get(ctx context.Context, handle string) ([]float32, error) {
	blob, err := s.repo.GetBlob(ctx, handle)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.NotFound, "embedding handle not found: "+handle, err)
	}
	return decodeEmbedding(blob), nil
}

// ListActive returns every active subject embedding for tenant, triggering
// a synchronous full load if this is the first call for that tenant.
func (s *Store) ListActive(ctx context.Context, tenantID string) ([]CatalogEntry, error) {
	idx := s.tenantIndex(tenantID)
	s.mu.Lock()
	_, synced := s.lastSync[tenantID]
	s.mu.Unlock()
	if !synced {
		if err := s.fullLoad(ctx, tenantID); err != nil {
			return nil, err
		}
	}
	return idx.Snapshot(), nil
}

// ViewHandle is a consistent, read-only handle into a tenant's catalog at a
// point in time, returned by Snapshot. idx is the same HNSW-backed index
// ListActive/Snapshot read from, so Best uses the real graph search instead
// of a linear scan over Entries.
type ViewHandle struct {
	TenantID string
	Entries  []CatalogEntry
	TakenAt  time.Time
	idx      *catalogIndex
}

// Best returns the catalog entry that maximizes dot(query, embedding),
// backed by catalogIndex's HNSW graph per §4.4's argmax-over-catalog rule.
func (v ViewHandle) Best(query []float32) (CatalogEntry, float64, bool) {
	if v.idx == nil {
		return CatalogEntry{}, 0, false
	}
	return v.idx.Best(query)
}

// Snapshot provides a consistent read for the matcher (§4.1).
func (s *Store) Snapshot(ctx context.Context, tenantID string) (ViewHandle, error) {
	entries, err := s.ListActive(ctx, tenantID)
	if err != nil {
		return ViewHandle{}, err
	}
	return ViewHandle{TenantID: tenantID, Entries: entries, TakenAt: time.Now(), idx: s.tenantIndex(tenantID)}, nil
}

func latestUpdate(subs []ActiveSubject) time.Time {
	var latest time.Time
	for _, sub := range subs {
		if sub.LastUpdated.After(latest) {
			latest = sub.LastUpdated
		}
	}
	return latest
}

// fullLoad rebuilds a tenant's catalog from Postgres. If a persisted HNSW
// graph on disk is still fresh against what Postgres reports (same count,
// same most-recent update), it's restored directly instead of re-inserting
// every entry one at a time, the same Load-then-rebuild-the-map split as
// the teacher's hnsw_embeddings.go LoadWithEmbeddingMetadata/
// RebuildFromEmbeddings.
func (s *Store) fullLoad(ctx context.Context, tenantID string) error {
	subs, err := s.repo.ListActiveAll(ctx, tenantID)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Transient, "full load active subjects", err)
	}
	idx := s.tenantIndex(tenantID)

	restored := false
	if idx.path != "" {
		if meta, err := loadIndexMetadata(idx.path); err == nil &&
			meta.Count == int64(len(subs)) && meta.LastUpdated.Equal(latestUpdate(subs)) {
			if err := idx.load(idx.path); err == nil {
				entries := make([]CatalogEntry, 0, len(subs))
				for _, sub := range subs {
					entries = append(entries, CatalogEntry{
						SubjectID:   sub.SubjectID,
						Embedding:   sub.Embedding,
						DisplayName: sub.DisplayName,
						Kind:        sub.Kind,
						LastUpdated: sub.LastUpdated,
					})
				}
				idx.setEntries(entries)
				restored = true
			}
		}
	}

	if !restored {
		for _, sub := range subs {
			idx.Put(CatalogEntry{
				SubjectID:   sub.SubjectID,
				Embedding:   sub.Embedding,
				DisplayName: sub.DisplayName,
				Kind:        sub.Kind,
				LastUpdated: sub.LastUpdated,
			})
		}
	}

	s.mu.Lock()
	s.lastSync[tenantID] = time.Now()
	s.mu.Unlock()
	s.log.Info().Str("tenant", tenantID).Int("count", idx.count()).Bool("restored_from_disk", restored).Msg("full catalog load complete")
	return nil
}

// SyncOnce performs one reconciliation pass for tenantID: a full load if
// none has happened yet, otherwise an incremental load of records updated
// since the last sync. Diff-applies: newly-inactive subjects are removed.
func (s *Store) SyncOnce(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	last, ok := s.lastSync[tenantID]
	s.mu.Unlock()
	if !ok {
		return s.fullLoad(ctx, tenantID)
	}

	subs, err := s.repo.ListActiveSince(ctx, tenantID, last)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Transient, "incremental sync", err)
	}
	idx := s.tenantIndex(tenantID)
	now := time.Now()
	for _, sub := range subs {
		if sub.Removed {
			idx.Remove(sub.SubjectID)
			continue
		}
		idx.Put(CatalogEntry{
			SubjectID:   sub.SubjectID,
			Embedding:   sub.Embedding,
			DisplayName: sub.DisplayName,
			Kind:        sub.Kind,
			LastUpdated: sub.LastUpdated,
		})
	}
	s.mu.Lock()
	s.lastSync[tenantID] = now
	s.mu.Unlock()
	if len(subs) > 0 {
		s.log.Debug().Str("tenant", tenantID).Int("changed", len(subs)).Msg("incremental catalog sync")
	}
	return nil
}

// RunSyncLoop runs SyncOnce for every known tenant every interval until ctx
// is cancelled. Newly-seen tenants (via ListActive) are picked up on the
// next tick. Matches §4.1's T_sync default of 60s.
func (s *Store) RunSyncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			tenants := make([]string, 0, len(s.indexes))
			for t := range s.indexes {
				tenants = append(tenants, t)
			}
			s.mu.Unlock()
			for _, t := range tenants {
				if err := s.SyncOnce(ctx, t); err != nil {
					s.log.Error().Err(err).Str("tenant", t).Msg("catalog sync failed")
				}
			}
		}
	}
}

// SaveIndexes persists every tenant's HNSW index to disk, used on graceful
// shutdown when indexPath is configured.
func (s *Store) SaveIndexes() error {
	if s.indexPath == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for tenant, idx := range s.indexes {
		if err := idx.save(idx.path); err != nil {
			return fmt.Errorf("saving index for tenant %s: %w", tenant, err)
		}
	}
	return nil
}

// NewHandle generates an opaque embedding handle when the backing store
// does not issue its own (e.g. in tests against a fake Repository).
func NewHandle() string {
	return uuid.NewString()
}
