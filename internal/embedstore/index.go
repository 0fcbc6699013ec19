package embedstore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

// indexMetadata supports the staleness check used when loading a persisted
// index at startup: a load is fresh only if both the indexed count and the
// most recent last_updated timestamp observed still match the store.
type indexMetadata struct {
	Count       int64     `json:"count"`
	LastUpdated time.Time `json:"last_updated"`
	Version     int       `json:"version"`
}

const indexMetadataVersion = 1

// catalogIndex is the in-memory, tenant-partitioned HNSW index backing
// ListActive/Snapshot's hot matching path. One instance per tenant.
type catalogIndex struct {
	mu         sync.RWMutex
	graph      *hnsw.Graph[string]
	savedGraph *hnsw.SavedGraph[string] // set when restored from disk by load()
	byID       map[string]CatalogEntry
	path       string
}

func newCatalogIndex() *catalogIndex {
	return &catalogIndex{byID: make(map[string]CatalogEntry)}
}

func (c *catalogIndex) ensureGraph() {
	if c.graph == nil {
		c.graph = hnsw.NewGraph[string]()
		c.graph.M = 16
		c.graph.Ml = 1.0 / 16.0
		c.graph.Distance = hnsw.CosineDistance
	}
}

// Put inserts or replaces the entry for a subject. Once a savedGraph has
// been restored from disk it can't accept inserts (coder/hnsw has no
// mutation API on a loaded graph), so Put builds a live graph alongside it;
// search still prefers the freshly-built graph once one exists.
func (c *catalogIndex) Put(e CatalogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureGraph()
	c.graph.Add(hnsw.MakeNode(e.SubjectID, e.Embedding))
	c.byID[e.SubjectID] = e
}

// setEntries rebuilds byID from an authoritative source without touching
// the graph, used after restoring a persisted graph whose node set is
// already known-fresh (see Store.fullLoad).
func (c *catalogIndex) setEntries(entries []CatalogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[string]CatalogEntry, len(entries))
	for _, e := range entries {
		c.byID[e.SubjectID] = e
	}
}

// search returns the k nearest neighbors to query, preferring a freshly
// built graph over a restored savedGraph per hnsw_embeddings.go's Search.
func (c *catalogIndex) search(query []float32, k int) []hnsw.Node[string] {
	if c.graph != nil {
		return c.graph.Search(query, k)
	}
	if c.savedGraph != nil {
		return c.savedGraph.Search(query, k)
	}
	return nil
}

// Remove deletes a subject's entry (e.g. it became inactive/blacklisted).
func (c *catalogIndex) Remove(subjectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, subjectID)
	// coder/hnsw has no true delete; the byID filter is authoritative for
	// ListActive/Snapshot, Search results for removed ids are discarded by
	// the caller.
}

// Snapshot returns a point-in-time copy of every active entry.
func (c *catalogIndex) Snapshot() []CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CatalogEntry, 0, len(c.byID))
	for _, e := range c.byID {
		out = append(out, e)
	}
	return out
}

// Best returns the entry whose embedding maximizes dot(query, embedding),
// per §4.4's argmax-over-catalog match rule.
func (c *catalogIndex) Best(query []float32) (CatalogEntry, float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if (c.graph == nil && c.savedGraph == nil) || len(c.byID) == 0 {
		return CatalogEntry{}, 0, false
	}
	neighbors := c.search(query, 1)
	for _, n := range neighbors {
		e, ok := c.byID[n.Key]
		if !ok {
			continue
		}
		return e, dot(query, e.Embedding), true
	}
	return CatalogEntry{}, 0, false
}

func (c *catalogIndex) count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// save persists the graph and a metadata sidecar (entry count, latest
// last_updated, format version) to disk for fast restart.
// SavedGraph embeds *Graph, so it exports the same way the teacher's
// hnsw_embeddings.go does when a loaded graph was never rebuilt.
func (c *catalogIndex) save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.graph == nil && c.savedGraph == nil {
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating hnsw index file: %w", err)
	}
	defer f.Close()
	if c.graph != nil {
		if err := c.graph.Export(f); err != nil {
			return fmt.Errorf("exporting hnsw graph: %w", err)
		}
	} else if err := c.savedGraph.Export(f); err != nil {
		return fmt.Errorf("exporting hnsw graph: %w", err)
	}

	var latest time.Time
	for _, e := range c.byID {
		if e.LastUpdated.After(latest) {
			latest = e.LastUpdated
		}
	}
	meta := indexMetadata{Count: int64(len(c.byID)), LastUpdated: latest, Version: indexMetadataVersion}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling hnsw metadata: %w", err)
	}
	return os.WriteFile(path+".meta", b, 0o600)
}

func loadIndexMetadata(path string) (indexMetadata, error) {
	var meta indexMetadata
	b, err := os.ReadFile(path + ".meta")
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// load restores a persisted graph from path into c.savedGraph, mirroring
// hnsw_embeddings.go's Load. Callers check loadIndexMetadata freshness
// first and fall back to a full Put-driven rebuild when it's stale.
func (c *catalogIndex) load(path string) error {
	saved, err := hnsw.LoadSavedGraph[string](path)
	if err != nil {
		return fmt.Errorf("loading hnsw index: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.savedGraph = saved
	return nil
}
