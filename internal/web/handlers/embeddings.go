package handlers

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/kozaktomas/photo-sorter/internal/embedstore"
)

// syncRateLimit caps forced-sync requests so a noisy caller can't make
// /api/embeddings/sync hammer C1 with full reconciliation passes.
const syncRateLimit = 1 // per second, per process

// EmbeddingsHandler serves the §6.3 catalog sync/stats endpoints backed by C1.
type EmbeddingsHandler struct {
	store   *embedstore.Store
	limiter *rate.Limiter
}

// NewEmbeddingsHandler constructs an EmbeddingsHandler.
func NewEmbeddingsHandler(store *embedstore.Store) *EmbeddingsHandler {
	return &EmbeddingsHandler{
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(syncRateLimit), 1),
	}
}

// Sync handles POST /api/embeddings/sync: forces one reconciliation pass for
// the requested tenant, per §4.1's incremental sync path.
func (h *EmbeddingsHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		respondError(w, http.StatusTooManyRequests, "sync rate limit exceeded, try again shortly")
		return
	}
	tid, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.SyncOnce(r.Context(), tid); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true})
}

// Stats handles GET /api/embeddings/stats: the current in-memory catalog
// size for the requested tenant.
func (h *EmbeddingsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	tid, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.store.ListActive(r.Context(), tid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"success":      true,
		"tenant_id":    tid,
		"catalog_size": len(entries),
	})
}
