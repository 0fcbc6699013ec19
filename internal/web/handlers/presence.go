package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/photo-sorter/internal/coreerrors"
	"github.com/kozaktomas/photo-sorter/internal/presence"
)

// PresenceHandler serves the §6.3 query HTTP surface backed by C5.
type PresenceHandler struct {
	engine *presence.Engine
}

// NewPresenceHandler constructs a PresenceHandler.
func NewPresenceHandler(engine *presence.Engine) *PresenceHandler {
	return &PresenceHandler{engine: engine}
}

func tenantID(r *http.Request) (string, error) {
	t := r.URL.Query().Get("tenant_id")
	if t == "" {
		return "", coreerrors.New(coreerrors.Validation, "tenant_id query parameter is required")
	}
	return t, nil
}

// OverallStatus handles GET /api/status.
func (h *PresenceHandler) OverallStatus(w http.ResponseWriter, r *http.Request) {
	total, perCampus := h.engine.OverallStatus()
	writeJSON(w, map[string]any{
		"success":    true,
		"total":      total,
		"per_campus": perCampus,
	})
}

// CampusStatus handles GET /api/campus/{id}/status.
func (h *PresenceHandler) CampusStatus(w http.ResponseWriter, r *http.Request) {
	campusID := chi.URLParam(r, "id")
	writeJSON(w, map[string]any{
		"success": true,
		"status":  h.engine.CampusStatus(campusID),
	})
}

// CampusEvents handles GET /api/campus/{id}/events?limit&type.
func (h *PresenceHandler) CampusEvents(w http.ResponseWriter, r *http.Request) {
	tid, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	campusID := chi.URLParam(r, "id")
	kind := r.URL.Query().Get("type")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n <= 0 {
			writeValidationError(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := h.engine.CampusEvents(r.Context(), tid, campusID, kind, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "events": events})
}

// CampusPeople handles GET /api/campus/{id}/people?status=inside|outside|all.
func (h *PresenceHandler) CampusPeople(w http.ResponseWriter, r *http.Request) {
	campusID := chi.URLParam(r, "id")
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "all"
	}
	writeJSON(w, map[string]any{
		"success": true,
		"people":  h.engine.CampusPeople(campusID, status),
	})
}

// CampusAnalytics handles GET /api/campus/{id}/analytics?days=N.
func (h *PresenceHandler) CampusAnalytics(w http.ResponseWriter, r *http.Request) {
	tid, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	campusID := chi.URLParam(r, "id")
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n <= 0 {
			writeValidationError(w, "days must be a positive integer")
			return
		}
		days = n
	}

	analytics, err := h.engine.CampusAnalytics(r.Context(), tid, campusID, days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "analytics": analytics})
}

// CampusUnknowns handles GET /api/campus/{id}/unknown.
func (h *PresenceHandler) CampusUnknowns(w http.ResponseWriter, r *http.Request) {
	tid, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	campusID := chi.URLParam(r, "id")
	writeJSON(w, map[string]any{
		"success":  true,
		"unknowns": h.engine.CampusUnknowns(tid, campusID),
	})
}

// PersonStatus handles GET /api/person/{id}.
func (h *PresenceHandler) PersonStatus(w http.ResponseWriter, r *http.Request) {
	tid, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	campusID := r.URL.Query().Get("campus_id")
	if campusID == "" {
		writeValidationError(w, "campus_id query parameter is required")
		return
	}
	subjectID := chi.URLParam(r, "id")

	st, ok := h.engine.PersonStatus(tid, campusID, subjectID)
	if !ok {
		writeError(w, coreerrors.New(coreerrors.NotFound, "no presence state for subject "+subjectID))
		return
	}
	writeJSON(w, map[string]any{"success": true, "person": st})
}

// AnalyticsSummary handles GET /api/analytics/summary: totals across every
// campus known to the engine, derived from OverallStatus.
func (h *PresenceHandler) AnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	total, perCampus := h.engine.OverallStatus()
	writeJSON(w, map[string]any{
		"success":    true,
		"total":      total,
		"per_campus": perCampus,
	})
}
