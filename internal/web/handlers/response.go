// Package handlers implements the §6.3 query HTTP surface: read-only status,
// event, people, analytics and unknown-cluster endpoints backed by C5, plus
// the embedding-catalog sync/stats endpoints backed by C1.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kozaktomas/photo-sorter/internal/coreerrors"
)

// writeJSON writes v as a 200 JSON response.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the §6.3 error envelope, mapping the error's
// coreerrors.Kind to an HTTP status per §7: NotFound->404, Validation->400,
// everything else->500 with a stable error string.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch coreerrors.KindOf(err) {
	case coreerrors.NotFound:
		status = http.StatusNotFound
	case coreerrors.Validation:
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeError(w, coreerrors.New(coreerrors.Validation, message))
}
