package api

import (
	"net/http"
	"strings"
)

// handleDiscoverSchema re-crawls one database's schema and rebuilds its
// document set and embeddings.
func handleDiscoverSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ENGINE_NOT_CONFIGURED", "question engine is not configured", false, nil)
		return
	}
	if err := requireRole(r, "schema_admin"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	databaseID := strings.TrimSpace(r.PathValue("database"))
	if databaseID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "DATABASE_REQUIRED", "database path segment is required", false, nil)
		return
	}

	report, err := deps.Engine.DiscoverSchema(r.Context(), databaseID)
	if err != nil {
		writePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
