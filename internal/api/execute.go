package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/askdb/askdb/internal/config"
)

type executeRequest struct {
	Database  string `json:"database"`
	QueryText string `json:"query_text"`
}

// handleExecute runs a previously generated query after the caller confirmed
// it. The write gate still applies; confirmation does not bypass it.
func handleExecute(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ENGINE_NOT_CONFIGURED", "question engine is not configured", false, nil)
		return
	}
	if err := requireRole(r, "query"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request executeRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid execute request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Database) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "DATABASE_REQUIRED", "database is required", false, nil)
		return
	}
	if strings.TrimSpace(request.QueryText) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_TEXT_REQUIRED", "query_text is required", false, nil)
		return
	}

	result, err := deps.Engine.ExecuteQuery(r.Context(), request.Database, request.QueryText, cfg.Synthesis.AllowWrites)
	if err != nil {
		writePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
