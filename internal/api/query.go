package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/exec"
	"github.com/askdb/askdb/internal/genai"
	"github.com/askdb/askdb/internal/index"
	"github.com/askdb/askdb/internal/schemadoc"
	"github.com/askdb/askdb/internal/session"
	"github.com/askdb/askdb/internal/synth"
)

const sessionHeader = "X-Session-ID"

type queryRequest struct {
	Text     string `json:"text"`
	Database string `json:"database"`
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ENGINE_NOT_CONFIGURED", "question engine is not configured", false, nil)
		return
	}
	if err := requireRole(r, "query"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request queryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Text) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TEXT_REQUIRED", "text is required", false, nil)
		return
	}

	sessionID := strings.TrimSpace(r.Header.Get(sessionHeader))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	answer, err := deps.Engine.Ask(r.Context(), sessionID, request.Text, request.Database)
	if err != nil {
		writePipelineError(w, r, err)
		return
	}

	w.Header().Set(sessionHeader, sessionID)
	writeJSON(w, http.StatusOK, answer)
}

// writePipelineError maps the pipeline's error taxonomy onto HTTP statuses.
func writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var expired *session.ExpiredError
	if errors.As(err, &expired) {
		writeError(ctx, w, http.StatusGone, "SESSION_EXPIRED", expired.Error(), false, map[string]any{"session_id": expired.SessionID})
		return
	}
	if errors.Is(err, connector.ErrUnknownDatabase) {
		writeError(ctx, w, http.StatusNotFound, "UNKNOWN_DATABASE", err.Error(), false, nil)
		return
	}
	var incomplete *schemadoc.SchemaIncompleteError
	if errors.As(err, &incomplete) {
		writeError(ctx, w, http.StatusUnprocessableEntity, "SCHEMA_INCOMPLETE", incomplete.Error(), false, map[string]any{"database": incomplete.DatabaseID})
		return
	}
	var parseErr *synth.ParseError
	if errors.As(err, &parseErr) {
		writeError(ctx, w, http.StatusBadGateway, "MODEL_RESPONSE_INVALID", parseErr.Error(), true, nil)
		return
	}
	var unsafe *synth.UnsafeQueryError
	if errors.As(err, &unsafe) {
		writeError(ctx, w, http.StatusForbidden, "QUERY_BLOCKED", unsafe.Error(), false, map[string]any{
			"flag":        unsafe.Flag,
			"explanation": unsafe.Explanation,
		})
		return
	}
	var indexErr *index.ServiceError
	if errors.As(err, &indexErr) {
		writeError(ctx, w, http.StatusServiceUnavailable, "EMBEDDING_UNAVAILABLE", indexErr.Error(), true, nil)
		return
	}
	if genai.IsUnavailable(err) {
		writeError(ctx, w, http.StatusServiceUnavailable, "MODEL_UNAVAILABLE", err.Error(), true, nil)
		return
	}
	var execErr *exec.ExecutionError
	if errors.As(err, &execErr) {
		writeError(ctx, w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", execErr.Error(), false, map[string]any{"query": execErr.QueryText})
		return
	}
	writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", err.Error(), true, nil)
}
