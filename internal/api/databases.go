package api

import "net/http"

type databaseEntry struct {
	DatabaseID string `json:"database_id"`
	EngineKind string `json:"engine_kind"`
	Dialect    string `json:"dialect"`
}

// handleListDatabases lists the configured connections. Descriptors arrive
// with DSNs already blanked; credentials never leave the connector layer.
func handleListDatabases(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Databases == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DATABASES_NOT_CONFIGURED", "database registry is not configured", false, nil)
		return
	}
	if err := requireRole(r, "query"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	descriptors := deps.Databases()
	entries := make([]databaseEntry, 0, len(descriptors))
	for _, descriptor := range descriptors {
		entries = append(entries, databaseEntry{
			DatabaseID: descriptor.DatabaseID,
			EngineKind: string(descriptor.EngineKind),
			Dialect:    descriptor.Dialect,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"databases": entries})
}
