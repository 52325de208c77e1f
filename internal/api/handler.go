package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/engine"
	"github.com/askdb/askdb/internal/exec"
	"github.com/askdb/askdb/internal/observability"
)

type ReadinessCheck func(ctx context.Context) error

// QuestionEngine is the pipeline surface the handlers call. Tests substitute
// a fake.
type QuestionEngine interface {
	Ask(ctx context.Context, sessionID, text, explicitDatabase string) (engine.Answer, error)
	ExecuteQuery(ctx context.Context, databaseID, queryText string, allowWrites bool) (exec.Result, error)
	DiscoverSchema(ctx context.Context, databaseID string) (engine.DiscoveryReport, error)
	Overview(ctx context.Context) (engine.Overview, error)
	SelectDatabase(sessionID, databaseID string) error
	ResetSession(sessionID string) error
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Engine            QuestionEngine
	Databases         func() []connector.Descriptor
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/query", func(w http.ResponseWriter, r *http.Request) {
		handleQuery(deps, w, r)
	})
	protected.HandleFunc("POST /v1/execute", func(w http.ResponseWriter, r *http.Request) {
		handleExecute(cfg, deps, w, r)
	})
	protected.HandleFunc("POST /v1/discover-schema/{database}", func(w http.ResponseWriter, r *http.Request) {
		handleDiscoverSchema(deps, w, r)
	})
	protected.HandleFunc("GET /v1/rag-overview", func(w http.ResponseWriter, r *http.Request) {
		handleOverview(deps, w, r)
	})
	protected.HandleFunc("GET /v1/databases", func(w http.ResponseWriter, r *http.Request) {
		handleListDatabases(deps, w, r)
	})
	protected.HandleFunc("POST /v1/sessions/{session}/select-database", func(w http.ResponseWriter, r *http.Request) {
		handleSelectDatabase(deps, w, r)
	})
	protected.HandleFunc("POST /v1/sessions/{session}/reset", func(w http.ResponseWriter, r *http.Request) {
		handleResetSession(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/query", protectedHandler)
	mux.Handle("POST /v1/execute", protectedHandler)
	mux.Handle("POST /v1/discover-schema/{database}", protectedHandler)
	mux.Handle("GET /v1/rag-overview", protectedHandler)
	mux.Handle("GET /v1/databases", protectedHandler)
	mux.Handle("POST /v1/sessions/{session}/select-database", protectedHandler)
	mux.Handle("POST /v1/sessions/{session}/reset", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckStoreDSN(cfg config.Config) ReadinessCheck {
	if cfg.Store.DSN == "" {
		return nil
	}
	return func(_ context.Context) error {
		if cfg.Store.DSN == "" {
			return errors.New("store dsn is not configured")
		}
		return nil
	}
}

func CheckDatabasesSpec(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Databases.Spec == "" {
			return errors.New("no databases are configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// requireRole enforces role checks only when an identity is present; in
// unauthenticated deployments every caller may do everything.
func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if !identity.HasRole(role) {
		return errors.New("missing required role: " + role)
	}
	return nil
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
