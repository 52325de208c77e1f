package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/askdb/askdb/internal/api"
	"github.com/askdb/askdb/internal/archive"
	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/classify"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/connector"
	duckdbconnector "github.com/askdb/askdb/internal/connector/duckdb"
	mongoconnector "github.com/askdb/askdb/internal/connector/mongo"
	postgresconnector "github.com/askdb/askdb/internal/connector/postgres"
	"github.com/askdb/askdb/internal/engine"
	"github.com/askdb/askdb/internal/exec"
	"github.com/askdb/askdb/internal/genai"
	"github.com/askdb/askdb/internal/index"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/retrieve"
	"github.com/askdb/askdb/internal/schemadoc"
	"github.com/askdb/askdb/internal/schemadoc/memory"
	"github.com/askdb/askdb/internal/session"
	storepostgres "github.com/askdb/askdb/internal/store/postgres"
	"github.com/askdb/askdb/internal/synth"
)

func main() {
	cfg, err := config.LoadFromEnv("askdb-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storeless mode keeps everything in memory: documents, vectors, and
	// turns all vanish on restart. Useful for demos and tests.
	var (
		documents   schemadoc.Repository
		vectors     index.VectorStore
		turnSink    session.TurnSink
		healthCheck api.ReadinessCheck
	)
	if cfg.Store.DSN != "" {
		storeDB, err := storepostgres.Open(ctx, storepostgres.DBConfig{
			DSN:             cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open store db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = storeDB.Close() }()

		documentRepo := storepostgres.NewDocumentRepository(storeDB)
		documents = documentRepo
		vectors = storepostgres.NewVectorRepository(storeDB)
		turnSink = storepostgres.NewTurnRepository(storeDB)
		healthCheck = documentRepo.HealthCheck
	} else {
		logger.Warn("no store dsn configured, running with in-memory state")
		documents = memory.NewRepository()
	}

	embedder, err := index.NewOpenAIEmbedder(index.OpenAIEmbedderConfig{
		BaseURL: cfg.Embedding.BaseURL,
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
		Timeout: cfg.Embedding.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize embedder", slog.Any("error", err))
		os.Exit(1)
	}
	schemaIndex := index.New(embedder, vectors)

	generator, err := genai.NewOpenAIGenerator(genai.OpenAIConfig{
		BaseURL:     cfg.Generation.BaseURL,
		APIKey:      cfg.Generation.APIKey,
		Model:       cfg.Generation.Model,
		Temperature: cfg.Generation.Temperature,
		Timeout:     cfg.Generation.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize generator", slog.Any("error", err))
		os.Exit(1)
	}

	registry, err := buildRegistry(ctx, cfg.Databases.Spec)
	if err != nil {
		logger.Error("failed to build connector registry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = registry.Close() }()

	var archiver exec.Archiver
	if cfg.Archive.Enabled {
		archiveStore, err := archive.New(ctx, archive.Config{
			Endpoint:         cfg.Archive.Endpoint,
			Region:           cfg.Archive.Region,
			Bucket:           cfg.Archive.Bucket,
			AccessKeyID:      cfg.Archive.AccessKeyID,
			SecretAccessKey:  cfg.Archive.SecretAccessKey,
			UseSSL:           cfg.Archive.UseSSL,
			Prefix:           cfg.Archive.Prefix,
			AutoCreateBucket: cfg.Archive.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize result archive", slog.Any("error", err))
			os.Exit(1)
		}
		archiver = archiveStore
	}

	classifier := classify.New(generator, registry.Names)
	retriever := retrieve.New(schemaIndex, cfg.Retrieval.TurnTokenBudget)
	synthesizer := synth.New(generator, synth.Config{
		AllowWrites:            cfg.Synthesis.AllowWrites,
		LargeTableRowThreshold: int64(cfg.Synthesis.LargeTableRowThreshold),
	})
	sessions := session.NewManager(cfg.Session.IdleTimeout, turnSink)
	coordinator := exec.NewCoordinator(registry, generator, archiver, cfg.Execution.RowCap, logger)

	questionEngine := engine.New(
		documents,
		schemaIndex,
		classifier,
		retriever,
		synthesizer,
		sessions,
		coordinator,
		registry,
		logger,
		engine.Config{
			TopK:             cfg.Retrieval.TopK,
			AutoExecute:      true,
			Summarize:        cfg.Execution.Summarize,
			ExecutionTimeout: cfg.Execution.Timeout,
		},
	)

	if vectors != nil {
		if err := questionEngine.Hydrate(ctx, vectors); err != nil {
			logger.Error("failed to hydrate index from store", slog.Any("error", err))
			os.Exit(1)
		}
	}

	deps := api.Dependencies{
		Logger:    logger,
		Engine:    questionEngine,
		Databases: registry.Descriptors,
		Readiness: api.CombineReadinessChecks(
			healthCheck,
			api.CheckDatabasesSpec(cfg),
		),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func buildRegistry(ctx context.Context, spec string) (*connector.Registry, error) {
	descriptors, err := connector.ParseDescriptors(spec)
	if err != nil {
		return nil, err
	}

	registry := connector.NewRegistry()
	for _, descriptor := range descriptors {
		conn, err := openConnector(ctx, descriptor)
		if err != nil {
			_ = registry.Close()
			return nil, err
		}
		if err := registry.Register(descriptor, conn); err != nil {
			_ = conn.Close()
			_ = registry.Close()
			return nil, err
		}
	}
	return registry, nil
}

func openConnector(ctx context.Context, descriptor connector.Descriptor) (connector.Connector, error) {
	switch descriptor.Dialect {
	case "postgres":
		return postgresconnector.New(ctx, descriptor.DatabaseID, databaseNameFromDSN(descriptor.DSN, descriptor.DatabaseID), descriptor.DSN)
	case "duckdb":
		return duckdbconnector.New(ctx, descriptor.DatabaseID, descriptor.DatabaseID, descriptor.DSN)
	case "mongodb":
		return mongoconnector.New(ctx, descriptor.DatabaseID, databaseNameFromDSN(descriptor.DSN, descriptor.DatabaseID), descriptor.DSN)
	default:
		return nil, errors.New("unsupported dialect: " + descriptor.Dialect)
	}
}

// databaseNameFromDSN pulls the database name out of a URL-style DSN,
// falling back to the configured identifier.
func databaseNameFromDSN(dsn, fallback string) string {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return fallback
	}
	name := strings.Trim(parsed.Path, "/")
	if name == "" {
		return fallback
	}
	return name
}
