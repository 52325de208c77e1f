package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Store         StoreConfig
	Databases     DatabasesConfig
	Embedding     EmbeddingConfig
	Generation    GenerationConfig
	Retrieval     RetrievalConfig
	Synthesis     SynthesisConfig
	Execution     ExecutionConfig
	Session       SessionConfig
	Archive       ArchiveConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StoreConfig points at the internal Postgres database holding schema
// documents, vectors, and the turn log. Empty DSN runs the service with
// in-memory state only.
type StoreConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// DatabasesConfig lists the user databases the service may query, as a
// descriptor spec string parsed by the connector layer:
// "id|engine_kind|dialect|dsn" entries joined with ";".
type DatabasesConfig struct {
	Spec string
}

type EmbeddingConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type GenerationConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

type RetrievalConfig struct {
	TopK            int
	TurnTokenBudget int
}

type SynthesisConfig struct {
	AllowWrites            bool
	LargeTableRowThreshold int
}

type ExecutionConfig struct {
	RowCap    int
	Timeout   time.Duration
	Summarize bool
}

type SessionConfig struct {
	IdleTimeout time.Duration
}

type ArchiveConfig struct {
	Enabled          bool
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("ASKDB_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid ASKDB_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "ASKDB_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_HTTP_ADDR", &cfg.HTTP.Address); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ASKDB_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ASKDB_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ASKDB_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_STORE_DSN", &cfg.Store.DSN); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "ASKDB_STORE_MAX_OPEN_CONNS", &cfg.Store.MaxOpenConns); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "ASKDB_STORE_MAX_IDLE_CONNS", &cfg.Store.MaxIdleConns); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ASKDB_STORE_CONN_MAX_IDLE_TIME", &cfg.Store.ConnMaxIdleTime); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ASKDB_STORE_CONN_MAX_LIFETIME", &cfg.Store.ConnMaxLifetime); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_DATABASES", &cfg.Databases.Spec); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_EMBEDDING_BASE_URL", &cfg.Embedding.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_EMBEDDING_API_KEY", &cfg.Embedding.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_EMBEDDING_MODEL", &cfg.Embedding.Model); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ASKDB_EMBEDDING_TIMEOUT", &cfg.Embedding.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_GENERATION_BASE_URL", &cfg.Generation.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_GENERATION_API_KEY", &cfg.Generation.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_GENERATION_MODEL", &cfg.Generation.Model); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "ASKDB_GENERATION_TEMPERATURE", &cfg.Generation.Temperature); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ASKDB_GENERATION_TIMEOUT", &cfg.Generation.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "ASKDB_RETRIEVAL_TOP_K", &cfg.Retrieval.TopK); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "ASKDB_RETRIEVAL_TURN_TOKEN_BUDGET", &cfg.Retrieval.TurnTokenBudget); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "ASKDB_SYNTHESIS_ALLOW_WRITES", &cfg.Synthesis.AllowWrites); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "ASKDB_SYNTHESIS_LARGE_TABLE_ROW_THRESHOLD", &cfg.Synthesis.LargeTableRowThreshold); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "ASKDB_EXECUTION_ROW_CAP", &cfg.Execution.RowCap); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ASKDB_EXECUTION_TIMEOUT", &cfg.Execution.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "ASKDB_EXECUTION_SUMMARIZE", &cfg.Execution.Summarize); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ASKDB_SESSION_IDLE_TIMEOUT", &cfg.Session.IdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "ASKDB_ARCHIVE_ENABLED", &cfg.Archive.Enabled); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_ARCHIVE_ENDPOINT", &cfg.Archive.Endpoint); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_ARCHIVE_REGION", &cfg.Archive.Region); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_ARCHIVE_BUCKET", &cfg.Archive.Bucket); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_ARCHIVE_ACCESS_KEY", &cfg.Archive.AccessKeyID); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_ARCHIVE_SECRET_KEY", &cfg.Archive.SecretAccessKey); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "ASKDB_ARCHIVE_USE_SSL", &cfg.Archive.UseSSL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_ARCHIVE_PREFIX", &cfg.Archive.Prefix); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "ASKDB_ARCHIVE_AUTO_CREATE_BUCKET", &cfg.Archive.AutoCreateBucket); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "ASKDB_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "ASKDB_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "ASKDB_AUTH_REQUIRED", &cfg.Auth.Required); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys); err != nil {
		return Config{}, err
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.Retrieval.TopK < 1 {
		return Config{}, fmt.Errorf("ASKDB_RETRIEVAL_TOP_K must be >= 1")
	}
	if cfg.Execution.RowCap < 1 {
		return Config{}, fmt.Errorf("ASKDB_EXECUTION_ROW_CAP must be >= 1")
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "askdb-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Store: StoreConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    20,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Embedding: EmbeddingConfig{
			BaseURL: "https://api.openai.com",
			Model:   "text-embedding-3-small",
			Timeout: 30 * time.Second,
		},
		Generation: GenerationConfig{
			BaseURL:     "https://api.openai.com",
			Model:       "gpt-4o-mini",
			Temperature: 0.1,
			Timeout:     30 * time.Second,
		},
		Retrieval: RetrievalConfig{
			TopK:            8,
			TurnTokenBudget: 600,
		},
		Synthesis: SynthesisConfig{
			AllowWrites:            false,
			LargeTableRowThreshold: 100_000,
		},
		Execution: ExecutionConfig{
			RowCap:    500,
			Timeout:   30 * time.Second,
			Summarize: true,
		},
		Session: SessionConfig{
			IdleTimeout: 30 * time.Minute,
		},
		Archive: ArchiveConfig{
			Enabled:          false,
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "askdb",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			AutoCreateBucket: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Execution.Summarize = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.Archive.UseSSL = true
		cfg.Archive.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
