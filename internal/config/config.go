package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"3100"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`

	Database  DatabaseConfig
	LLM       LLMConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Neo4j     Neo4jConfig
	Auth      AuthConfig
	Ingestion IngestionConfig
	Inference InferenceConfig
	Facts     FactsConfig
	Otel      OtelConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"300s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"tabgraph"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"tabgraph"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
	AutoMigrate  bool          `env:"DB_AUTO_MIGRATE" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// LLMConfig configures the model-backed suggestion oracle.
// Without credentials the rule-based oracle is used.
type LLMConfig struct {
	GCPProjectID     string        `env:"GCP_PROJECT_ID" envDefault:""`
	VertexAILocation string        `env:"VERTEX_AI_LOCATION" envDefault:"global"`
	GoogleAPIKey     string        `env:"GOOGLE_API_KEY" envDefault:""`
	Model            string        `env:"LLM_MODEL" envDefault:"gemini-2.5-flash"`
	Temperature      float32       `env:"LLM_TEMPERATURE" envDefault:"0"`
	MaxOutputTokens  int32         `env:"LLM_MAX_OUTPUT_TOKENS" envDefault:"8192"`
	Timeout          time.Duration `env:"LLM_TIMEOUT" envDefault:"60s"`
	RatePerSecond    float64       `env:"LLM_RATE_PER_SEC" envDefault:"2"`
	Burst            int           `env:"LLM_RATE_BURST" envDefault:"4"`
	NetworkDisabled  bool          `env:"LLM_NETWORK_DISABLED" envDefault:"false"`
}

// IsEnabled returns true if a model backend is configured
func (l *LLMConfig) IsEnabled() bool {
	if l.NetworkDisabled {
		return false
	}
	return l.UseVertexAI() || l.GoogleAPIKey != ""
}

// UseVertexAI returns true if Vertex AI should be used
func (l *LLMConfig) UseVertexAI() bool {
	return l.GCPProjectID != "" && l.VertexAILocation != ""
}

// StorageConfig holds S3/MinIO settings for archived row-set uploads
type StorageConfig struct {
	Endpoint  string `env:"STORAGE_ENDPOINT" envDefault:""`
	AccessKey string `env:"STORAGE_ACCESS_KEY" envDefault:""`
	SecretKey string `env:"STORAGE_SECRET_KEY" envDefault:""`
	Region    string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	Bucket    string `env:"STORAGE_BUCKET_IMPORTS" envDefault:"imports"`
}

// Enabled returns true if storage is configured
func (s *StorageConfig) Enabled() bool {
	return s.Endpoint != "" && s.AccessKey != "" && s.SecretKey != ""
}

// RedisConfig configures the optional registry snapshot cache
type RedisConfig struct {
	Addr        string        `env:"REDIS_ADDR" envDefault:""`
	Password    string        `env:"REDIS_PASSWORD" envDefault:""`
	DB          int           `env:"REDIS_DB" envDefault:"0"`
	SnapshotTTL time.Duration `env:"REDIS_SNAPSHOT_TTL" envDefault:"5m"`
}

// Enabled returns true if a Redis address is set
func (r *RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// Neo4jConfig configures the optional graph projection
type Neo4jConfig struct {
	URI         string        `env:"NEO4J_URI" envDefault:""`
	User        string        `env:"NEO4J_USER" envDefault:"neo4j"`
	Password    string        `env:"NEO4J_PASSWORD" envDefault:""`
	Database    string        `env:"NEO4J_DATABASE" envDefault:""`
	Timeout     time.Duration `env:"NEO4J_TIMEOUT" envDefault:"10s"`
	MaxPoolSize int           `env:"NEO4J_MAX_POOL_SIZE" envDefault:"50"`
}

// Enabled returns true if a Neo4j URI is set
func (n *Neo4jConfig) Enabled() bool {
	return n.URI != ""
}

// AuthConfig configures bearer token verification.
// With Disabled set, the tenant is read from the X-Tenant-ID header instead.
type AuthConfig struct {
	JWTSecret string `env:"AUTH_JWT_SECRET" envDefault:""`
	Issuer    string `env:"AUTH_JWT_ISSUER" envDefault:""`
	Disabled  bool   `env:"AUTH_DISABLED" envDefault:"false"`
}

// IngestionConfig holds materializer and validator settings
type IngestionConfig struct {
	EntityBatchSize   int   `env:"INGEST_ENTITY_BATCH_SIZE" envDefault:"1000"`
	RelationBatchSize int   `env:"INGEST_RELATION_BATCH_SIZE" envDefault:"1000"`
	SampleHead        int   `env:"INGEST_SAMPLE_HEAD" envDefault:"10"`
	SampleTail        int   `env:"INGEST_SAMPLE_TAIL" envDefault:"10"`
	MaxUploadBytes    int64 `env:"INGEST_MAX_UPLOAD_BYTES" envDefault:"52428800"`
}

// InferenceConfig holds relation inference worker settings
type InferenceConfig struct {
	WorkerEnabled         bool `env:"INFERENCE_WORKER_ENABLED" envDefault:"true"`
	WorkerIntervalMs      int  `env:"INFERENCE_WORKER_INTERVAL_MS" envDefault:"5000"`
	BatchSize             int  `env:"INFERENCE_BATCH_SIZE" envDefault:"10"`
	CandidateLimit        int  `env:"INFERENCE_CANDIDATE_LIMIT" envDefault:"100"`
	StaleThresholdMinutes int  `env:"INFERENCE_STALE_MINUTES" envDefault:"10"`
	AutoRetryMax          int  `env:"INFERENCE_AUTO_RETRY_MAX" envDefault:"0"`
	BaseRetryDelaySec     int  `env:"INFERENCE_RETRY_DELAY_SEC" envDefault:"60"`
	MaxRetryDelaySec      int  `env:"INFERENCE_MAX_RETRY_DELAY_SEC" envDefault:"3600"`

	// StaleRecoveryInterval is how often the scheduler resets stuck items.
	StaleRecoveryInterval time.Duration `env:"INFERENCE_STALE_RECOVERY_INTERVAL" envDefault:"10m"`
	StaleRecoverySchedule string        `env:"INFERENCE_STALE_RECOVERY_SCHEDULE" envDefault:""`
}

// WorkerInterval returns the worker interval as a Duration
func (i *InferenceConfig) WorkerInterval() time.Duration {
	return time.Duration(i.WorkerIntervalMs) * time.Millisecond
}

// FactsConfig holds the scheduled L1->L2 normalization settings
type FactsConfig struct {
	SchedulerEnabled bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	Schedule         string        `env:"FACTS_SCHEDULE" envDefault:""`
	Interval         time.Duration `env:"FACTS_INTERVAL" envDefault:"15m"`
	Lookback         time.Duration `env:"FACTS_LOOKBACK" envDefault:"72h"`
	UpsertBatchSize  int           `env:"FACTS_UPSERT_BATCH_SIZE" envDefault:"500"`
	ZonePingLimit    int           `env:"FACTS_ZONE_PING_LIMIT" envDefault:"5000"`
}

// OtelConfig holds OpenTelemetry configuration.
// Tracing is disabled when ExporterEndpoint is empty.
type OtelConfig struct {
	ExporterEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	ServiceName      string  `env:"OTEL_SERVICE_NAME" envDefault:"tabgraph"`
	SamplingRate     float64 `env:"OTEL_SAMPLING_RATE" envDefault:"1.0"`
}

// Enabled returns true when an OTLP endpoint is configured.
func (c OtelConfig) Enabled() bool {
	return c.ExporterEndpoint != ""
}

// Load parses the environment without logging. Used by the CLIs.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("db_host", cfg.Database.Host),
		slog.Bool("llm_enabled", cfg.LLM.IsEnabled()),
		slog.Bool("storage_enabled", cfg.Storage.Enabled()),
		slog.Bool("redis_enabled", cfg.Redis.Enabled()),
		slog.Bool("neo4j_enabled", cfg.Neo4j.Enabled()),
	)

	return cfg, nil
}
