// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, RPC, Catalog, Postgres, Kafka, Redis, Engine, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	RPC      RPCConfig      `yaml:"rpc"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// AdmitRateLimit caps admissions per seller per AdmitRateWindow. Zero
	// disables the limit.
	AdmitRateLimit  int           `yaml:"admitRateLimit"`
	AdmitRateWindow time.Duration `yaml:"admitRateWindow"`
}

// RPCConfig holds the JSON-over-TCP listener settings.
type RPCConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	CallTimeout time.Duration `yaml:"callTimeout"`
}

// CatalogConfig selects the authoritative catalog backend.
type CatalogConfig struct {
	// Backend is one of "memory", "bolt" or "postgres".
	Backend  string `yaml:"backend"`
	BoltPath string `yaml:"boltPath"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	CatalogChanges string `yaml:"catalogChanges"`
	Transactions   string `yaml:"transactions"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
	LockTTL  time.Duration `yaml:"lockTTL"`
}

// EngineConfig tunes the similarity engine: filter sizing, staleness
// bounds, query limits and collaborator timeouts.
type EngineConfig struct {
	ExpectedItems          int           `yaml:"expectedItems"`
	FalsePositiveRate      float64       `yaml:"falsePositiveRate"`
	StalenessBound         time.Duration `yaml:"stalenessBound"`
	RefreshInterval        time.Duration `yaml:"refreshInterval"`
	ConfirmTimeout         time.Duration `yaml:"confirmTimeout"`
	DefaultTolerance       int           `yaml:"defaultTolerance"`
	MaxTolerance           int           `yaml:"maxTolerance"`
	MaxNameLength          int           `yaml:"maxNameLength"`
	MaxResults             int           `yaml:"maxResults"`
	PendingLogLimit        int           `yaml:"pendingLogLimit"`
	HistoryTailLimit       int           `yaml:"historyTailLimit"`
	NearDuplicateTolerance int           `yaml:"nearDuplicateTolerance"`
	RejectNearDuplicates   bool          `yaml:"rejectNearDuplicates"`
	MaxBatchSize           int           `yaml:"maxBatchSize"`
	BatchConcurrency       int           `yaml:"batchConcurrency"`
	InstanceID             string        `yaml:"instanceId"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with defaults suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AdmitRateWindow: time.Minute,
		},
		RPC: RPCConfig{
			Enabled:     true,
			Addr:        ":9300",
			CallTimeout: 10 * time.Second,
		},
		Catalog: CatalogConfig{
			Backend:  "memory",
			BoltPath: "data/catalog.db",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "storefront",
			User:            "storefront",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "catalog-engine",
			Topics: KafkaTopics{
				CatalogChanges: "catalog-changes",
				Transactions:   "transactions-completed",
			},
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
			LockTTL:  5 * time.Second,
		},
		Engine: EngineConfig{
			ExpectedItems:          10000,
			FalsePositiveRate:      0.01,
			StalenessBound:         30 * time.Second,
			RefreshInterval:        15 * time.Second,
			ConfirmTimeout:         2 * time.Second,
			DefaultTolerance:       2,
			MaxTolerance:           3,
			MaxNameLength:          256,
			MaxResults:             100,
			PendingLogLimit:        1024,
			HistoryTailLimit:       512,
			NearDuplicateTolerance: 1,
			MaxBatchSize:           50,
			BatchConcurrency:       8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Catalog.Backend {
	case "memory", "bolt", "postgres":
	default:
		return fmt.Errorf("unknown catalog backend %q", c.Catalog.Backend)
	}
	if c.Server.AdmitRateLimit > 0 && c.Server.AdmitRateWindow <= 0 {
		return fmt.Errorf("server.admitRateWindow must be positive when admitRateLimit is set")
	}
	e := c.Engine
	if e.FalsePositiveRate <= 0 || e.FalsePositiveRate >= 1 {
		return fmt.Errorf("engine.falsePositiveRate must be in (0,1), got %v", e.FalsePositiveRate)
	}
	if e.MaxTolerance <= 0 {
		return fmt.Errorf("engine.maxTolerance must be positive")
	}
	if e.DefaultTolerance < 0 || e.DefaultTolerance > e.MaxTolerance {
		return fmt.Errorf("engine.defaultTolerance must be within [0,%d]", e.MaxTolerance)
	}
	if e.MaxNameLength <= 0 {
		return fmt.Errorf("engine.maxNameLength must be positive")
	}
	if e.ConfirmTimeout <= 0 {
		return fmt.Errorf("engine.confirmTimeout must be positive, got %s", e.ConfirmTimeout)
	}
	return nil
}

// applyEnvOverrides reads CSE_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CSE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CSE_RPC_ADDR"); v != "" {
		cfg.RPC.Addr = v
	}
	if v := os.Getenv("CSE_CATALOG_BACKEND"); v != "" {
		cfg.Catalog.Backend = v
	}
	if v := os.Getenv("CSE_CATALOG_BOLT_PATH"); v != "" {
		cfg.Catalog.BoltPath = v
	}
	if v := os.Getenv("CSE_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("CSE_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("CSE_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("CSE_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("CSE_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("CSE_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("CSE_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("CSE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("CSE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CSE_ENGINE_STALENESS_BOUND"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.StalenessBound = d
		}
	}
	if v := os.Getenv("CSE_ENGINE_INSTANCE_ID"); v != "" {
		cfg.Engine.InstanceID = v
	}
	if v := os.Getenv("CSE_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CSE_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
