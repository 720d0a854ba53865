package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration, loaded from pipeline.yaml with
// environment overrides (prefix PLAYBOOK_, e.g. PLAYBOOK_CACHE_ENABLED).
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Routing       RoutingConfig       `mapstructure:"routing"`
	Checkpoint    CheckpointConfig    `mapstructure:"checkpoint"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Session       SessionConfig       `mapstructure:"session"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port      int `mapstructure:"port"`
	AdminPort int `mapstructure:"admin_port"`
}

// CacheConfig controls the document cache.
type CacheConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	TTLMinutes  int  `mapstructure:"ttl_minutes"`
	AutoRefresh bool `mapstructure:"auto_refresh"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// PipelineConfig controls stage execution.
type PipelineConfig struct {
	ParallelEnabled bool `mapstructure:"parallel_enabled"`
	TaskTimeoutMs   int  `mapstructure:"task_timeout_ms"`
	MaxConcurrency  int  `mapstructure:"max_concurrency"`
}

func (c PipelineConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMs) * time.Millisecond
}

// RoutingConfig holds the confidence thresholds for the three-way branch at
// coverage evaluation. High and medium default to 0.80 / 0.50; both are
// hot-reloadable through the config manager.
type RoutingConfig struct {
	HighConfidence   float64 `mapstructure:"high_confidence"`
	MediumConfidence float64 `mapstructure:"medium_confidence"`
}

// CheckpointConfig controls checkpoint cadence and the async writer.
type CheckpointConfig struct {
	Cadence   int `mapstructure:"cadence"`
	QueueSize int `mapstructure:"queue_size"`
	TTLHours  int `mapstructure:"ttl_hours"`
}

func (c CheckpointConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// LLMConfig configures the language-model completion collaborator.
type LLMConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	TimeoutMs      int     `mapstructure:"timeout_ms"`
	RequestsPerSec float64 `mapstructure:"requests_per_sec"`
	Burst          int     `mapstructure:"burst"`
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"database"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxConnections  int    `mapstructure:"max_connections"`
	IdleConnections int    `mapstructure:"idle_connections"`
}

// DSN builds the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type SessionConfig struct {
	TTLHours   int `mapstructure:"ttl_hours"`
	MaxHistory int `mapstructure:"max_history"`
	SeedTurns  int `mapstructure:"seed_turns"`
}

func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

type ObservabilityConfig struct {
	LogLevel string `mapstructure:"log_level"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_port", 8081)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl_minutes", 15)
	v.SetDefault("cache.auto_refresh", true)

	v.SetDefault("pipeline.parallel_enabled", true)
	v.SetDefault("pipeline.task_timeout_ms", 30000)
	v.SetDefault("pipeline.max_concurrency", 4)

	v.SetDefault("routing.high_confidence", 0.80)
	v.SetDefault("routing.medium_confidence", 0.50)

	v.SetDefault("checkpoint.cadence", 3)
	v.SetDefault("checkpoint.queue_size", 256)
	v.SetDefault("checkpoint.ttl_hours", 24)

	v.SetDefault("llm.base_url", "http://llm-service:8000")
	v.SetDefault("llm.timeout_ms", 120000)
	v.SetDefault("llm.requests_per_sec", 10.0)
	v.SetDefault("llm.burst", 20)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "playbook")
	v.SetDefault("postgres.database", "playbook")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_connections", 25)
	v.SetDefault("postgres.idle_connections", 5)

	v.SetDefault("session.ttl_hours", 24)
	v.SetDefault("session.max_history", 200)
	v.SetDefault("session.seed_turns", 20)

	v.SetDefault("observability.log_level", "info")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "playbook-pipeline")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Validate checks invariants that would otherwise surface as engine errors.
func (c *Config) Validate() error {
	if c.Routing.HighConfidence <= 0 || c.Routing.HighConfidence > 1 {
		return fmt.Errorf("routing.high_confidence must be in (0,1], got %v", c.Routing.HighConfidence)
	}
	if c.Routing.MediumConfidence <= 0 || c.Routing.MediumConfidence > 1 {
		return fmt.Errorf("routing.medium_confidence must be in (0,1], got %v", c.Routing.MediumConfidence)
	}
	if c.Routing.MediumConfidence >= c.Routing.HighConfidence {
		return fmt.Errorf("routing.medium_confidence (%v) must be below high_confidence (%v)",
			c.Routing.MediumConfidence, c.Routing.HighConfidence)
	}
	if c.Checkpoint.Cadence < 1 {
		return fmt.Errorf("checkpoint.cadence must be >= 1, got %d", c.Checkpoint.Cadence)
	}
	if c.Pipeline.TaskTimeoutMs <= 0 {
		return fmt.Errorf("pipeline.task_timeout_ms must be positive, got %d", c.Pipeline.TaskTimeoutMs)
	}
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pipeline")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app/config")
	}
	v.SetEnvPrefix("PLAYBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}
