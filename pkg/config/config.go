package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Store backends for execution contexts.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// Config is the server configuration. Values come from struct defaults, then an
// optional YAML file, then environment variables.
type Config struct {
	ListenAddr     string        `yaml:"listenAddr" default:":8080" validate:"required"`
	AllowedOrigins []string      `yaml:"allowedOrigins" default:"[\"http://localhost:3003\"]"`
	ShutdownGrace  time.Duration `yaml:"shutdownGrace" default:"5s"`
	LogLevel       string        `yaml:"logLevel" default:"info" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	LogFormat      string        `yaml:"logFormat" default:"json" validate:"oneof=json text"`
	SeedSample     bool          `yaml:"seedSample" default:"true"`

	Store   StoreConfig   `yaml:"store"`
	Redis   RedisConfig   `yaml:"redis"`
	Engine  EngineConfig  `yaml:"engine"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// StoreConfig selects where flows and execution contexts live.
type StoreConfig struct {
	Backend     string `yaml:"backend" default:"memory" validate:"oneof=memory postgres sqlite redis"`
	DatabaseURL string `yaml:"databaseUrl" validate:"required_if=Backend postgres"`
	SQLitePath  string `yaml:"sqlitePath" default:"chatflow.db" validate:"required_if=Backend sqlite"`
	MaxConns    int32  `yaml:"maxConns" default:"10" validate:"min=1"`
}

// RedisConfig configures the Redis client used by the redis backend and the distributed locker.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"min=0"`
	LockTTL  time.Duration `yaml:"lockTtl" default:"30s"`
}

// EngineConfig bounds a single conversation turn.
type EngineConfig struct {
	MaxStepsPerTurn int  `yaml:"maxStepsPerTurn" default:"100" validate:"min=1"`
	DistributedLock bool `yaml:"distributedLock"`
}

// WebhookConfig configures the webhook integration's HTTP client.
type WebhookConfig struct {
	Timeout    time.Duration `yaml:"timeout" default:"10s"`
	RetryCount int           `yaml:"retryCount" default:"2" validate:"min=0,max=10"`
}

var validate = validator.New()

// Load builds the configuration. path may be empty, in which case only defaults and the
// environment apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("DATABASE_URL"); ok {
		cfg.Store.DatabaseURL = v
	}
	if v, ok := os.LookupEnv("STORE_BACKEND"); ok {
		cfg.Store.Backend = v
	}
	if v, ok := os.LookupEnv("REDIS_ADDR"); ok {
		cfg.Redis.Addr = v
	}
	if v, ok := os.LookupEnv("LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
}

// Validate checks field rules and the cross-field requirements between backends and Redis.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, len(fieldErrs))
			for i, fe := range fieldErrs {
				msgs[i] = fmt.Sprintf("field '%s' failed validation (rule: %s)", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("config validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}
	if (c.Store.Backend == BackendRedis || c.Engine.DistributedLock) && c.Redis.Addr == "" {
		return errors.New("config validation failed: redis.addr is required by the redis backend and the distributed lock")
	}
	return nil
}
