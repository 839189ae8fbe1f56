// Package config loads runtime configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the full runtime configuration of the orchestrator.
type Config struct {
	Port        int    `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// CheckpointBackend selects where conversation state lives:
	// postgres, redis, or memory.
	CheckpointBackend string        `envconfig:"CHECKPOINT_BACKEND" default:"postgres"`
	DatabaseURL       string        `envconfig:"DATABASE_URL"`
	RedisURL          string        `envconfig:"REDIS_URL"`
	RedisThreadTTL    time.Duration `envconfig:"REDIS_THREAD_TTL" default:"0"`

	JWTSecret     string `envconfig:"JWT_SECRET"`
	AgentAPIToken string `envconfig:"AGENT_API_TOKEN"`

	IntentAgentURL   string `envconfig:"INTENT_AGENT_URL" default:"http://intent-agent:8001"`
	SchemaAgentURL   string `envconfig:"SCHEMA_AGENT_URL" default:"http://schema-agent:8002"`
	SQLGenAgentURL   string `envconfig:"SQLGEN_AGENT_URL" default:"http://sql-gen-agent:8003"`
	ValidateAgentURL string `envconfig:"VALIDATE_AGENT_URL" default:"http://sql-validator-agent:8004"`
	ExecuteAgentURL  string `envconfig:"EXECUTE_AGENT_URL" default:"http://sql-executor-agent:8005"`

	StepTimeout           time.Duration `envconfig:"STEP_TIMEOUT" default:"30s"`
	StepTransportRetries  int           `envconfig:"STEP_TRANSPORT_RETRIES" default:"2"`
	StepRetryBackoff      time.Duration `envconfig:"STEP_RETRY_BACKOFF" default:"500ms"`
	MaxValidationAttempts int           `envconfig:"MAX_VALIDATION_ATTEMPTS" default:"3"`

	StrictPGFunctions bool `envconfig:"STRICT_PG_FUNCTIONS" default:"true"`
	MaxSQLLength      int  `envconfig:"MAX_SQL_LENGTH" default:"20000"`
}

// Load reads configuration from the environment. A missing .env file is not
// an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process configuration: %w", err)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.CheckpointBackend == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required with the postgres checkpoint backend")
	}
	if cfg.CheckpointBackend == "redis" && cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required with the redis checkpoint backend")
	}

	return &cfg, nil
}
