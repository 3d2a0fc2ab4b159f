package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable for the greenlight server, sourced from
// environment variables (loaded from .env for local runs). All components
// receive their slice of this at construction time; nothing reads the
// environment after startup.
type Config struct {
	Server     Server
	ERP        ERP
	LLM        LLM
	Approval   Approval
	Retry      Retry
	Breaker    Breaker
	Workflow   Workflow
	Postgres   Postgres
	Redis      Redis
	ClickHouse ClickHouse
}

type Server struct {
	Port     string `split_words:"true" default:"8080"`
	LogLevel string `split_words:"true" default:"info"`
}

// ERP configures the client for the ERP REST API.
type ERP struct {
	BaseURL        string        `split_words:"true" required:"true"`
	APIKey         string        `split_words:"true" required:"true"`
	APISecret      string        `split_words:"true" required:"true"`
	RateLimitRPS   float64       `split_words:"true" default:"10"`
	RateLimitBurst int           `split_words:"true" default:"10"`
	MaxBatch       int           `split_words:"true" default:"50"`
	IdempotencyTTL time.Duration `split_words:"true" default:"5m"`
	RequestTimeout time.Duration `split_words:"true" default:"30s"`
}

// LLM configures the chat-completions client. Model selection lives here,
// never in the gateway logic.
type LLM struct {
	BaseURL        string        `split_words:"true"`
	APIKey         string        `split_words:"true"`
	Model          string        `split_words:"true" default:"gpt-4o-mini"`
	RequestTimeout time.Duration `split_words:"true" default:"60s"`
}

type Approval struct {
	Timeout time.Duration `split_words:"true" default:"5m"`
}

type Retry struct {
	MaxRetries   int           `split_words:"true" default:"3"`
	InitialDelay time.Duration `split_words:"true" default:"250ms"`
	MaxDelay     time.Duration `split_words:"true" default:"8s"`
	Multiplier   float64       `split_words:"true" default:"2.0"`
}

type Breaker struct {
	FailureThreshold int           `split_words:"true" default:"5"`
	SuccessThreshold int           `split_words:"true" default:"2"`
	Timeout          time.Duration `split_words:"true" default:"30s"`
}

// Workflow configures the bridge to the remote workflow service.
type Workflow struct {
	BaseURL           string        `split_words:"true"`
	Graphs            []string      `split_words:"true"`
	MaxApprovalRounds int           `split_words:"true" default:"8"`
	RequestTimeout    time.Duration `split_words:"true" default:"120s"`
}

type Postgres struct {
	DSN          string        `envconfig:"DSN"`
	ToolCacheTTL time.Duration `split_words:"true" default:"60s"`
	AuthCacheTTL time.Duration `split_words:"true" default:"30s"`
}

type Redis struct {
	Addr     string `split_words:"true"`
	Password string `split_words:"true"`
	DB       int    `envconfig:"DB" default:"0"`
}

type ClickHouse struct {
	DSN string `envconfig:"DSN"`
}

// Load reads the full configuration from the GREENLIGHT_* environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("greenlight", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
