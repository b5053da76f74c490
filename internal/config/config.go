package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all configuration for the autograde server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Worker    WorkerConfig
	AI        AIConfig
	Quota     QuotaConfig
	Documents DocumentsConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	RateLimitPerMin   int
	BootstrapAdminKey string
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL          string
	JobStatusTTL time.Duration
	TaskClaimTTL time.Duration
}

type WorkerConfig struct {
	Count int
	Retry RetryConfig
}

type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

type AIConfig struct {
	Providers      []string
	RequestTimeout time.Duration
	RatePerSec     float64
	Burst          int
	MaxTokens      int
	OpenAI         OpenAIConfig
	Anthropic      AnthropicConfig
	Ollama         OllamaConfig
	Gemini         GeminiConfig
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

type OllamaConfig struct {
	BaseURL string
}

type GeminiConfig struct {
	APIKey string
}

type QuotaConfig struct {
	DailyLimit int
}

type DocumentsConfig struct {
	Root string
}

var validProviders = map[string]bool{
	"mock":      true,
	"openai":    true,
	"anthropic": true,
	"ollama":    true,
	"gemini":    true,
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory is applied first when present; real
// environment variables always win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("AUTOGRADE_PORT", 8080),
			Env:               envString("AUTOGRADE_ENV", "development"),
			RateLimitPerMin:   envInt("RATE_LIMIT_PER_MIN", 60),
			BootstrapAdminKey: os.Getenv("BOOTSTRAP_ADMIN_KEY"),
		},
		Database: DatabaseConfig{
			Driver:          envString("STORE_DRIVER", DriverPostgres),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			JobStatusTTL: envDuration("JOB_STATUS_CACHE_TTL", 5*time.Second),
			TaskClaimTTL: envDuration("TASK_CLAIM_TTL", time.Hour),
		},
		Worker: WorkerConfig{
			Count: envInt("WORKER_COUNT", 8),
			Retry: RetryConfig{
				MaxAttempts:     envInt("RETRY_MAX_ATTEMPTS", 3),
				InitialInterval: envDuration("RETRY_INITIAL_INTERVAL", 500*time.Millisecond),
				MaxInterval:     envDuration("RETRY_MAX_INTERVAL", 10*time.Second),
				Multiplier:      envFloat("RETRY_MULTIPLIER", 2.0),
			},
		},
		AI: AIConfig{
			Providers:      envList("AI_PROVIDERS", []string{"mock"}),
			RequestTimeout: envDurationSecs("AI_REQUEST_TIMEOUT_SECS", 60*time.Second),
			RatePerSec:     envFloat("PROVIDER_RATE_PER_SEC", 5),
			Burst:          envInt("PROVIDER_BURST", 10),
			MaxTokens:      envInt("AI_MAX_TOKENS", 2048),
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
			},
			Anthropic: AnthropicConfig{
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			},
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
			},
			Gemini: GeminiConfig{
				APIKey: os.Getenv("GEMINI_API_KEY"),
			},
		},
		Quota: QuotaConfig{
			DailyLimit: envInt("QUOTA_DAILY_LIMIT", 0),
		},
		Documents: DocumentsConfig{
			Root: envString("DOCUMENT_ROOT", "./documents"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// HasProvider reports whether name is enabled.
func (c AIConfig) HasProvider(name string) bool {
	for _, p := range c.Providers {
		if p == name {
			return true
		}
	}
	return false
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_DRIVER is postgres")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be one of postgres, memory; got %q", c.Database.Driver)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("AUTOGRADE_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.Worker.Count)
	}
	if c.Worker.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.Worker.Retry.MaxAttempts)
	}
	if c.Worker.Retry.Multiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be at least 1, got %v", c.Worker.Retry.Multiplier)
	}
	if c.Worker.Retry.InitialInterval > c.Worker.Retry.MaxInterval {
		return fmt.Errorf("RETRY_INITIAL_INTERVAL must not exceed RETRY_MAX_INTERVAL")
	}
	if c.AI.RatePerSec <= 0 || c.AI.Burst < 1 {
		return fmt.Errorf("PROVIDER_RATE_PER_SEC and PROVIDER_BURST must be positive")
	}
	if c.Quota.DailyLimit < 0 {
		return fmt.Errorf("QUOTA_DAILY_LIMIT must not be negative, got %d", c.Quota.DailyLimit)
	}

	if len(c.AI.Providers) == 0 {
		return fmt.Errorf("AI_PROVIDERS must list at least one provider")
	}
	for _, p := range c.AI.Providers {
		if !validProviders[p] {
			return fmt.Errorf("AI_PROVIDERS entries must be one of mock, openai, anthropic, ollama, gemini; got %q", p)
		}
	}
	if c.AI.HasProvider("openai") && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDERS includes openai")
	}
	if c.AI.HasProvider("anthropic") && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDERS includes anthropic")
	}
	if c.AI.HasProvider("gemini") && c.AI.Gemini.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when AI_PROVIDERS includes gemini")
	}
	if c.AI.HasProvider("ollama") && !isHTTPURL(c.AI.Ollama.BaseURL) {
		return fmt.Errorf("OLLAMA_BASE_URL must start with http:// or https://, got %q", c.AI.Ollama.BaseURL)
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
