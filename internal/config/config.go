package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	MinProviderTimeout = 10 * time.Second
	MaxProviderTimeout = 30 * time.Second
)

type Config struct {
	Port     int
	LogLevel string
	AppEnv   string

	OpenAIAPIKey     string
	OpenAIModel      string
	OpenAIBaseURL    string
	GeminiAPIKey     string
	GeminiModel      string
	GeminiBaseURL    string
	StabilityAPIKey  string
	StabilityEngine  string
	StabilityBaseURL string
	AnthropicAPIKey  string
	AnthropicModel   string
	AnthropicBaseURL string

	DefaultProvider string
	ProviderTimeout time.Duration

	HistoryBackend string
	HistoryTTL     time.Duration
	DatabaseURL    string
	BoltPath       string

	NatsURL      string
	NatsToken    string
	UsageSubject string

	StaticDir         string
	BackgroundTimeout time.Duration
}

// Production reports whether error bodies should omit internal details.
// Only an explicit development environment exposes them.
func (c Config) Production() bool {
	return !strings.EqualFold(c.AppEnv, "development")
}

// fileConfig is the optional YAML overlay named by CONFIG_FILE. Environment
// variables take precedence over anything set here.
type fileConfig struct {
	DefaultProvider string `yaml:"default_provider"`
	ProviderTimeout string `yaml:"provider_timeout"`
	Providers       struct {
		OpenAI struct {
			Model   string `yaml:"model"`
			BaseURL string `yaml:"base_url"`
		} `yaml:"openai"`
		Gemini struct {
			Model   string `yaml:"model"`
			BaseURL string `yaml:"base_url"`
		} `yaml:"gemini"`
		Stability struct {
			Engine  string `yaml:"engine"`
			BaseURL string `yaml:"base_url"`
		} `yaml:"stability"`
		Anthropic struct {
			Model   string `yaml:"model"`
			BaseURL string `yaml:"base_url"`
		} `yaml:"anthropic"`
	} `yaml:"providers"`
	History struct {
		Backend string `yaml:"backend"`
		TTL     string `yaml:"ttl"`
	} `yaml:"history"`
}

// Load reads .env (if present), the optional CONFIG_FILE overlay, then the
// process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var fc fileConfig
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg := Config{
		Port:     envInt("WAYNE_PORT", 8080),
		LogLevel: envStr("LOG_LEVEL", "info"),
		AppEnv:   envStr("APP_ENV", "production"),

		OpenAIAPIKey:     envStr("OPENAI_API_KEY", ""),
		OpenAIModel:      envStr("OPENAI_MODEL", or(fc.Providers.OpenAI.Model, "gpt-4")),
		OpenAIBaseURL:    envStr("OPENAI_BASE_URL", fc.Providers.OpenAI.BaseURL),
		GeminiAPIKey:     envStr("GEMINI_API_KEY", ""),
		GeminiModel:      envStr("GEMINI_MODEL", or(fc.Providers.Gemini.Model, "gemini-pro")),
		GeminiBaseURL:    envStr("GEMINI_BASE_URL", fc.Providers.Gemini.BaseURL),
		StabilityAPIKey:  envStr("STABILITY_API_KEY", ""),
		StabilityEngine:  envStr("STABILITY_ENGINE", or(fc.Providers.Stability.Engine, "stable-diffusion-xl-1024-v1-0")),
		StabilityBaseURL: envStr("STABILITY_BASE_URL", fc.Providers.Stability.BaseURL),
		AnthropicAPIKey:  envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:   envStr("ANTHROPIC_MODEL", or(fc.Providers.Anthropic.Model, "claude-sonnet-4-20250514")),
		AnthropicBaseURL: envStr("ANTHROPIC_BASE_URL", fc.Providers.Anthropic.BaseURL),

		DefaultProvider: strings.ToLower(envStr("DEFAULT_PROVIDER", or(fc.DefaultProvider, "openai"))),
		ProviderTimeout: clamp(
			envDuration("PROVIDER_TIMEOUT", parseDuration(fc.ProviderTimeout, MaxProviderTimeout)),
			MinProviderTimeout, MaxProviderTimeout),

		HistoryBackend: strings.ToLower(envStr("HISTORY_BACKEND", or(fc.History.Backend, "memory"))),
		HistoryTTL:     envDuration("HISTORY_TTL", parseDuration(fc.History.TTL, 7*24*time.Hour)),
		DatabaseURL:    envStr("DATABASE_URL", ""),
		BoltPath:       envStr("BOLT_PATH", "data/history.db"),

		NatsURL:      envStr("NATS_URL", ""),
		NatsToken:    envStr("NATS_TOKEN", ""),
		UsageSubject: envStr("USAGE_SUBJECT", "wayne.usage.recorded"),

		StaticDir:         envStr("STATIC_DIR", ""),
		BackgroundTimeout: envDuration("BACKGROUND_TIMEOUT", 5*time.Second),
	}
	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	return parseDuration(os.Getenv(key), fallback)
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return fallback
}

func clamp(d, lo, hi time.Duration) time.Duration {
	return min(max(d, lo), hi)
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
