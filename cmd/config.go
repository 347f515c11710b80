package cmd

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/spigell/mostaql-notifier/internal/analyzer"
	"github.com/spigell/mostaql-notifier/internal/collector"
	"github.com/spigell/mostaql-notifier/internal/filtering"
	"github.com/spigell/mostaql-notifier/internal/lock"
	"github.com/spigell/mostaql-notifier/internal/mostaql"
	"github.com/spigell/mostaql-notifier/internal/ratelimit"
	"github.com/spigell/mostaql-notifier/internal/scoring"
	"github.com/spigell/mostaql-notifier/internal/secrets"
)

type Config struct {
	ProfileFile        string   `mapstructure:"profile-file" validate:"required"`
	ExcludeFile        string   `mapstructure:"exclude-file"`
	ExcludedPublishers []string `mapstructure:"excluded-publishers"`
	NegativeKeywords   []string `mapstructure:"negative-keywords"`
	DisabledFilters    []string `mapstructure:"disabled-filters"`

	Interval time.Duration `mapstructure:"interval" validate:"gte=1s"`

	Source     mostaql.Config   `mapstructure:"source"`
	Collector  collector.Config `mapstructure:"collector"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	RateLimits RateLimitConfig  `mapstructure:"rate-limits"`
	AI         AIConfig         `mapstructure:"ai"`
	Scoring    scoring.Config   `mapstructure:"scoring"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type PipelineConfig struct {
	Workers      int           `mapstructure:"workers" validate:"gte=1"`
	MaxAttempts  int           `mapstructure:"max-attempts" validate:"gte=1"`
	BatchLimit   int           `mapstructure:"batch-limit" validate:"gte=0"`
	StageTimeout time.Duration `mapstructure:"stage-timeout" validate:"gte=0"`
}

type RateLimitConfig struct {
	Default    ratelimit.Config            `mapstructure:"default"`
	Partitions map[string]ratelimit.Config `mapstructure:"partitions" validate:"dive"`
}

type AIConfig struct {
	Analyzer analyzer.Config `mapstructure:"analyzer"`
	Gemini   GeminiConfig    `mapstructure:"gemini"`
	Groq     GroqConfig      `mapstructure:"groq"`
}

type GeminiConfig struct {
	APIKey          string  `mapstructure:"api-key" json:"-"`
	APIKeyFile      string  `mapstructure:"api-key-file"`
	Model           string  `mapstructure:"model"`
	Temperature     float32 `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxOutputTokens int32   `mapstructure:"max-output-tokens" validate:"gte=0"`
}

type GroqConfig struct {
	APIKey      string        `mapstructure:"api-key" json:"-"`
	APIKeyFile  string        `mapstructure:"api-key-file"`
	Model       string        `mapstructure:"model"`
	URL         string        `mapstructure:"url" validate:"omitempty,url"`
	Temperature float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `mapstructure:"max-tokens" validate:"gte=0"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type TelegramConfig struct {
	Token     string        `mapstructure:"token" json:"-"`
	TokenFile string        `mapstructure:"token-file"`
	ChatID    int64         `mapstructure:"chat-id" validate:"required"`
	Endpoint  string        `mapstructure:"endpoint"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url" json:"-"`
	URLFile  string `mapstructure:"url-file"`
	MaxConns int32  `mapstructure:"max-conns" validate:"gte=0"`
}

type RedisConfig struct {
	URL     string        `mapstructure:"url" json:"-"`
	LockKey string        `mapstructure:"lock-key"`
	LockTTL time.Duration `mapstructure:"lock-ttl" validate:"gte=0"`
}

type MetricsConfig struct {
	// Addr enables the /metrics endpoint when set, e.g. ":9090".
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path" validate:"omitempty,startswith=/"`
}

func knownFilters() []string {
	var names []string
	for _, f := range filtering.Default() {
		names = append(names, f.Name())
	}
	return names
}

var knownPartitions = []string{ratelimit.PartitionSource, ratelimit.PartitionAI, ratelimit.PartitionNotify}

func setDefaults(v *viper.Viper) {
	v.SetDefault("profile-file", "profile.yaml")
	v.SetDefault("interval", 5*time.Minute)

	v.SetDefault("collector.max-pages", 3)
	v.SetDefault("collector.stop-after-seen", 5)
	v.SetDefault("collector.call-timeout", 20*time.Second)
	v.SetDefault("collector.retry-limit", 20)

	v.SetDefault("pipeline.workers", 3)
	v.SetDefault("pipeline.max-attempts", 3)
	v.SetDefault("pipeline.batch-limit", 0)
	v.SetDefault("pipeline.stage-timeout", 2*time.Minute)

	v.SetDefault("rate-limits.default.rate", 1.0)
	v.SetDefault("rate-limits.default.burst", 1)
	v.SetDefault("rate-limits.partitions", map[string]any{
		ratelimit.PartitionSource: map[string]any{"rate": 0.5, "burst": 2},
		ratelimit.PartitionAI:     map[string]any{"rate": 0.25, "burst": 1},
		ratelimit.PartitionNotify: map[string]any{"rate": 1.0, "burst": 3},
	})

	v.SetDefault("ai.analyzer.max-retries", 3)
	v.SetDefault("ai.analyzer.backoff", 2*time.Second)
	v.SetDefault("ai.analyzer.call-timeout", 60*time.Second)
	v.SetDefault("ai.analyzer.max-description", 600)
	v.SetDefault("ai.analyzer.max-log-length", 300)
	v.SetDefault("ai.analyzer.prompt-version", "v1")
	v.SetDefault("ai.gemini.model", "gemini-2.5-flash")
	v.SetDefault("ai.gemini.temperature", 0.3)
	v.SetDefault("ai.gemini.max-output-tokens", 2048)
	v.SetDefault("ai.groq.model", "llama-3.3-70b-versatile")
	v.SetDefault("ai.groq.temperature", 0.3)
	v.SetDefault("ai.groq.max-tokens", 2048)
	v.SetDefault("ai.groq.timeout", 60*time.Second)

	sc := scoring.DefaultConfig()
	v.SetDefault("scoring.threshold", sc.Threshold)
	v.SetDefault("scoring.weights.ai", sc.Weights.AI)
	v.SetDefault("scoring.weights.budget", sc.Weights.Budget)
	v.SetDefault("scoring.weights.recency", sc.Weights.Recency)
	v.SetDefault("scoring.weights.client", sc.Weights.Client)
	v.SetDefault("scoring.dimensions.hiring", sc.Dimensions.Hiring)
	v.SetDefault("scoring.dimensions.fit", sc.Dimensions.Fit)
	v.SetDefault("scoring.dimensions.budget", sc.Dimensions.Budget)
	v.SetDefault("scoring.dimensions.competition", sc.Dimensions.Competition)
	v.SetDefault("scoring.dimensions.clarity", sc.Dimensions.Clarity)
	v.SetDefault("scoring.dimensions.urgency", sc.Dimensions.Urgency)
	v.SetDefault("scoring.recency-half-life", sc.RecencyHalfLife)
	v.SetDefault("scoring.keyword-weight", sc.KeywordWeight)

	v.SetDefault("telegram.timeout", 15*time.Second)

	v.SetDefault("redis.lock-key", lock.DefaultKey)
	v.SetDefault("redis.lock-ttl", 10*time.Minute)

	v.SetDefault("metrics.path", "/metrics")

	// AutomaticEnv only reaches keys viper already knows about.
	for _, key := range []string{
		"ai.gemini.api-key", "ai.gemini.api-key-file",
		"ai.groq.api-key", "ai.groq.api-key-file",
		"telegram.token", "telegram.token-file",
		"database.url", "database.url-file",
		"redis.url", "metrics.addr", "exclude-file",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("telegram.chat-id", 0)
	v.SetDefault("database.max-conns", 0)
}

func getConfig(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed on '%s' validation", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	for name := range c.RateLimits.Partitions {
		if !slices.Contains(knownPartitions, name) {
			return fmt.Errorf("invalid config: unknown rate limit partition %q (known: %v)", name, knownPartitions)
		}
	}
	for _, name := range c.DisabledFilters {
		if !slices.Contains(knownFilters(), name) {
			return fmt.Errorf("invalid config: unknown filter %q in disabled-filters (known: %v)", name, knownFilters())
		}
	}
	if c.Redis.URL != "" && c.Redis.LockTTL <= 0 {
		return errors.New("invalid config: redis.lock-ttl must be positive when redis.url is set")
	}
	return nil
}

// Secrets resolved at startup. The file wins over the environment, which
// wins over the inline value.
func (c *Config) telegramToken() (string, error) {
	return secrets.Load(secrets.Source{
		Name:  "telegram bot token",
		File:  c.Telegram.TokenFile,
		Env:   "TELEGRAM_BOT_TOKEN",
		Value: c.Telegram.Token,
	})
}

func (c *Config) geminiKey() (string, error) {
	return secrets.Optional(secrets.Source{
		Name:  "gemini api key",
		File:  c.AI.Gemini.APIKeyFile,
		Env:   "GEMINI_API_KEY",
		Value: c.AI.Gemini.APIKey,
	})
}

func (c *Config) groqKey() (string, error) {
	return secrets.Optional(secrets.Source{
		Name:  "groq api key",
		File:  c.AI.Groq.APIKeyFile,
		Env:   "GROQ_API_KEY",
		Value: c.AI.Groq.APIKey,
	})
}

func (c *Config) databaseURL() (string, error) {
	return secrets.Optional(secrets.Source{
		Name:  "database url",
		File:  c.Database.URLFile,
		Env:   "DATABASE_URL",
		Value: c.Database.URL,
	})
}
