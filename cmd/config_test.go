package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/profile"
	"github.com/spigell/mostaql-notifier/internal/ratelimit"
	"github.com/spigell/mostaql-notifier/internal/scoring"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), app+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func loadConfig(t *testing.T, body string) (*Config, error) {
	t.Helper()
	v := viper.New()
	require.NoError(t, readConfig(v, writeConfig(t, body)))
	return getConfig(v)
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(t, "telegram:\n  chat-id: 42\n")
	require.NoError(t, err)

	assert.Equal(t, "profile.yaml", cfg.ProfileFile)
	assert.Equal(t, 5*time.Minute, cfg.Interval)
	assert.Equal(t, int64(42), cfg.Telegram.ChatID)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 3, cfg.Collector.MaxPages)
	assert.Equal(t, 0.5, cfg.RateLimits.Partitions[ratelimit.PartitionSource].Rate)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, scoring.DefaultConfig(), cfg.Scoring)
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	cfg, err := loadConfig(t, `
interval: 90s
telegram:
  chat-id: -100123
scoring:
  threshold: 0.75
  weights:
    ai: 0.9
    budget: 0.1
    recency: 0
    client: 0
rate-limits:
  partitions:
    ai:
      rate: 2
      burst: 4
`)
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.Interval)
	assert.Equal(t, int64(-100123), cfg.Telegram.ChatID)
	assert.Equal(t, 0.75, cfg.Scoring.Threshold)
	assert.Equal(t, scoring.Weights{AI: 0.9, Budget: 0.1}, cfg.Scoring.Weights)
	assert.Equal(t, ratelimit.Config{Rate: 2, Burst: 4}, cfg.RateLimits.Partitions[ratelimit.PartitionAI])
	// Untouched partitions keep their defaults.
	assert.Equal(t, 3, cfg.RateLimits.Partitions[ratelimit.PartitionNotify].Burst)
}

func TestConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("MOSTAQL_PIPELINE_WORKERS", "7")
	t.Setenv("MOSTAQL_TELEGRAM_CHAT_ID", "99")
	t.Setenv("MOSTAQL_DATABASE_URL", "postgres://localhost/mostaql")

	cfg, err := loadConfig(t, "interval: 1m\n")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Pipeline.Workers)
	assert.Equal(t, int64(99), cfg.Telegram.ChatID)

	dsn, err := cfg.databaseURL()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/mostaql", dsn)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing chat id",
			body: "interval: 1m\n",
			want: "ChatID",
		},
		{
			name: "interval too short",
			body: "interval: 500ms\ntelegram:\n  chat-id: 1\n",
			want: "Interval",
		},
		{
			name: "unknown partition",
			body: "telegram:\n  chat-id: 1\nrate-limits:\n  partitions:\n    email:\n      rate: 1\n      burst: 1\n",
			want: `unknown rate limit partition "email"`,
		},
		{
			name: "zero workers",
			body: "telegram:\n  chat-id: 1\npipeline:\n  workers: 0\n",
			want: "Workers",
		},
		{
			name: "unknown disabled filter",
			body: "telegram:\n  chat-id: 1\ndisabled-filters: [spam]\n",
			want: `unknown filter "spam"`,
		},
		{
			name: "redis without ttl",
			body: "telegram:\n  chat-id: 1\nredis:\n  url: redis://localhost:6379\n  lock-ttl: 0s\n",
			want: "lock-ttl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(t, tt.body)
			if err == nil {
				t.Fatalf("expected an error containing %q", tt.want)
			}
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDisabledFiltersStayInChain(t *testing.T) {
	cfg, err := loadConfig(t, "telegram:\n  chat-id: 1\ndisabled-filters: [irrelevant]\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"irrelevant"}, cfg.DisabledFilters)

	chain, err := prepareFilters(cfg, &profile.Profile{}, zap.NewNop())
	require.NoError(t, err)

	got := make(map[string]bool)
	for _, status := range chain.Describe() {
		got[status.Name] = status.Enabled
	}
	assert.Equal(t, map[string]bool{
		"required_fields":     true,
		"excluded_publishers": true,
		"exclude_file":        true,
		"irrelevant":          false,
	}, got)
}

func TestReadConfigWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	v := viper.New()
	require.NoError(t, readConfig(v, ""))
	assert.Equal(t, 5*time.Minute, v.GetDuration("interval"))

	require.Error(t, readConfig(viper.New(), filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestSecretsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("  123:abc\n"), 0o600))

	cfg := &Config{Telegram: TelegramConfig{TokenFile: path, Token: "inline"}}
	token, err := cfg.telegramToken()
	require.NoError(t, err)
	assert.Equal(t, "123:abc", token)

	key, err := (&Config{}).groqKey()
	require.NoError(t, err)
	assert.Empty(t, key, "groq is optional")
}
