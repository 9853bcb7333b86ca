package kyrtizanka

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, "test.sqlite3")
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.Development = true
	cfg.Discord.Token = fmt.Sprintf("discord_token-%s", t.Name())
	cfg.Discord.ApplicationID = fmt.Sprintf("discord_app_id-%s", t.Name())
	cfg.API.Listen = "127.0.0.1:0"
	cfg.Discord.WebhookServer.Listen = "127.0.0.1:0"

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.Discord.WebhookServer.LogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)
	return cfg
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(cfg *Config)
		wantErr bool
	}{
		{
			name:   "defaults",
			modify: func(*Config) {},
		},
		{
			name: "missing token",
			modify: func(cfg *Config) {
				cfg.Discord.Token = ""
			},
			wantErr: true,
		},
		{
			name: "missing application id",
			modify: func(cfg *Config) {
				cfg.Discord.ApplicationID = ""
			},
			wantErr: true,
		},
		{
			name: "invalid database type",
			modify: func(cfg *Config) {
				cfg.DatabaseType = "mysql"
			},
			wantErr: true,
		},
		{
			name: "unsupported language",
			modify: func(cfg *Config) {
				cfg.Discord.Language = "de"
			},
			wantErr: true,
		},
		{
			name: "invalid default vote duration",
			modify: func(cfg *Config) {
				cfg.Votes.DefaultDuration = "soon"
			},
			wantErr: true,
		},
		{
			name: "webhook without public key",
			modify: func(cfg *Config) {
				cfg.Discord.WebhookServer.Enabled = true
			},
			wantErr: true,
		},
		{
			name: "negative rate limit",
			modify: func(cfg *Config) {
				cfg.Discord.RateLimit = -1
			},
			wantErr: true,
		},
		{
			name: "rate limit disabled",
			modify: func(cfg *Config) {
				cfg.Discord.RateLimit = 0
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)
				err := ValidateConfig(cfg)
				if tc.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
			},
		)
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var written map[string]any
	require.NoError(t, yaml.Unmarshal(data, &written))
	assert.Equal(t, DefaultDatabaseType, written["database_type"])

	discord, ok := written["discord"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, DefaultDiscordCommandPrefix, discord["command_prefix"])

	votes, ok := written["votes"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, DefaultVoteDuration, votes["default_duration"])

	// never overwrites
	assert.Error(t, WriteDefaultConfig(path))
}

func TestConfig_LogValueRedacted(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Discord.SentryDSN = "https://key@sentry.example.com/1"

	rendered := cfg.LogValue().String()
	assert.NotContains(t, rendered, cfg.Discord.Token)
	assert.NotContains(t, rendered, cfg.Discord.SentryDSN)
	assert.NotContains(t, rendered, cfg.Database)
}

func TestCORSConfig_GINConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultCORSConfig()
	ginCfg := cfg.GINConfig()
	assert.True(t, ginCfg.AllowAllOrigins)
	assert.False(t, ginCfg.AllowCredentials)

	cfg.AllowOrigins = []string{"https://example.com"}
	ginCfg = cfg.GINConfig()
	assert.False(t, ginCfg.AllowAllOrigins)
	assert.Equal(t, []string{"https://example.com"}, ginCfg.AllowOrigins)
}
