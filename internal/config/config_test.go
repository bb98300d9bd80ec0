package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseMonitorChannels(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", []string{}},
		{"single", "acme:C123", []string{"acme:C123"}},
		{"multiple", "acme:C123,globex:C456", []string{"acme:C123", "globex:C456"}},
		{"whitespace and empties", " acme:C123 , , globex:C456,", []string{"acme:C123", "globex:C456"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ParseMonitorChannels(tt.raw))
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("DB_PASSWORD", "pw")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.ServerPort)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, "chat_relay", cfg.Database.Database)

	require.Equal(t, 10, cfg.Messages.Concurrency)
	require.Equal(t, 3, cfg.Messages.MaxAttempts)
	require.Equal(t, 2*time.Second, cfg.Messages.BackoffBase)
	require.Equal(t, 100, cfg.Messages.RateMax)
	require.Equal(t, time.Minute, cfg.Messages.RateWindow)

	require.Equal(t, 5, cfg.Webhooks.Concurrency)
	require.Equal(t, 50, cfg.Webhooks.RateMax)

	require.Equal(t, 10*time.Second, cfg.Monitor.Interval)
	require.Empty(t, cfg.Monitor.Channels)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MESSAGE_CONCURRENCY", "3")
	t.Setenv("MONITOR_CHANNELS", "acme:C123,globex:C456")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, "9999", cfg.ServerPort)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.Equal(t, 3, cfg.Messages.Concurrency)
	require.Equal(t, []string{"acme:C123", "globex:C456"}, cfg.Monitor.Channels)
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("DB_PASSWORD", "pw")
	_, err := LoadConfig()
	require.ErrorContains(t, err, "ANTHROPIC_API_KEY")

	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("DB_PASSWORD", "")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "DB_PASSWORD")
}
