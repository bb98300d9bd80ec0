// Package config loads application settings from environment variables and
// an optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string
	Port            int
	Username        string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the Redis connection settings shared by the job queues.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig tunes one worker pool and its backing queue.
type QueueConfig struct {
	Concurrency int
	MaxAttempts int
	BackoffBase time.Duration
	RateMax     int
	RateWindow  time.Duration
}

// MonitorConfig configures the Slack channel polling loops.
type MonitorConfig struct {
	Interval time.Duration
	// Channels lists monitored channels as "orgSlug:channelID" pairs.
	Channels []string
}

// Config holds the application's configuration values.
type Config struct {
	ServerPort string
	LogLevel   slog.Level
	LogFormat  string

	Database DatabaseConfig
	Redis    RedisConfig

	AnthropicAPIKey  string
	AnthropicBaseURL string

	SlackBotToken      string
	SlackSigningSecret string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	Messages QueueConfig
	Webhooks QueueConfig
	Monitor  MonitorConfig
}

// LoadConfig reads configuration from environment variables and a .env file,
// sets sensible defaults, and validates required fields.
func LoadConfig() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")

	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", 5432)
	viper.SetDefault("DB_USER", "relay")
	viper.SetDefault("DB_NAME", "chat_relay")
	viper.SetDefault("DB_SSL_MODE", "disable")
	viper.SetDefault("DB_MAX_OPEN_CONNS", 10)
	viper.SetDefault("DB_CONN_MAX_LIFETIME", "30m")

	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_DB", 0)

	viper.SetDefault("MESSAGE_CONCURRENCY", 10)
	viper.SetDefault("MESSAGE_MAX_ATTEMPTS", 3)
	viper.SetDefault("MESSAGE_BACKOFF_BASE", "2s")
	viper.SetDefault("MESSAGE_RATE_MAX", 100)
	viper.SetDefault("MESSAGE_RATE_WINDOW", "60s")

	viper.SetDefault("WEBHOOK_CONCURRENCY", 5)
	viper.SetDefault("WEBHOOK_MAX_ATTEMPTS", 5)
	viper.SetDefault("WEBHOOK_BACKOFF_BASE", "5s")
	viper.SetDefault("WEBHOOK_RATE_MAX", 50)
	viper.SetDefault("WEBHOOK_RATE_WINDOW", "60s")

	viper.SetDefault("MONITOR_INTERVAL", "10s")
	viper.SetDefault("MONITOR_CHANNELS", "")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", "error", err)
		}
	}

	if viper.GetString("ANTHROPIC_API_KEY") == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY must be set")
	}
	if viper.GetString("DB_PASSWORD") == "" {
		return nil, fmt.Errorf("DB_PASSWORD must be set")
	}

	var logLevel slog.Level
	logLevelStr := strings.ToLower(viper.GetString("LOG_LEVEL"))
	switch logLevelStr {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	case "info":
		logLevel = slog.LevelInfo
	default:
		slog.Warn("unrecognized log level, defaulting to info", "provided", logLevelStr)
		logLevel = slog.LevelInfo
	}

	return &Config{
		ServerPort: viper.GetString("SERVER_PORT"),
		LogLevel:   logLevel,
		LogFormat:  viper.GetString("LOG_FORMAT"),
		Database: DatabaseConfig{
			Host:            viper.GetString("DB_HOST"),
			Port:            viper.GetInt("DB_PORT"),
			Username:        viper.GetString("DB_USER"),
			Password:        viper.GetString("DB_PASSWORD"),
			Database:        viper.GetString("DB_NAME"),
			SSLMode:         viper.GetString("DB_SSL_MODE"),
			MaxOpenConns:    viper.GetInt("DB_MAX_OPEN_CONNS"),
			ConnMaxLifetime: viper.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("REDIS_ADDR"),
			Password: viper.GetString("REDIS_PASSWORD"),
			DB:       viper.GetInt("REDIS_DB"),
		},
		AnthropicAPIKey:    viper.GetString("ANTHROPIC_API_KEY"),
		AnthropicBaseURL:   viper.GetString("ANTHROPIC_BASE_URL"),
		SlackBotToken:      viper.GetString("SLACK_BOT_TOKEN"),
		SlackSigningSecret: viper.GetString("SLACK_SIGNING_SECRET"),
		TwilioAccountSID:   viper.GetString("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    viper.GetString("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:   viper.GetString("TWILIO_FROM_NUMBER"),
		Messages: QueueConfig{
			Concurrency: viper.GetInt("MESSAGE_CONCURRENCY"),
			MaxAttempts: viper.GetInt("MESSAGE_MAX_ATTEMPTS"),
			BackoffBase: viper.GetDuration("MESSAGE_BACKOFF_BASE"),
			RateMax:     viper.GetInt("MESSAGE_RATE_MAX"),
			RateWindow:  viper.GetDuration("MESSAGE_RATE_WINDOW"),
		},
		Webhooks: QueueConfig{
			Concurrency: viper.GetInt("WEBHOOK_CONCURRENCY"),
			MaxAttempts: viper.GetInt("WEBHOOK_MAX_ATTEMPTS"),
			BackoffBase: viper.GetDuration("WEBHOOK_BACKOFF_BASE"),
			RateMax:     viper.GetInt("WEBHOOK_RATE_MAX"),
			RateWindow:  viper.GetDuration("WEBHOOK_RATE_WINDOW"),
		},
		Monitor: MonitorConfig{
			Interval: viper.GetDuration("MONITOR_INTERVAL"),
			Channels: ParseMonitorChannels(viper.GetString("MONITOR_CHANNELS")),
		},
	}, nil
}

// ParseMonitorChannels splits a comma-separated "orgSlug:channelID" list,
// dropping empty entries.
func ParseMonitorChannels(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
