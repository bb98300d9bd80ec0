package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sevigo/chat-relay/internal/queue"
)

var redisAddr string

var rootCmd = &cobra.Command{
	Use:   "relay-cli",
	Short: "relay-cli is the command-line interface for the chat relay.",
	Long:  `A CLI for inspecting and managing the chat relay's job queues: viewing per-state counts, requeueing dead jobs, and injecting test jobs.`,
}

func init() { //nolint:gochecknoinits // Cobra command registration
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address")

	if err := viper.BindPFlag("REDIS_ADDR", rootCmd.PersistentFlags().Lookup("redis-addr")); err != nil {
		slog.Error("Error binding flag", "error", err)
	}
}

// initConfig reads in ENV variables if set.
func initConfig() {
	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// openStore connects to Redis and opens the named queue. The cleanup func
// closes both.
func openStore(ctx context.Context, queueName string) (*queue.Store, func(), error) {
	rdb := redis.NewClient(&redis.Options{Addr: viper.GetString("REDIS_ADDR")})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}

	store := queue.NewStore(rdb, queue.StoreConfig{Queue: queueName}, slog.Default())
	return store, func() {
		store.Close()
		_ = rdb.Close()
	}, nil
}
