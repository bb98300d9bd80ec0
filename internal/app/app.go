// Package app initializes and orchestrates the main components of the chat
// relay. It wires together the configuration, storage, queues, workers,
// channel monitor, and HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/sevigo/chat-relay/internal/config"
	"github.com/sevigo/chat-relay/internal/dispatch"
	"github.com/sevigo/chat-relay/internal/llm"
	"github.com/sevigo/chat-relay/internal/monitor"
	"github.com/sevigo/chat-relay/internal/queue"
	"github.com/sevigo/chat-relay/internal/relay"
	"github.com/sevigo/chat-relay/internal/server"
	"github.com/sevigo/chat-relay/internal/slack"
	"github.com/sevigo/chat-relay/internal/storage"
	"github.com/sevigo/chat-relay/internal/whatsapp"
)

// App holds the main application components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	server  *server.Server
	monitor *monitor.Manager

	messagePool *queue.WorkerPool
	webhookPool *queue.WorkerPool

	messageStore *queue.Store
	webhookStore *queue.Store

	rdb     *redis.Client
	closeDB func()
}

// NewApp sets up the application with all its dependencies.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	logger.Info("initializing chat relay",
		"server_port", cfg.ServerPort,
		"redis_addr", cfg.Redis.Addr,
		"monitored_channels", len(cfg.Monitor.Channels),
	)

	dbConn, closeDB, err := storage.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	store := storage.NewStore(dbConn)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		closeDB()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	messageStore := queue.NewStore(rdb, queue.StoreConfig{
		Queue:       "messages",
		MaxAttempts: cfg.Messages.MaxAttempts,
		Backoff:     queue.Backoff{Kind: queue.BackoffExponential, Base: cfg.Messages.BackoffBase},
	}, logger)
	webhookStore := queue.NewStore(rdb, queue.StoreConfig{
		Queue:       "webhooks",
		MaxAttempts: cfg.Webhooks.MaxAttempts,
		Backoff:     queue.Backoff{Kind: queue.BackoffExponential, Base: cfg.Webhooks.BackoffBase},
	}, logger)

	dispatcher := dispatch.New(messageStore, webhookStore, logger)

	completer := llm.NewClient(llm.Config{
		APIKey:  cfg.AnthropicAPIKey,
		BaseURL: cfg.AnthropicBaseURL,
	}, logger)
	slackClient := slack.NewClient(slack.Config{BotToken: cfg.SlackBotToken}, logger)
	whatsappClient := whatsapp.NewClient(whatsapp.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioFromNumber,
	}, logger)

	processor := relay.NewProcessor(store, completer, slackClient, whatsappClient, logger)
	messagePool := queue.NewWorkerPool(messageStore, relay.NewMessageHandler(processor), queue.WorkerConfig{
		Concurrency: cfg.Messages.Concurrency,
		Rate:        queue.RateLimit{Max: cfg.Messages.RateMax, Window: cfg.Messages.RateWindow},
	}, logger)

	webhookSender := relay.NewWebhookSender(logger)
	webhookPool := queue.NewWorkerPool(webhookStore, relay.NewWebhookHandler(webhookSender), queue.WorkerConfig{
		Concurrency: cfg.Webhooks.Concurrency,
		Rate:        queue.RateLimit{Max: cfg.Webhooks.RateMax, Window: cfg.Webhooks.RateWindow},
	}, logger)

	monitorMgr := monitor.NewManager(slackClient, store, dispatcher, logger)

	router := server.NewRouter(cfg, store, dispatcher, logger)
	httpServer := server.NewServer(cfg.ServerPort, router, logger)

	logger.Info("chat relay initialized successfully")
	return &App{
		cfg:          cfg,
		logger:       logger,
		server:       httpServer,
		monitor:      monitorMgr,
		messagePool:  messagePool,
		webhookPool:  webhookPool,
		messageStore: messageStore,
		webhookStore: webhookStore,
		rdb:          rdb,
		closeDB:      closeDB,
	}, nil
}

// Start launches the worker pools and channel monitors, then runs the HTTP
// server until it shuts down or fails.
func (a *App) Start(ctx context.Context) error {
	a.messagePool.Start()
	a.webhookPool.Start()

	for _, entry := range a.cfg.Monitor.Channels {
		orgSlug, channelID, ok := strings.Cut(entry, ":")
		if !ok || orgSlug == "" || channelID == "" {
			a.logger.Warn("skipping malformed monitor channel entry", "entry", entry)
			continue
		}
		a.monitor.StartMonitor(monitor.Config{
			OrgSlug:   orgSlug,
			ChannelID: channelID,
			Interval:  a.cfg.Monitor.Interval,
		})
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	return g.Wait()
}

// Stop shuts down the application cleanly. Order matters: the HTTP server
// stops accepting new work first, then the pollers, then the worker pools
// drain their in-flight jobs, and only then do the shared connections close.
func (a *App) Stop() error {
	a.logger.Info("shutting down chat relay services")

	serverErr := a.server.Stop()
	if serverErr != nil {
		a.logger.Error("error during HTTP server shutdown", "error", serverErr)
	}

	a.monitor.StopAll()

	a.messagePool.Stop()
	a.webhookPool.Stop()

	a.messageStore.Close()
	a.webhookStore.Close()

	if err := a.rdb.Close(); err != nil {
		a.logger.Error("error closing redis connection", "error", err)
	}
	a.closeDB()

	if serverErr != nil {
		return serverErr
	}
	a.logger.Info("chat relay stopped successfully")
	return nil
}
