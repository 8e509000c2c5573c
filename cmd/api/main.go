// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/autoreply"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/fanout"
	"github.com/relaydesk/relaydesk/internal/handler"
	"github.com/relaydesk/relaydesk/internal/llm"
	"github.com/relaydesk/relaydesk/internal/middleware"
	natsclient "github.com/relaydesk/relaydesk/internal/nats"
	"github.com/relaydesk/relaydesk/internal/resolver"
	"github.com/relaydesk/relaydesk/internal/service"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/internal/unread"
	"github.com/relaydesk/relaydesk/pkg/logger"
	"github.com/relaydesk/relaydesk/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "relaydesk", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Storage: MongoDB when configured, in-memory otherwise (local dev).
	var stores store.Stores
	var mongoClient *store.Client
	if cfg.MongoURI != "" {
		mongoClient, err = store.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, log)
		if err != nil {
			log.Error("failed to connect to MongoDB", zap.Error(err))
			os.Exit(1)
		}
		defer mongoClient.Close(ctx)
		if err := mongoClient.EnsureIndexes(ctx); err != nil {
			log.Error("failed to ensure indexes", zap.Error(err))
			os.Exit(1)
		}
		stores = mongoClient.Stores()
	} else {
		log.Warn("MONGO_URI not set, using in-memory stores")
		stores = store.NewMemory()
	}

	// Resolver lock: Redis when configured, in-process otherwise.
	var locks resolver.Locker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer rdb.Close()
		locks = resolver.NewRedisLocker(rdb)
	} else {
		locks = resolver.NewLocalLocker()
	}

	// Fanout hub, with a NATS bridge when clustered.
	hub := fanout.NewHub(log)
	var natsClient *natsclient.Client
	if cfg.NATSURL != "" {
		natsClient, err = natsclient.Connect(natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsClient.Close()

		if _, err := fanout.NewNATSBridge(natsClient.Conn(), hub, log); err != nil {
			log.Error("failed to start fanout bridge", zap.Error(err))
			os.Exit(1)
		}
	}

	// Initialize LLM client
	var llmClient llm.Client
	switch {
	case cfg.DefaultLLM == "openai" && cfg.OpenAIAPIKey != "":
		llmClient, err = llm.NewOpenAIClient(cfg.OpenAIAPIKey)
	case cfg.AnthropicAPIKey != "":
		llmClient, err = llm.NewAnthropicClient(cfg.AnthropicAPIKey)
	case cfg.OpenAIAPIKey != "":
		llmClient, err = llm.NewOpenAIClient(cfg.OpenAIAPIKey)
	}
	if err != nil {
		log.Warn("failed to create LLM client, auto-reply disabled", zap.Error(err))
		llmClient = nil
	}

	// Initialize services
	ledger := unread.NewLedger(stores.Conversations, stores.Messages, stores.LastSeen, log)
	res := resolver.New(stores.Conversations, locks, log)
	messageSvc := service.NewMessageService(stores, ledger, hub, log)
	conversationSvc := service.NewConversationService(stores, ledger, hub, log)

	orchestrator := autoreply.NewOrchestrator(
		stores.Connections, stores.Messages, messageSvc, hub, llmClient,
		cfg.AutoReplyWorkers, cfg.AutoReplyQueueSize, cfg.GenerateTimeout, log,
	)
	defer orchestrator.Close()

	inboundSvc := service.NewInboundService(stores.Connections, res, messageSvc, orchestrator, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(mongoClient, natsClient)
	webhookHandler := handler.NewWebhookHandler(inboundSvc, log)
	widgetHandler := handler.NewWidgetHandler(inboundSvc, messageSvc, hub, log)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	messageHandler := handler.NewMessageHandler(messageSvc, log)
	wsHandler := handler.NewWSHandler(hub, conversationSvc, conversationSvc, cfg.JWTSecret, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Channel webhooks (platform-verified, no JWT)
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		r.Post("/{channel}/{connectionID}", webhookHandler.Receive)
	})

	// Widget endpoints (anonymous customers)
	r.Route("/widget/{connectionID}", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		r.Post("/messages", widgetHandler.PostMessage)
		r.Get("/messages", widgetHandler.ListMessages)
		r.Get("/ws", widgetHandler.Stream)
	})

	// Dashboard API with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", wsHandler.Serve)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", conversationHandler.List)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", conversationHandler.Get)
					r.Patch("/", conversationHandler.Update)
					r.Put("/status", conversationHandler.UpdateStatus)
					r.Put("/auto-reply", conversationHandler.SetAutoReply)
					r.Post("/read", conversationHandler.MarkRead)

					r.Get("/messages", messageHandler.List)
					r.Post("/messages", messageHandler.Reply)
				})
			})
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
