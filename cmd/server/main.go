// Kozy - emotional-support companion server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/kozy/internal/api"
	"github.com/ashureev/kozy/internal/chatws"
	"github.com/ashureev/kozy/internal/config"
	"github.com/ashureev/kozy/internal/convlog"
	"github.com/ashureev/kozy/internal/formatter"
	"github.com/ashureev/kozy/internal/generate"
	"github.com/ashureev/kozy/internal/identity"
	"github.com/ashureev/kozy/internal/lexicon"
	"github.com/ashureev/kozy/internal/middleware"
	"github.com/ashureev/kozy/internal/pipeline"
	"github.com/ashureev/kozy/internal/retention"
	"github.com/ashureev/kozy/internal/selector"
	"github.com/ashureev/kozy/internal/shared"
	kozysignal "github.com/ashureev/kozy/internal/signal"
	"github.com/ashureev/kozy/internal/state"
	"github.com/ashureev/kozy/internal/store"
	"github.com/ashureev/kozy/internal/templates"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Transcript store.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	// Data tables.
	lex := lexicon.Embedded()
	if cfg.Pipeline.LexiconPath != "" {
		lex, err = lexicon.LoadFile(cfg.Pipeline.LexiconPath)
		if err != nil {
			return fmt.Errorf("load lexicon: %w", err)
		}
	}
	lib := templates.Embedded()

	// Conversation state.
	var (
		stateStore  state.Store
		memoryStore *state.MemoryStore
		statePinger api.Pinger
	)
	switch cfg.State.Backend {
	case config.StateBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.State.RedisAddr,
			Password: cfg.State.RedisPassword,
			DB:       cfg.State.RedisDB,
		})
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				slog.Warn("Failed to close redis client", "error", closeErr)
			}
		}()
		rs := state.NewRedisStore(client, cfg.State.TTL)
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("state store health check: %w", err)
		}
		stateStore, statePinger = rs, rs
		slog.Info("Redis state store connected", "addr", cfg.State.RedisAddr)
	default:
		memoryStore = state.NewMemoryStore()
		stateStore = memoryStore
		slog.Info("In-memory state store initialized")
	}
	tracker := state.NewTracker(stateStore, cfg.Pipeline.CategoryWindow)

	// Pipeline.
	rng := shared.NewRand(cfg.Pipeline.Seed)
	recorder := pipeline.NewRecorder(repo, cfg.RecorderQueueSize, logger)
	defer recorder.Close()

	deps := pipeline.Deps{
		Extractor: kozysignal.NewExtractor(lex, nil),
		Tracker:   tracker,
		Selector:  selector.New(lib, rng, selector.DefaultOptions()),
		Formatter: formatter.New(lib, rng, formatter.Options{
			SoftMax:               cfg.Pipeline.UnitSoftMax,
			EmoteProbability:      cfg.Pipeline.EmoteProbability,
			AffordanceProbability: cfg.Pipeline.AffordanceProbability,
		}),
		History:  repo,
		Recorder: recorder,
	}
	var modelPinger api.Pinger
	switch cfg.Generator.Backend {
	case config.GeneratorOpenAI:
		deps.Generator = generate.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
		slog.Info("Generative fallback enabled", "backend", "openai", "model", cfg.OpenAI.Model)
	case config.GeneratorGRPC:
		model, err := generate.NewGRPC(generate.DefaultGRPCConfig(cfg.Generator.ModelAddr), logger)
		if err != nil {
			return fmt.Errorf("initialize model service client: %w", err)
		}
		defer model.Close()
		deps.Generator, modelPinger = model, model
		slog.Info("Generative fallback enabled", "backend", "grpc", "addr", cfg.Generator.ModelAddr)
	default:
		slog.Info("Generative fallback disabled")
	}
	engine := pipeline.New(deps, pipeline.Config{
		HistoryLimit:     cfg.Pipeline.HistoryLimit,
		GeneratorTimeout: cfg.OpenAI.Timeout,
	})

	convLogger, err := convlog.New(convlog.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := convLogger.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Handlers.
	chatHandler := api.NewChatHandler(engine, convLogger, api.ChatOptions{
		MaxRequestBody: cfg.MaxRequestBody,
		TypingDelay:    cfg.TypingDelay,
		RateLimit:      cfg.RateLimit.Requests,
		RateWindow:     cfg.RateLimit.Window,
	})
	defer chatHandler.Close()
	adminHandler := api.NewAdminHandler(repo)
	healthHandler := api.NewHealthHandler(repo, statePinger)
	if modelPinger != nil {
		healthHandler.AddCheck("model", modelPinger)
	}
	sockets := chatws.NewSessionManager()
	wsHandler := chatws.NewHandler(engine, repo, sockets, convLogger, chatws.Options{
		AllowedOrigins: cfg.AllowedOrigins(),
		IsDev:          cfg.IsDevelopment(),
		TypingDelay:    cfg.TypingDelay,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Admin routes authenticate by password, not by visitor identity.
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.AdminPasswordHash))
		adminHandler.RegisterRoutes(r)
	})

	// Chat routes carry anonymous identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// Note: SSE replies are paced by the typing delay, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Lexicon hot reload.
	if cfg.Pipeline.LexiconPath != "" {
		watcher, err := lexicon.NewWatcher(cfg.Pipeline.LexiconPath, func(next *lexicon.TriggerSet) {
			if err := engine.Reload(next); err != nil {
				slog.Error("Rejected lexicon revision", "error", err)
			}
		}, logger)
		if err != nil {
			return fmt.Errorf("create lexicon watcher: %w", err)
		}
		if err := watcher.Start(gctx); err != nil {
			return fmt.Errorf("start lexicon watcher: %w", err)
		}
		defer watcher.Stop()
	}

	// Retention worker. Redis expires state on its own.
	worker := retention.NewWorker(retention.Config{
		States:        idlePurger(memoryStore),
		StateTTL:      cfg.State.TTL,
		Transcripts:   repo,
		TranscriptTTL: cfg.TranscriptRetention,
		OnPurge:       logPurge,
	})
	g.Go(func() error { return worker.Run(gctx) })

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sockets.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func logPurge(id string) {
	slog.Debug("Purged idle conversation state", "conversation_id", id)
}

// idlePurger avoids handing the worker a typed nil when state lives in Redis.
func idlePurger(m *state.MemoryStore) retention.IdlePurger {
	if m == nil {
		return nil
	}
	return m
}
