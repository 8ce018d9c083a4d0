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

	"github.com/ashureev/polya-classroom/internal/api"
	"github.com/ashureev/polya-classroom/internal/config"
	"github.com/ashureev/polya-classroom/internal/conversation"
	"github.com/ashureev/polya-classroom/internal/curriculum"
	"github.com/ashureev/polya-classroom/internal/executor"
	"github.com/ashureev/polya-classroom/internal/identity"
	"github.com/ashureev/polya-classroom/internal/llm"
	"github.com/ashureev/polya-classroom/internal/llm/gemini"
	"github.com/ashureev/polya-classroom/internal/middleware"
	"github.com/ashureev/polya-classroom/internal/phase"
	"github.com/ashureev/polya-classroom/internal/store"
	"github.com/ashureev/polya-classroom/internal/transport"
	"github.com/ashureev/polya-classroom/internal/turn"
	"github.com/ashureev/polya-classroom/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the classroom HTTP server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		return errors.New("GOOGLE_API_KEY is required to serve")
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	bundle, err := curriculum.Load(cfg.StagesPath, cfg.PersonasPath, cfg.ProblemsPath)
	if err != nil {
		return fmt.Errorf("load curriculum: %w", err)
	}
	slog.Info("Curriculum loaded",
		"stages", bundle.Stages.Len(),
		"personas", len(bundle.Personas),
		"problems", len(bundle.Problems.List()),
	)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(context.Background()); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	audit, err := conversation.NewAuditLogger(conversation.AuditConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := audit.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()
	convLog := conversation.NewLog(repo, audit, slog.Default())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	models, err := gemini.New(ctx, gemini.Config{
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		return fmt.Errorf("initialize model client: %w", err)
	}
	// One budget for every call so a busy classroom cannot exceed the quota.
	limiter := rate.NewLimiter(rate.Limit(cfg.LLM.RPS), cfg.LLM.Burst)
	slog.Info("Model client ready", "model", models.Model(), "rps", cfg.LLM.RPS)

	tracker := phase.NewTracker(repo, convLog, bundle.Stages,
		llm.Instrument(llm.PurposePhase, models, limiter),
		phase.WithLogger(slog.Default()),
	)

	hubCfg := transport.DefaultConfig()
	hubCfg.RetryDelay = cfg.Stream.RetryDelay
	hubCfg.KeepaliveInterval = cfg.Stream.KeepaliveInterval
	hubCfg.ReplaySize = cfg.Stream.ReplaySize
	hubCfg.ClientBuffer = cfg.Stream.ClientBuffer
	hubCfg.AllowedOrigins = cfg.AllowedOrigins()
	hub := transport.NewHub(hubCfg, slog.Default())

	exec := executor.New(convLog, hub, llm.InstrumentSelector(llm.PurposeSpeak, models, limiter),
		executor.WithTypingBounds(cfg.Typing.Min, cfg.Typing.Max),
		executor.WithLogger(slog.Default()),
	)

	turnCfg := turn.DefaultConfig()
	turnCfg.Debounce = cfg.Turn.Debounce
	turnCfg.FollowUpPause = cfg.Turn.FollowUpPause
	turnCfg.TurnTimeout = cfg.Turn.Timeout
	turnCfg.Lambda = cfg.Turn.Lambda
	turnCfg.JitterSeed = cfg.Turn.JitterSeed
	turnCfg.IdleTTL = cfg.Turn.IdleTTL
	turnCfg.SweepInterval = cfg.Turn.SweepInterval
	coordinator, err := turn.New(turn.Deps{
		Sessions:  repo,
		Phases:    tracker,
		Log:       convLog,
		Transport: hub,
		Speaker:   exec,
		Personas:  bundle.Personas,
		Think:     llm.InstrumentSelector(llm.PurposeThink, models, limiter),
		Evaluate:  llm.Instrument(llm.PurposeEvaluate, models, limiter),
		Logger:    slog.Default(),
		OnEvict:   hub.Forget,
	}, turnCfg)
	if err != nil {
		return fmt.Errorf("initialize turn coordinator: %w", err)
	}
	go coordinator.RunSweeper(ctx)

	handler := api.NewHandler(api.Deps{
		Sessions:    repo,
		Log:         convLog,
		Phases:      tracker,
		Triggers:    coordinator,
		Streams:     hub,
		Problems:    bundle.Problems,
		MaxBodySize: cfg.Stream.MaxRequestBodySize,
		Logger:      slog.Default(),
	})
	messageLimiter := middleware.NewRateLimiter(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	handler.RegisterRoutes(r, messageLimiter.Middleware)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Streams are long-lived, so there is no WriteTimeout; keepalives hold
	// idle connections open.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	// Stop new turns first, then let pending utterances land before the
	// streams and the database go away.
	coordinator.Close()
	exec.Wait()
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}
