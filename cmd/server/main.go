package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/questrelay/internal/api"
	"github.com/eldtechnologies/questrelay/internal/api/middleware"
	"github.com/eldtechnologies/questrelay/internal/config"
	"github.com/eldtechnologies/questrelay/internal/handlers"
	"github.com/eldtechnologies/questrelay/internal/ledger"
	"github.com/eldtechnologies/questrelay/internal/party"
	"github.com/eldtechnologies/questrelay/internal/rooms"
	"github.com/eldtechnologies/questrelay/internal/store"
	"github.com/eldtechnologies/questrelay/internal/sweep"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Room storage
	backend, err := store.Open(ctx, cfg.StorageDriver, cfg.StorageDSN())
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StorageDriver).Msg("storage initialization failed")
	}
	defer backend.Close()
	logger.Info().Str("driver", cfg.StorageDriver).Msg("storage ready")

	// Ledger reader
	var reader ledger.Reader
	if cfg.LedgerRPCURL != "" {
		reader = ledger.NewRPCClient(cfg.LedgerRPCURL, cfg.LedgerTimeout)
		logger.Info().Str("url", cfg.LedgerRPCURL).Msg("using ledger RPC")
	} else {
		reader = ledger.NewMemoryLedger()
		logger.Warn().Msg("LEDGER_RPC_URL not set, using empty in-memory ledger")
	}

	// Rooms
	reg := party.NewRegistry(backend, logger, party.Options{IdleTimeout: cfg.RoomIdleTimeout})
	rooms.Register(reg, rooms.Deps{
		Ledger:             reader,
		LedgerTimeout:      cfg.LedgerTimeout,
		CheckDiscriminator: cfg.LedgerCheckDiscriminator,
	})

	// Presence reconciliation
	reconciler := &rooms.Reconciler{
		Parties: reg,
		Timeout: cfg.FetchTimeout,
		Log:     logger.With().Str("component", "reconciler").Logger(),
	}
	sweeper, err := sweep.New(cfg.SweepCron, reconciler.Run, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid sweep schedule")
	}
	sweeper.Start(ctx)

	// Rate limiting: shared through Redis when available
	var counter middleware.Counter
	if cfg.RedisURL != "" {
		client, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer client.Close()
		counter = middleware.NewRedisCounter(client)
		logger.Info().Msg("rate limiting via Redis")
	} else {
		local := middleware.NewLocalCounter(10 * time.Minute)
		defer local.Close()
		counter = local
	}
	limiter := middleware.NewRateLimiter(counter, logger, middleware.RateLimiterConfig{
		Whitelist:        cfg.RateLimitWhitelist,
		AutoBlockEnabled: cfg.AutoBlockEnabled,
	})

	gate := middleware.NewGate(reg, logger, middleware.GateConfig{
		MaxAge:       cfg.TokenMaxAge,
		MaxSkew:      cfg.TokenMaxSkew,
		FetchTimeout: cfg.FetchTimeout,
	})

	h := handlers.NewHandler(handlers.Options{
		Backend:      backend,
		Driver:       cfg.StorageDriver,
		Parties:      reg,
		Sweeper:      sweeper,
		LedgerURL:    cfg.LedgerRPCURL,
		AdminToken:   cfg.AdminToken,
		FetchTimeout: cfg.FetchTimeout,
		Logger:       logger,
	})

	// Create router
	router := api.NewRouter(logger, h, gate, limiter)

	// Create server. No WriteTimeout: upgraded connections manage their own deadlines.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting questrelay server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	stop()

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	// Stops every room and closes their connections.
	reg.Close()

	logger.Info().Msg("server stopped")
}
