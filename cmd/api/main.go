package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dvloznov/statement-ingest/internal/api/handlers"
	"github.com/dvloznov/statement-ingest/internal/app"
	"github.com/dvloznov/statement-ingest/internal/config"
	"github.com/dvloznov/statement-ingest/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (defaults to ./config.yaml when present)")
	port := flag.String("port", "", "HTTP server port (overrides server.port)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	log := logger.NewFromConfig(cfg.Log.Format, cfg.Log.Level)
	ctx := logger.WithContext(context.Background(), log)

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise service")
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	if err := a.Start(workerCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start notification workers")
	}

	if cfg.Server.AdminToken == "" {
		log.Warn().Msg("No admin token configured - admin endpoints are disabled")
	}

	var reviews handlers.ReviewArchiver
	if a.Reviews != nil {
		reviews = a.Reviews
	}
	h := handlers.NewHandler(a.Service, a.Jobs, reviews, cfg.Pipeline.MaxUploadBytes)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = time.Minute
	// processing runs inline and may take up to the operation timeout
	e.Server.WriteTimeout = cfg.Pipeline.OperationTimeout + 30*time.Second
	e.Server.IdleTimeout = 2 * time.Minute
	handlers.Register(e, h, log, cfg.Server.AdminToken)

	go func() {
		log.Info().
			Str("port", cfg.Server.Port).
			Str("store", cfg.Store).
			Str("oracle_mode", cfg.Oracle.Mode).
			Msg("Starting API server")
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}

	log.Info().Msg("Server exited")
}
