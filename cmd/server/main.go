package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/tradewire/terminal-api/internal/account"
	"github.com/tradewire/terminal-api/internal/admission"
	"github.com/tradewire/terminal-api/internal/auth"
	"github.com/tradewire/terminal-api/internal/config"
	"github.com/tradewire/terminal-api/internal/database"
	"github.com/tradewire/terminal-api/internal/gateway"
	"github.com/tradewire/terminal-api/internal/health"
	"github.com/tradewire/terminal-api/internal/marketdata"
	"github.com/tradewire/terminal-api/internal/orders"
	"github.com/tradewire/terminal-api/internal/terminal"
	"github.com/tradewire/terminal-api/internal/vault"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the terminal gateway with graceful shutdown
// support. Component wiring happens here and only here: everything else
// receives its collaborators, never constructs them.
func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		zlog.Fatal().Err(err).Str("path", configPath).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	v, err := vault.New([]byte(cfg.Vault.EncryptionKey))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize credential vault")
	}
	credStore := vault.NewStore(db)

	// Capability descriptor resolved once at startup; the pool never asks
	// the client what it supports at call time.
	caps := terminal.Capabilities{RequiresInitialize: cfg.Terminal.RequiresInitialize}
	pool := terminal.NewPool(cfg.Terminal, caps, func() terminal.Client {
		return terminal.NewSimClient(cfg.Symbols)
	})

	monitor := health.NewMonitor(cfg.Health, pool)
	pool.OnTransition(monitor.TripWire())

	openCtx, openCancel := context.WithTimeout(context.Background(), cfg.Terminal.ConnectTimeout())
	if err := pool.Open(openCtx); err != nil {
		zlog.Error().Err(err).Msg("Terminal pool opened degraded, continuing")
	}
	openCancel()

	accounts := account.NewManager(cfg.Account, cfg.Risk, cfg.Terminal, v, pool)
	accounts.AttachCircuit(monitor)
	monitor.AttachSessions(accounts)

	market := marketdata.NewService(cfg, pool)

	orderService := orders.NewService(db, cfg, accounts)
	orderService.AttachQuotes(market)
	orderService.AttachSink(market)
	orderService.AttachCircuit(monitor)

	admissionCtrl := admission.NewController(cfg.Admission)
	admissionCtrl.AttachCircuit(monitor)

	gw := gateway.New(cfg, v, credStore, accounts, orderService, market, admissionCtrl, monitor)

	authService := auth.NewService(cfg.Server.JWTSecret)
	handlers := gateway.NewGinHandlers(gw, authService)
	router := handlers.SetupRouter()

	// Background loops
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go pool.Run(bgCtx)
	go market.Run(bgCtx)
	go monitor.Run(bgCtx)
	go admissionCtrl.Run(bgCtx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		zlog.Info().Int("port", cfg.Server.Port).Msg("Terminal gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	bgCancel()
	accounts.Shutdown(shutdownCtx)
	pool.Shutdown(shutdownCtx)

	zlog.Info().Msg("Server exiting")
}
