package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SCSIExpress/pacsync/pkg/analyzer"
	"github.com/SCSIExpress/pacsync/pkg/api"
	"github.com/SCSIExpress/pacsync/pkg/auth"
	"github.com/SCSIExpress/pacsync/pkg/config"
	"github.com/SCSIExpress/pacsync/pkg/endpoint"
	"github.com/SCSIExpress/pacsync/pkg/events"
	"github.com/SCSIExpress/pacsync/pkg/log"
	"github.com/SCSIExpress/pacsync/pkg/pool"
	"github.com/SCSIExpress/pacsync/pkg/state"
	"github.com/SCSIExpress/pacsync/pkg/storage"
	"github.com/SCSIExpress/pacsync/pkg/syncer"
)

const shutdownGrace = 30 * time.Second

// Exit codes. Init scripts distinguish configuration mistakes from
// persistence failures.
const (
	exitConfig      = 1
	exitPersistence = 2
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator server",
	Long: `Start the pacsync coordinator: persistence, the sync coordinator,
the event broker and the HTTP/WebSocket API.

Configuration comes from an optional YAML file plus PACSYNC_*
environment overrides.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "/etc/pacsync/config.yaml", "Path to configuration file")
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.Structured,
	})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", Version).
		Str("database", string(cfg.Database.Type)).
		Msg("starting pacsync coordinator")

	store, err := openStore(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("persistence initialization failed")
		os.Exit(exitPersistence)
	}
	defer store.Close()

	tokens := auth.NewTokenManager(
		cfg.Security.JWTSecretKey,
		time.Duration(cfg.Security.TokenExpiryHours)*time.Hour,
		cfg.Security.AdminTokens,
	)

	endpoints := endpoint.NewManager(store, tokens)
	pools := pool.NewManager(store)
	states := state.NewManager(store)
	analysis := analyzer.NewAnalyzer(store)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	coord := syncer.NewCoordinator(store, broker)
	if err := coord.Start(context.Background()); err != nil {
		logger.Error().Err(err).Msg("coordinator recovery failed")
		os.Exit(exitPersistence)
	}
	defer coord.Stop(shutdownGrace)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	if cfg.Features.AutoCleanup {
		janitor := syncer.NewJanitor(store, endpoints)
		go janitor.Run(janitorCtx)
	}

	server := api.NewServer(api.Deps{
		Config:    cfg,
		Store:     store,
		Tokens:    tokens,
		Endpoints: endpoints,
		Pools:     pools,
		States:    states,
		Analyzer:  analysis,
		Coord:     coord,
		Broker:    broker,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	interrupted := false
	select {
	case sig := <-sigCh:
		interrupted = sig == os.Interrupt
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown did not drain cleanly")
	}

	coord.Stop(shutdownGrace)
	stopJanitor()
	broker.Stop()

	logger.Info().Msg("shutdown complete")
	if interrupted {
		os.Exit(130)
	}
	return nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Database.Type {
	case config.DatabasePostgreSQL:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return storage.NewPostgresStore(ctx, storage.PostgresConfig{
			URL:         cfg.Database.URL,
			PoolMinSize: cfg.Database.PoolMinSize,
			PoolMaxSize: cfg.Database.PoolMaxSize,
		})
	default:
		return storage.NewBoltStore(cfg.Database.URL)
	}
}
