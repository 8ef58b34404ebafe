package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/dynamic-dispatch/internal/config"
	httpapi "github.com/example/dynamic-dispatch/internal/http"
	"github.com/example/dynamic-dispatch/internal/logging"
	"github.com/example/dynamic-dispatch/internal/storage"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "dispatch-server",
	Short: "Dynamic dispatch engine for ride and delivery requests",
	RunE:  serve,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch HTTP API",
	RunE:  serve,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|status|version]",
	Short: "Run database migrations against PG_DSN",
	Args:  cobra.MaximumNArgs(1),
	RunE:  migrate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "optional .env file loaded before the environment")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.ServerConfig, error) {
	if envFile == "" {
		return config.LoadServerConfig()
	}
	return config.LoadServerConfig(envFile)
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel, "dispatch-server")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := httpapi.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("server wiring failed")
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("server close")
		}
	}()

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("dispatch engine listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func migrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.PGDSN == "" {
		return errors.New("PG_DSN is required")
	}
	logger := logging.NewLogger(cfg.LogLevel, "dispatch-migrate")

	command := "up"
	if len(args) == 1 {
		command = args[0]
	}
	db, err := sql.Open("postgres", cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	if err := storage.Migrate(cmd.Context(), db, command); err != nil {
		return err
	}
	logger.Info().Str("command", command).Msg("migration complete")
	return nil
}
