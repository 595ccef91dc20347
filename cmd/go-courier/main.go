// Command go-courier runs the real-time chat and call delivery server.
//
//	go-courier serve --config config.yaml
//	go-courier migrate
//
// Every config key can be overridden from the environment with the
// GOCOURIER_ prefix, e.g. GOCOURIER_SERVER_ADDRESS=:9000.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/go-courier/internal/server"
	"github.com/a-essam23/go-courier/internal/store"
	"github.com/a-essam23/go-courier/pkg/config"
	"github.com/a-essam23/go-courier/pkg/logging"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "go-courier",
		Short:        "Real-time chat and call signaling server",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file (default ./config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), configPath)
		},
	}
	rootCmd.AddCommand(serveCmd, migrateCmd)
	// serve is the default
	rootCmd.RunE = serveCmd.RunE
	return rootCmd
}

// setup loads configuration and opens the migrated store.
func setup(ctx context.Context, configPath string) (*slog.Logger, *config.Config, *store.Store, error) {
	bootLogger := logging.New(logging.LevelInfo)
	cfg, err := config.Load(bootLogger, configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := logging.NewWithWriter(os.Stderr, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)

	db, err := store.Open(store.Options{
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Debug:        logging.ParseLevel(cfg.Log.Level) == logging.LevelDebug,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	st := store.New(db, logger)
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, nil, err
	}
	return logger, cfg, st, nil
}

func runServe(parent context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, cfg, st, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	app, err := server.NewApp(ctx, logger, cfg, st)
	if err != nil {
		return err
	}
	if err := app.Run(); err != nil {
		return fmt.Errorf("application run failed: %w", err)
	}
	logger.Info("Application shut down successfully.")
	return nil
}

func runMigrate(ctx context.Context, configPath string) error {
	logger, cfg, st, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("Database ready", slog.String("dsn", cfg.Database.DSN))
	return nil
}
