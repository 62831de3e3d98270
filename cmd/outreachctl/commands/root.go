package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-dispatch/internal/app"
	"github.com/unclebandit/outreach-dispatch/internal/config"
	"github.com/unclebandit/outreach-dispatch/internal/logging"
)

var (
	logLevel string

	rootCmd = &cobra.Command{
		Use:   "outreachctl",
		Short: "Operate the outreach dispatch pipeline",
		Long: `outreachctl runs one-off operations against the outreach database:
schema migrations, dispatcher runs, lead gating and requeues.
Configuration is read from the environment and .env, as for the server.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(logLevel, "console")
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logger)
}
