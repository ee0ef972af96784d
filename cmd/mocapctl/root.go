package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/capturelab/mocap-server/pkg/bootstrap"
)

var (
	cfgFile  string
	logLevel string

	rootLogger *slog.Logger
	appConfig  *bootstrap.Config
	svc        *bootstrap.Service
)

var rootCmd = &cobra.Command{
	Use:   "mocapctl",
	Short: "Operate the motion-capture server",
	Long: `mocapctl serves the HTTP API and runs archive exports and retention passes.

Configuration comes from the environment (DATABASE_DSN, MEDIA_BUCKET, ...) and
an optional config file given with --config.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bootstrap.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		appConfig = cfg
		rootLogger = bootstrap.NewLogger("mocapctl", cfg.LogLevel)
		slog.SetDefault(rootLogger)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if svc != nil {
			if err := svc.Close(); err != nil {
				rootLogger.Error("Failed to close service cleanly", "error", err)
			}
		}
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(reapCmd)

	if err := rootCmd.Execute(); err != nil {
		if rootLogger != nil {
			rootLogger.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")
}

// service builds the full dependency graph on first use.
func service(ctx context.Context) (*bootstrap.Service, error) {
	if svc != nil {
		return svc, nil
	}
	s, err := bootstrap.NewService(ctx, "mocapctl", appConfig)
	if err != nil {
		return nil, err
	}
	svc = s
	return svc, nil
}
