package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/capturelab/mocap-server/pkg/infrastructure/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if appConfig.DatabaseDSN == "" {
			return fmt.Errorf("DATABASE_DSN is required")
		}
		db, err := database.Open(cmd.Context(), appConfig.DatabaseDSN, appConfig.DatabaseAttempts, rootLogger)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		if err := database.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		rootLogger.Info("Schema up to date")
		return nil
	},
}
