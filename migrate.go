package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema for the configured store",
	Long: `Creates the flow and execution tables for the postgres backend, or the execution
table for the sqlite backend. Memory and redis backends need no schema.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		b, err := openBackend(cmd.Context(), cfg, logger, true)
		if err != nil {
			logger.Error("Migration failed", "error", err)
			return err
		}
		defer b.Close()
		logger.Info("Schema is up to date", "backend", cfg.Store.Backend)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
