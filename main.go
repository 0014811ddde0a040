package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"chatflow/api/pkg/config"
	"chatflow/api/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:   "chatflow",
	Short: "Conversational flow engine for multi-tenant chat channels",
	Long: `chatflow serves the flow-management and messaging API, validates flow files
and prepares database schemas.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
}

// loadConfig reads the --config flag and builds the logger the command should use.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
