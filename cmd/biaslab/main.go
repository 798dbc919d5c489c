package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bias-lab/biaslab-go/internal/config"
	"github.com/bias-lab/biaslab-go/internal/server"
)

var (
	// Global flags
	envFile  string
	logLevel string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "biaslab",
	Short: "The Bias Lab: news article bias analysis",
	Long: `biaslab scores news articles on five bias dimensions
(ideological stance, factual grounding, framing choices, emotional tone
and source transparency) and monitors its own accuracy and throughput.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(envFile)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		logger = server.SetupLogger(cfg.LogLevel)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to seed the environment from")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, analyzeCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
