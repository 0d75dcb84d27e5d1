// Package cli provides the command-line interface for neuropulse.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"neuropulse/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	configPath string

	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
)

var rootCmd = &cobra.Command{
	Use:   "neuropulse",
	Short: "Self-hosted chat shell for OpenAI-compatible models",
	Long: `NeuroPulse serves a chat page, streams replies from an OpenAI-compatible
completion endpoint, keeps conversations in a local store, and caches the
page assets so it still opens offline.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		config.LoadDotEnv()

		path := configPath
		if path == "" {
			path = os.Getenv(config.EnvConfigPath)
		}
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		logger, closeLog = config.SetupLogger(cfg.Logging.File, config.ParseLogLevel(cfg.Logging.Level))
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
			closeLog = nil
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (JSON or TOML)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(versionCmd)
}
