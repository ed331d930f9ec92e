// Package cli provides the command-line interface for latticebench.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lattice-dev/latticebench/internal/config"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "latticebench",
	Short: "Terminal-Bench adapter for the lattice coding agent",
	Long: `latticebench installs the lattice coding agent into an isolated task
sandbox, forwards a benchmark instruction to its headless runner, and
collects per-command logs plus token usage for the evaluation harness.

The adapter never scores the task itself: non-zero exits and timeouts are
recorded as results for the harness to interpret.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		// Setup logger
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		// Load config
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./latticebench.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// snapshotFromConfig captures the ambient environment once per run, layered
// over the optional .env file from the harness config.
func snapshotFromConfig() (config.Source, error) {
	if cfg != nil && cfg.Harness.EnvFile != "" {
		return config.SnapshotWithEnvFile(cfg.Harness.EnvFile)
	}
	return config.Snapshot(), nil
}
