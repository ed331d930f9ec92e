package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lattice-dev/latticebench/internal/config"
)

var (
	envModel       string
	envExperiments string
	envTimeout     int
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Print the resolved sandbox environment",
	Long: `Resolves the environment mapping exactly as a run would (overrides,
ambient snapshot, defaults) and prints it with credential values redacted.

Useful for checking what a run will forward into the sandbox before
spending a trial on it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, err := snapshotFromConfig()
		if err != nil {
			return err
		}

		resolver := config.NewResolver(config.ResolverOptions{
			Model:       envModel,
			Experiments: envExperiments,
			TimeoutSecs: envTimeout,
			Snapshot:    snapshot,
		})
		env, err := resolver.Resolve()
		if err != nil {
			return err
		}

		for _, key := range env.Keys() {
			fmt.Printf("%s=%s\n", key, redact(key, env.Get(key)))
		}
		if env.ProvidersFile() != "" {
			fmt.Printf("%s=%s\n", config.ProvidersFileEnvKey, env.ProvidersFile())
		}
		return nil
	},
}

// redact hides provider credential values while confirming they are set.
func redact(key, value string) string {
	for _, credKey := range config.ProviderEnvKeys {
		if key == credKey {
			return "[redacted]"
		}
	}
	return value
}

func init() {
	envCmd.Flags().StringVarP(&envModel, "model", "m", "", "model id override")
	envCmd.Flags().StringVar(&envExperiments, "experiments", "", "experiment tag override")
	envCmd.Flags().IntVarP(&envTimeout, "timeout", "t", 0, "timeout override in seconds")

	rootCmd.AddCommand(envCmd)
}
