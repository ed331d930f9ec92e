package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lattice-dev/latticebench/internal/agent"
	"github.com/lattice-dev/latticebench/internal/config"
	"github.com/lattice-dev/latticebench/internal/result"
	"github.com/lattice-dev/latticebench/internal/sandbox"
)

var (
	runModel       string
	runExperiments string
	runTimeout     int
	runAppRoot     string
	runImage       string
	runLogsDir     string
	runKeep        bool
)

var runCmd = &cobra.Command{
	Use:   "run <instruction...>",
	Short: "Run one benchmark instruction in a fresh sandbox",
	Long: `Provisions a Docker sandbox, installs the lattice app into it, executes
the instruction through the headless runner, and harvests token usage.

Examples:
  latticebench run "Fix the failing tests in /workspace"
  latticebench run --model anthropic/claude-sonnet-4-5 --timeout 1800 "..."
  latticebench run --app-root ~/src/lattice "..."`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		instruction := strings.Join(args, " ")

		appRoot := runAppRoot
		if appRoot == "" {
			appRoot = cfg.Payload.Root
		}
		if appRoot == "" {
			return fmt.Errorf("no app root configured (set payload.root or --app-root)")
		}

		image := runImage
		if image == "" {
			image = cfg.Docker.Image
		}

		logsBase := runLogsDir
		if logsBase == "" {
			logsBase = cfg.Harness.LogsDir
		}

		snapshot, err := snapshotFromConfig()
		if err != nil {
			return err
		}

		// Resolve eagerly so config errors surface before any Docker work.
		probe := config.NewResolver(config.ResolverOptions{
			Model:       runModel,
			Experiments: runExperiments,
			TimeoutSecs: runTimeout,
			Snapshot:    snapshot,
		})
		env, err := probe.Resolve()
		if err != nil {
			return err
		}

		run := result.NewRun(instruction, env.Get("LATTICE_MODEL"))
		logsDir, err := filepath.Abs(run.Dir(logsBase))
		if err != nil {
			return fmt.Errorf("resolving logs dir: %w", err)
		}
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return fmt.Errorf("creating logs dir: %w", err)
		}

		a, err := agent.New(agent.Options{
			LogsDir:     logsDir,
			AppRoot:     appRoot,
			Include:     cfg.Payload.Include,
			Model:       runModel,
			Experiments: runExperiments,
			TimeoutSecs: runTimeout,
			Snapshot:    snapshot,
			Logger:      logger,
		})
		if err != nil {
			return err
		}

		// Setup context with cancellation
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Handle signals for graceful shutdown
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case <-sigCh:
				fmt.Println("\nReceived interrupt, stopping...")
				cancel()
			case <-ctx.Done():
			}
		}()

		runErr := execute(ctx, a, run, image, instruction)
		run.Complete()
		run.ArchiveDigest = a.ArchiveDigest()

		if saveErr := run.Save(logsBase); saveErr != nil {
			logger.Error("failed to save run record", "error", saveErr)
		}

		fmt.Print(result.FormatFinal(run))
		fmt.Printf("Logs: %s\n", logsDir)

		return runErr
	},
}

// execute provisions the sandbox and drives the adapter lifecycle.
func execute(ctx context.Context, a *agent.Agent, run *result.Run, image, instruction string) error {
	docker, err := sandbox.NewDocker()
	if err != nil {
		run.Fail(result.StatusSetupError, err)
		return err
	}
	defer func() { _ = docker.Close() }()

	logger.Info("ensuring sandbox image", "image", image)
	if err := docker.EnsureImage(ctx, image, cfg.Docker.AutoPull); err != nil {
		run.Fail(result.StatusSetupError, err)
		return fmt.Errorf("ensuring image: %w", err)
	}

	name := fmt.Sprintf("lattice-bench-%d", time.Now().UnixNano())
	container, err := docker.CreateContainer(ctx, image, name)
	if err != nil {
		run.Fail(result.StatusSetupError, err)
		return fmt.Errorf("creating sandbox: %w", err)
	}
	if !runKeep {
		defer func() {
			logger.Debug("removing sandbox container", "id", container.ID()[:12])
			_ = container.Remove(context.Background())
		}()
	}

	if err := a.Setup(ctx, container); err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			run.Fail(result.StatusConfigError, err)
		} else {
			run.Fail(result.StatusSetupError, err)
		}
		return fmt.Errorf("sandbox setup: %w", err)
	}

	if err := a.Run(ctx, container, instruction, run, &run.Context); err != nil {
		run.Fail(result.StatusSetupError, err)
		return fmt.Errorf("running instruction: %w", err)
	}

	return nil
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "model id (provider:model or provider/model)")
	runCmd.Flags().StringVar(&runExperiments, "experiments", "", "experiment tag forwarded to the runner")
	runCmd.Flags().IntVarP(&runTimeout, "timeout", "t", 0, "per-command timeout in seconds")
	runCmd.Flags().StringVar(&runAppRoot, "app-root", "", "host path of the lattice app checkout")
	runCmd.Flags().StringVar(&runImage, "image", "", "sandbox image (default from config)")
	runCmd.Flags().StringVarP(&runLogsDir, "logs-dir", "o", "", "base directory for run logs")
	runCmd.Flags().BoolVar(&runKeep, "keep-container", false, "keep the sandbox container after the run")

	rootCmd.AddCommand(runCmd)
}
