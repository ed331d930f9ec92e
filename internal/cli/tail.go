package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var tailCmd = &cobra.Command{
	Use:   "tail <logs-dir>",
	Short: "Follow a run's log directory",
	Long: `Watches a run's log directory and prints command log artifacts as the
adapter writes them. Handy while a long benchmark trial is in flight:

  latticebench tail runs/lattice-2026-01-12T093015-1a2b3c4d`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("logs dir not found: %s", dir)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		err = followLogs(ctx, dir, os.Stdout)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// followLogs watches dir (and command-* subdirectories as they appear) and
// prints each completed log artifact to out once.
func followLogs(ctx context.Context, dir string, out io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	// Pick up subdirectories that already exist.
	entries, _ := os.ReadDir(dir)
	for _, entry := range entries {
		if entry.IsDir() {
			_ = watcher.Add(filepath.Join(dir, entry.Name()))
		}
	}

	printed := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".txt") || printed[event.Name] {
				continue
			}

			// The command file is complete once written; return-code marks
			// the end of an invocation, so stdout/stderr are final too.
			content, err := os.ReadFile(event.Name)
			if err != nil {
				continue
			}
			printed[event.Name] = true

			rel, _ := filepath.Rel(dir, event.Name)
			fmt.Fprintf(out, "── %s ──\n%s\n", rel, strings.TrimRight(string(content), "\n"))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher error", "error", err)
		}
	}
}

func init() {
	rootCmd.AddCommand(tailCmd)
}
