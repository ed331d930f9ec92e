// Package agent implements the installed-agent adapter: it stages the
// lattice app into a sandbox, forwards the benchmark instruction to the
// headless runner, and harvests usage telemetry afterwards.
package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lattice-dev/latticebench/internal/config"
	"github.com/lattice-dev/latticebench/internal/payload"
	"github.com/lattice-dev/latticebench/internal/result"
	"github.com/lattice-dev/latticebench/internal/sandbox"
)

// TimeoutSentinel is written to return-code.txt when a command timed out.
const TimeoutSentinel = "timeout"

// telemetryFileName is the local mirror of sandbox.TelemetryPath.
const telemetryFileName = "lattice-tokens.json"

// Options configures an Agent.
type Options struct {
	LogsDir     string
	AppRoot     string   // Host path of the lattice app checkout to archive
	Include     []string // Override of payload.DefaultInclude; nil keeps defaults
	Model       string
	Experiments string
	TimeoutSecs int           // Converted into the run-local LATTICE_TIMEOUT_MS override
	Snapshot    config.Source // Ambient snapshot; nil snapshots the process env
	Logger      *slog.Logger
}

// Agent drives one benchmark trial against one sandbox. The archive payload
// is built at most once per Agent and cached; the cache is single-writer.
type Agent struct {
	logsDir  string
	builder  payload.Builder
	resolver *config.Resolver
	logger   *slog.Logger

	archiveOnce   sync.Once
	archive       []byte
	archiveDigest string
	archiveErr    error
}

// New creates an Agent. The app root must exist; everything else is
// validated lazily at resolution time.
func New(opts Options) (*Agent, error) {
	if opts.LogsDir == "" {
		return nil, fmt.Errorf("logs dir is required")
	}
	if opts.AppRoot == "" {
		return nil, fmt.Errorf("app root is required")
	}
	info, err := os.Stat(opts.AppRoot)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("app root %s is not a directory", opts.AppRoot)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Agent{
		logsDir: opts.LogsDir,
		builder: payload.Builder{
			Root:      opts.AppRoot,
			Include:   opts.Include,
			Mandatory: []string{"scripts/postinstall.sh"},
		},
		resolver: config.NewResolver(config.ResolverOptions{
			Model:       opts.Model,
			Experiments: opts.Experiments,
			TimeoutSecs: opts.TimeoutSecs,
			Snapshot:    opts.Snapshot,
		}),
		logger: logger,
	}, nil
}

// Env resolves the environment mapping for this run, failing fast before
// any sandbox interaction.
func (a *Agent) Env() (*config.Env, error) {
	return a.resolver.Resolve()
}

// archivePayload returns the cached archive, building it on first use.
func (a *Agent) archivePayload() ([]byte, string, error) {
	a.archiveOnce.Do(func() {
		a.archive, a.archiveErr = a.builder.Build()
		if a.archiveErr == nil {
			a.archiveDigest = payload.Digest(a.archive)
		}
	})
	return a.archive, a.archiveDigest, a.archiveErr
}

// ArchiveDigest returns the digest of the staged archive, or "" before the
// archive has been built.
func (a *Agent) ArchiveDigest() string {
	return a.archiveDigest
}

// Setup brings a freshly provisioned sandbox to a runnable state. Steps are
// strictly ordered; any failure is fatal and aborts the run.
func (a *Agent) Setup(ctx context.Context, sb sandbox.Environment) error {
	env, err := a.Env()
	if err != nil {
		return err
	}

	// 1. Staging directory must exist before any upload.
	if err := a.execChecked(ctx, sb, "mkdir -p "+sandbox.StagingDir, nil); err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}

	// 2. Build (or reuse) the archive, keep an audit copy, upload it.
	archive, digest, err := a.archivePayload()
	if err != nil {
		return fmt.Errorf("building app archive: %w", err)
	}
	auditPath := filepath.Join(a.logsDir, sandbox.ArchiveName)
	if err := os.MkdirAll(a.logsDir, 0755); err != nil {
		return fmt.Errorf("creating logs dir: %w", err)
	}
	if err := os.WriteFile(auditPath, archive, 0644); err != nil {
		return fmt.Errorf("writing archive audit copy: %w", err)
	}
	if err := os.WriteFile(auditPath+".digest", []byte(digest+"\n"), 0644); err != nil {
		return fmt.Errorf("writing archive digest: %w", err)
	}
	a.logger.Info("staging app archive", "digest", digest, "bytes", len(archive))
	if err := sb.Upload(ctx, auditPath, sandbox.ArchivePath); err != nil {
		return fmt.Errorf("uploading archive: %w", err)
	}

	// 3. Runner script.
	if err := sb.UploadBytes(ctx, runnerScript, sandbox.RunnerPath, 0755); err != nil {
		return fmt.Errorf("uploading runner script: %w", err)
	}

	// 4. Install: extracts the archive, installs dependencies, and marks
	// the runner executable.
	if err := sb.UploadBytes(ctx, setupScript, sandbox.SetupPath, 0755); err != nil {
		return fmt.Errorf("uploading setup script: %w", err)
	}
	if err := a.execChecked(ctx, sb, "bash "+sandbox.SetupPath, env.Map()); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}

	// 5. Optional secrets staging. Must run after install: the config root
	// directory does not exist before the setup script creates it.
	if err := a.stageProvidersFile(ctx, sb, env); err != nil {
		return err
	}

	return nil
}

// execChecked runs a setup command and fails on a non-zero exit.
func (a *Agent) execChecked(ctx context.Context, sb sandbox.Environment, command string, env map[string]string) error {
	res, err := sb.Exec(ctx, command, sandbox.ExecOptions{Env: env})
	if err != nil {
		return err
	}
	if res.ReturnCode != 0 {
		return fmt.Errorf("%s: exit code %d: %s", command, res.ReturnCode, tail(res.Stderr, 2000))
	}
	return nil
}

// stageProvidersFile uploads a host providers.jsonc into the sandbox when
// explicitly configured. Unconfigured is a no-op; configured but unreadable
// is fatal.
func (a *Agent) stageProvidersFile(ctx context.Context, sb sandbox.Environment, env *config.Env) error {
	raw := env.ProvidersFile()
	if raw == "" {
		return nil
	}

	path := expandHome(raw)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%s=%s is not a readable file", config.ProvidersFileEnvKey, path)
	}

	configRoot := env.Get("LATTICE_CONFIG_ROOT")
	if configRoot == "" {
		configRoot = config.DefaultConfigRoot
	}
	target := strings.TrimRight(configRoot, "/") + "/providers.jsonc"

	a.logger.Info("staging providers file", "target", target)
	if err := sb.Upload(ctx, path, target); err != nil {
		return fmt.Errorf("uploading providers file: %w", err)
	}
	return nil
}

// ExecInput is one synthesized command to run in the sandbox.
type ExecInput struct {
	Command string
	Cwd     string
	Env     map[string]string
	Timeout time.Duration
}

// Commands synthesizes the instruction command sequence. The current scope
// is a single invocation of the runner script with the quoted instruction.
func (a *Agent) Commands(instruction string, env *config.Env) []ExecInput {
	return []ExecInput{
		{
			Command: fmt.Sprintf("bash %s %s", sandbox.RunnerPath, sandbox.Quote(instruction)),
			Env:     env.Map(),
			Timeout: time.Duration(env.TimeoutMS()) * time.Millisecond,
		},
	}
}

// Run executes the instruction commands, then harvests telemetry into the
// run context regardless of the command outcome. Non-zero exits and
// timeouts are recorded, not raised: a failing benchmark attempt is a
// scorable result, not an adapter malfunction.
func (a *Agent) Run(ctx context.Context, sb sandbox.Environment, instruction string, run *result.Run, runCtx *result.RunContext) error {
	env, err := a.Env()
	if err != nil {
		return err
	}

	for i, input := range a.Commands(instruction, env) {
		if err := a.runCommand(ctx, sb, i, input, run); err != nil {
			return err
		}
	}

	outcome := a.Harvest(ctx, sb, runCtx)
	if run != nil {
		run.Harvest = string(outcome.Status)
	}
	a.logger.Info("telemetry harvest", "status", outcome.Status)

	return nil
}

// runCommand executes one invocation and persists its log artifacts. The
// command text is durable before execution starts; the return code is
// written unconditionally afterwards, stdout/stderr only when non-empty.
func (a *Agent) runCommand(ctx context.Context, sb sandbox.Environment, index int, input ExecInput, run *result.Run) error {
	dir := filepath.Join(a.logsDir, fmt.Sprintf("command-%d", index))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating command dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "command.txt"), []byte(input.Command), 0644); err != nil {
		return fmt.Errorf("writing command.txt: %w", err)
	}

	start := time.Now()
	res, err := sb.Exec(ctx, input.Command, sandbox.ExecOptions{
		Cwd:     input.Cwd,
		Env:     input.Env,
		Timeout: input.Timeout,
	})
	if err != nil {
		return fmt.Errorf("executing command %d: %w", index, err)
	}
	duration := time.Since(start)

	returnCode := strconv.Itoa(res.ReturnCode)
	if res.TimedOut {
		returnCode = TimeoutSentinel
	}

	if err := os.WriteFile(filepath.Join(dir, "return-code.txt"), []byte(returnCode), 0644); err != nil {
		return fmt.Errorf("writing return-code.txt: %w", err)
	}
	if res.Stdout != "" {
		if err := os.WriteFile(filepath.Join(dir, "stdout.txt"), []byte(res.Stdout), 0644); err != nil {
			return fmt.Errorf("writing stdout.txt: %w", err)
		}
	}
	if res.Stderr != "" {
		if err := os.WriteFile(filepath.Join(dir, "stderr.txt"), []byte(res.Stderr), 0644); err != nil {
			return fmt.Errorf("writing stderr.txt: %w", err)
		}
	}

	if run != nil {
		run.AddExecution(input.Command, returnCode, res.TimedOut, duration)
	}
	a.logger.Info("command finished", "index", index, "return_code", returnCode)

	return nil
}

// expandHome resolves a leading ~ to the current user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// tail returns at most the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
