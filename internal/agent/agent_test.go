package agent

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lattice-dev/latticebench/internal/config"
	"github.com/lattice-dev/latticebench/internal/result"
	"github.com/lattice-dev/latticebench/internal/sandbox"
)

// fakeSandbox records operations in order and serves canned exec results.
type fakeSandbox struct {
	ops      []string
	uploads  map[string][]byte // remote path to uploaded bytes
	files    map[string][]byte // remote path to downloadable bytes
	results  []*sandbox.ExecResult
	nextExec int
	onExec   func(command string)
	lastEnv  map[string]string
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{
		uploads: make(map[string][]byte),
		files:   make(map[string][]byte),
	}
}

func (f *fakeSandbox) Upload(_ context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.ops = append(f.ops, "upload "+remotePath)
	f.uploads[remotePath] = data
	return nil
}

func (f *fakeSandbox) UploadBytes(_ context.Context, data []byte, remotePath string, _ fs.FileMode) error {
	f.ops = append(f.ops, "upload "+remotePath)
	f.uploads[remotePath] = data
	return nil
}

func (f *fakeSandbox) Download(_ context.Context, remotePath, localPath string) error {
	f.ops = append(f.ops, "download "+remotePath)
	data, ok := f.files[remotePath]
	if !ok {
		return fmt.Errorf("path %s: %w", remotePath, fs.ErrNotExist)
	}
	return os.WriteFile(localPath, data, 0644)
}

func (f *fakeSandbox) Exec(_ context.Context, command string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	if f.onExec != nil {
		f.onExec(command)
	}
	f.ops = append(f.ops, "exec "+command)
	f.lastEnv = opts.Env
	if f.nextExec < len(f.results) {
		res := f.results[f.nextExec]
		f.nextExec++
		return res, nil
	}
	return &sandbox.ExecResult{ReturnCode: 0}, nil
}

// newTestAgent builds an Agent over a minimal app tree. The snapshot
// replaces the ambient environment so tests never read the real one.
func newTestAgent(t *testing.T, snapshot config.Source) (*Agent, string) {
	t.Helper()

	appRoot := t.TempDir()
	scripts := filepath.Join(appRoot, "scripts")
	if err := os.MkdirAll(scripts, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(scripts, "postinstall.sh"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(appRoot, "package.json"), []byte(`{"name":"lattice"}`), 0644); err != nil {
		t.Fatal(err)
	}

	if snapshot == nil {
		snapshot = config.Source{}
	}
	logsDir := t.TempDir()
	a, err := New(Options{
		LogsDir:  logsDir,
		AppRoot:  appRoot,
		Snapshot: snapshot,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a, logsDir
}

func TestSetupOrder(t *testing.T) {
	t.Parallel()

	a, _ := newTestAgent(t, nil)
	sb := newFakeSandbox()

	if err := a.Setup(context.Background(), sb); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	want := []string{
		"exec mkdir -p " + sandbox.StagingDir,
		"upload " + sandbox.ArchivePath,
		"upload " + sandbox.RunnerPath,
		"upload " + sandbox.SetupPath,
		"exec bash " + sandbox.SetupPath,
	}
	if len(sb.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", sb.ops, want)
	}
	for i, op := range want {
		if sb.ops[i] != op {
			t.Errorf("ops[%d] = %q, want %q", i, sb.ops[i], op)
		}
	}

	// The install step carries the resolved environment.
	if sb.lastEnv["LATTICE_MODEL"] != config.DefaultModel {
		t.Errorf("install env LATTICE_MODEL = %q", sb.lastEnv["LATTICE_MODEL"])
	}
}

func TestSetupWritesAuditCopy(t *testing.T) {
	t.Parallel()

	a, logsDir := newTestAgent(t, nil)
	sb := newFakeSandbox()

	if err := a.Setup(context.Background(), sb); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	audit, err := os.ReadFile(filepath.Join(logsDir, sandbox.ArchiveName))
	if err != nil {
		t.Fatalf("reading audit copy: %v", err)
	}
	if string(audit) != string(sb.uploads[sandbox.ArchivePath]) {
		t.Error("audit copy differs from uploaded archive")
	}

	digest, err := os.ReadFile(filepath.Join(logsDir, sandbox.ArchiveName+".digest"))
	if err != nil {
		t.Fatalf("reading digest file: %v", err)
	}
	if !strings.HasPrefix(string(digest), "blake3:") {
		t.Errorf("digest file = %q", digest)
	}
	if strings.TrimSpace(string(digest)) != a.ArchiveDigest() {
		t.Error("digest file does not match ArchiveDigest()")
	}
}

func TestSetupSetupScriptFailure(t *testing.T) {
	t.Parallel()

	a, _ := newTestAgent(t, nil)
	sb := newFakeSandbox()
	sb.results = []*sandbox.ExecResult{
		{ReturnCode: 0}, // mkdir
		{ReturnCode: 2, Stderr: "bun: not found"},
	}

	err := a.Setup(context.Background(), sb)
	if err == nil {
		t.Fatal("Setup() succeeded despite failing install")
	}
	if !strings.Contains(err.Error(), "install failed") {
		t.Errorf("error = %v", err)
	}
	if !strings.Contains(err.Error(), "bun: not found") {
		t.Errorf("error does not carry stderr: %v", err)
	}
}

func TestSetupProvidersFileUnset(t *testing.T) {
	t.Parallel()

	a, _ := newTestAgent(t, nil)
	sb := newFakeSandbox()

	if err := a.Setup(context.Background(), sb); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	for remote := range sb.uploads {
		if strings.HasSuffix(remote, "providers.jsonc") {
			t.Errorf("providers file uploaded without configuration: %s", remote)
		}
	}
}

func TestSetupProvidersFileMissing(t *testing.T) {
	t.Parallel()

	a, _ := newTestAgent(t, config.Source{
		config.ProvidersFileEnvKey: "/nonexistent/providers.jsonc",
	})
	sb := newFakeSandbox()

	err := a.Setup(context.Background(), sb)
	if err == nil {
		t.Fatal("Setup() succeeded with unreadable providers file")
	}
	if !strings.Contains(err.Error(), config.ProvidersFileEnvKey) {
		t.Errorf("error does not name the key: %v", err)
	}
}

func TestSetupProvidersFileStaged(t *testing.T) {
	t.Parallel()

	providers := filepath.Join(t.TempDir(), "providers.jsonc")
	if err := os.WriteFile(providers, []byte(`{"anthropic":{}}`), 0600); err != nil {
		t.Fatal(err)
	}

	a, _ := newTestAgent(t, config.Source{
		config.ProvidersFileEnvKey: providers,
		"LATTICE_CONFIG_ROOT":      "/srv/lattice/",
	})
	sb := newFakeSandbox()

	if err := a.Setup(context.Background(), sb); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	data, ok := sb.uploads["/srv/lattice/providers.jsonc"]
	if !ok {
		t.Fatalf("providers file not staged; uploads = %v", sb.ops)
	}
	if string(data) != `{"anthropic":{}}` {
		t.Errorf("staged content = %q", data)
	}

	// Staging happens after install, never before.
	var installAt, providersAt int
	for i, op := range sb.ops {
		if op == "exec bash "+sandbox.SetupPath {
			installAt = i
		}
		if op == "upload /srv/lattice/providers.jsonc" {
			providersAt = i
		}
	}
	if providersAt < installAt {
		t.Errorf("providers staged before install: %v", sb.ops)
	}
}

func TestArchiveBuiltOnce(t *testing.T) {
	t.Parallel()

	a, _ := newTestAgent(t, nil)
	sb := newFakeSandbox()

	if err := a.Setup(context.Background(), sb); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	first := a.ArchiveDigest()

	// Mutating the app tree after the first build must not change the
	// archive: the payload is cached for the lifetime of the Agent.
	if err := os.WriteFile(filepath.Join(a.builder.Root, "extra.txt"), []byte("late"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := a.Setup(context.Background(), newFakeSandbox()); err != nil {
		t.Fatalf("second Setup() error = %v", err)
	}
	if a.ArchiveDigest() != first {
		t.Error("archive rebuilt across setups")
	}
}

func TestCommandsSingleQuotedInvocation(t *testing.T) {
	t.Parallel()

	a, _ := newTestAgent(t, config.Source{"LATTICE_TIMEOUT_MS": "5000"})
	env, err := a.Env()
	if err != nil {
		t.Fatalf("Env() error = %v", err)
	}

	cmds := a.Commands("fix the bug in it's parser", env)
	if len(cmds) != 1 {
		t.Fatalf("got %d commands, want 1", len(cmds))
	}
	want := "bash " + sandbox.RunnerPath + ` 'fix the bug in it'\''s parser'`
	if cmds[0].Command != want {
		t.Errorf("command = %q, want %q", cmds[0].Command, want)
	}
	if cmds[0].Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", cmds[0].Timeout)
	}
	if cmds[0].Env["LATTICE_MODEL"] != config.DefaultModel {
		t.Errorf("command env LATTICE_MODEL = %q", cmds[0].Env["LATTICE_MODEL"])
	}
}

func TestRunCommandLogArtifacts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		res        *sandbox.ExecResult
		wantRC     string
		wantStdout bool
		wantStderr bool
	}{
		{
			name:   "clean exit no output",
			res:    &sandbox.ExecResult{ReturnCode: 0},
			wantRC: "0",
		},
		{
			name:       "failure with output",
			res:        &sandbox.ExecResult{ReturnCode: 1, Stdout: "partial output", Stderr: "error text"},
			wantRC:     "1",
			wantStdout: true,
			wantStderr: true,
		},
		{
			name:       "timeout keeps partial stdout",
			res:        &sandbox.ExecResult{ReturnCode: sandbox.TimeoutReturnCode, Stdout: "got this far", TimedOut: true},
			wantRC:     TimeoutSentinel,
			wantStdout: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a, logsDir := newTestAgent(t, nil)
			sb := newFakeSandbox()
			sb.results = []*sandbox.ExecResult{tt.res}

			run := result.NewRun("instruction", "model")
			input := ExecInput{Command: "bash " + sandbox.RunnerPath + " instruction"}
			if err := a.runCommand(context.Background(), sb, 0, input, run); err != nil {
				t.Fatalf("runCommand() error = %v", err)
			}

			dir := filepath.Join(logsDir, "command-0")

			cmd, err := os.ReadFile(filepath.Join(dir, "command.txt"))
			if err != nil {
				t.Fatalf("command.txt: %v", err)
			}
			if string(cmd) != input.Command {
				t.Errorf("command.txt = %q", cmd)
			}

			rc, err := os.ReadFile(filepath.Join(dir, "return-code.txt"))
			if err != nil {
				t.Fatalf("return-code.txt: %v", err)
			}
			if string(rc) != tt.wantRC {
				t.Errorf("return-code.txt = %q, want %q", rc, tt.wantRC)
			}

			_, err = os.Stat(filepath.Join(dir, "stdout.txt"))
			if tt.wantStdout != (err == nil) {
				t.Errorf("stdout.txt present = %v, want %v", err == nil, tt.wantStdout)
			}
			_, err = os.Stat(filepath.Join(dir, "stderr.txt"))
			if tt.wantStderr != (err == nil) {
				t.Errorf("stderr.txt present = %v, want %v", err == nil, tt.wantStderr)
			}

			if len(run.Executions) != 1 {
				t.Fatalf("executions = %d, want 1", len(run.Executions))
			}
			if run.Executions[0].ReturnCode != tt.wantRC {
				t.Errorf("recorded return code = %q", run.Executions[0].ReturnCode)
			}
		})
	}
}

func TestRunCommandTextDurableBeforeExec(t *testing.T) {
	t.Parallel()

	a, logsDir := newTestAgent(t, nil)
	sb := newFakeSandbox()

	var seen string
	sb.onExec = func(string) {
		data, err := os.ReadFile(filepath.Join(logsDir, "command-0", "command.txt"))
		if err != nil {
			t.Errorf("command.txt not durable before exec: %v", err)
			return
		}
		seen = string(data)
	}

	input := ExecInput{Command: "bash " + sandbox.RunnerPath + " task"}
	if err := a.runCommand(context.Background(), sb, 0, input, nil); err != nil {
		t.Fatalf("runCommand() error = %v", err)
	}
	if seen != input.Command {
		t.Errorf("command.txt at exec time = %q", seen)
	}
}

func TestRunHarvestsAfterCommand(t *testing.T) {
	t.Parallel()

	a, _ := newTestAgent(t, nil)
	sb := newFakeSandbox()
	sb.files[sandbox.TelemetryPath] = []byte(`{"input":120,"output":45,"cost_usd":0.0032}`)

	run := result.NewRun("do the task", config.DefaultModel)
	var runCtx result.RunContext
	if err := a.Run(context.Background(), sb, "do the task", run, &runCtx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if run.Harvest != string(HarvestPresent) {
		t.Errorf("run harvest = %q", run.Harvest)
	}
	if runCtx.InputTokens == nil || *runCtx.InputTokens != 120 {
		t.Errorf("input tokens = %v", runCtx.InputTokens)
	}
	if runCtx.OutputTokens == nil || *runCtx.OutputTokens != 45 {
		t.Errorf("output tokens = %v", runCtx.OutputTokens)
	}
	if runCtx.CostUSD == nil || *runCtx.CostUSD != 0.0032 {
		t.Errorf("cost = %v", runCtx.CostUSD)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{AppRoot: t.TempDir()}); err == nil {
		t.Error("New() accepted empty logs dir")
	}
	if _, err := New(Options{LogsDir: t.TempDir()}); err == nil {
		t.Error("New() accepted empty app root")
	}
	if _, err := New(Options{LogsDir: t.TempDir(), AppRoot: "/nonexistent/app"}); err == nil {
		t.Error("New() accepted missing app root")
	}
}
