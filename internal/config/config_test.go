package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	if Default.Harness.LogsDir != "./runs" {
		t.Errorf("default logs dir = %q, want ./runs", Default.Harness.LogsDir)
	}
	if Default.Docker.Image == "" {
		t.Error("default image should not be empty")
	}
	if Default.Docker.AutoPull != true {
		t.Error("default auto pull should be true")
	}
}

func TestLoadNoFile(t *testing.T) {
	// Chdir is process-wide, so this test must stay serial.
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Harness.LogsDir != Default.Harness.LogsDir {
		t.Errorf("logs dir = %q, want %q", cfg.Harness.LogsDir, Default.Harness.LogsDir)
	}
}

func TestLoadExplicitFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "test.toml")

	content := `
[harness]
logs_dir = "./custom-runs"
env_file = ".env.bench"

[docker]
image = "custom-image:latest"
auto_pull = false

[payload]
root = "/home/user/src/lattice"
include = ["package.json", "src"]
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Harness.LogsDir != "./custom-runs" {
		t.Errorf("logs dir = %q", cfg.Harness.LogsDir)
	}
	if cfg.Harness.EnvFile != ".env.bench" {
		t.Errorf("env file = %q", cfg.Harness.EnvFile)
	}
	if cfg.Docker.Image != "custom-image:latest" {
		t.Errorf("image = %q", cfg.Docker.Image)
	}
	if cfg.Docker.AutoPull {
		t.Error("auto pull should be false")
	}
	if cfg.Payload.Root != "/home/user/src/lattice" {
		t.Errorf("payload root = %q", cfg.Payload.Root)
	}
	if len(cfg.Payload.Include) != 2 {
		t.Errorf("include = %v", cfg.Payload.Include)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("Load() should fail for a missing explicit config file")
	}
}

func TestLoadPartialFileBackfills(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "partial.toml")
	if err := os.WriteFile(cfgPath, []byte("[harness]\n"), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Harness.LogsDir != Default.Harness.LogsDir {
		t.Errorf("logs dir = %q, want backfilled default", cfg.Harness.LogsDir)
	}
	if cfg.Docker.Image != Default.Docker.Image {
		t.Errorf("image = %q, want backfilled default", cfg.Docker.Image)
	}
}
