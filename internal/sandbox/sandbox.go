// Package sandbox defines the capability surface the adapter needs from an
// isolated execution environment, and a Docker-backed implementation.
package sandbox

import (
	"context"
	"io/fs"
	"time"
)

// Fixed sandbox paths shared with the install and runner scripts. These are
// the contract between the adapter and the in-sandbox collaborators; keep
// them in one place rather than duplicating literals.
const (
	StagingDir  = "/installed-agent"
	ArchiveName = "lattice-app.tar.gz"
	RunnerName  = "lattice-run.sh"
	SetupName   = "lattice-setup.sh"

	ArchivePath = StagingDir + "/" + ArchiveName
	RunnerPath  = StagingDir + "/" + RunnerName
	SetupPath   = StagingDir + "/" + SetupName

	// TelemetryPath is where the runner script writes token usage and cost.
	TelemetryPath = "/tmp/lattice-tokens.json"
)

// TimeoutReturnCode is the sentinel return code for a timed-out command.
const TimeoutReturnCode = -1

// ExecOptions configures a single command execution.
type ExecOptions struct {
	Cwd     string
	Env     map[string]string
	Timeout time.Duration // Zero means no timeout
}

// ExecResult holds the outcome of a sandboxed command. A timeout is an
// outcome, not an error: partial output is kept and TimedOut is set.
type ExecResult struct {
	ReturnCode int
	Stdout     string
	Stderr     string
	TimedOut   bool
}

// Environment is the sandbox capability set the adapter consumes.
// Implementations must support at most one outstanding call at a time.
type Environment interface {
	// Upload copies a host file into the sandbox at remotePath.
	Upload(ctx context.Context, localPath, remotePath string) error

	// UploadBytes writes data into the sandbox at remotePath with mode.
	UploadBytes(ctx context.Context, data []byte, remotePath string, mode fs.FileMode) error

	// Download copies a sandbox file to the host. When remotePath does not
	// exist the returned error wraps fs.ErrNotExist.
	Download(ctx context.Context, remotePath, localPath string) error

	// Exec runs a shell command in the sandbox.
	Exec(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error)
}
