package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Docker wraps the Docker SDK client with adapter-specific operations.
type Docker struct {
	client *client.Client
}

// NewDocker creates a new Docker client and verifies the daemon is accessible.
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	// Verify Docker daemon is accessible immediately to fail fast
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon not accessible (is Docker running?): %w", err)
	}

	return &Docker{client: cli}, nil
}

// Close closes the Docker client.
func (d *Docker) Close() error {
	return d.client.Close()
}

// ImageExists checks if an image exists locally.
func (d *Docker) ImageExists(ctx context.Context, imageName string) (bool, error) {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("listing images: %w", err)
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == imageName {
				return true, nil
			}
		}
	}

	return false, nil
}

// PullImage pulls an image from a registry.
func (d *Docker) PullImage(ctx context.Context, imageName string) error {
	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	// Consume the output to wait for completion
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	return nil
}

// EnsureImage ensures an image is available locally, pulling if necessary.
func (d *Docker) EnsureImage(ctx context.Context, imageName string, autoPull bool) error {
	exists, err := d.ImageExists(ctx, imageName)
	if err != nil {
		return err
	}

	if exists {
		return nil
	}

	if !autoPull {
		return fmt.Errorf("image %s not found locally and auto-pull is disabled", imageName)
	}

	return d.PullImage(ctx, imageName)
}

// CreateContainer creates and starts a long-lived container to serve as the
// sandbox, returning an Environment bound to it.
func (d *Docker) CreateContainer(ctx context.Context, imageName, name string) (*Container, error) {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: imageName,
		Cmd:   []string{"sleep", "infinity"},
		Tty:   false,
	}, nil, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("starting container: %w", err)
	}

	return &Container{client: d.client, id: resp.ID}, nil
}

// Container is a Docker-backed sandbox Environment.
type Container struct {
	client *client.Client
	id     string
}

// ID returns the container id.
func (c *Container) ID() string {
	return c.id
}

// Remove force-removes the container.
func (c *Container) Remove(ctx context.Context) error {
	if err := c.client.ContainerRemove(ctx, c.id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// Upload copies a host file into the container at remotePath.
func (c *Container) Upload(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", localPath, err)
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	return c.UploadBytes(ctx, data, remotePath, info.Mode().Perm())
}

// UploadBytes writes data into the container at remotePath with mode.
func (c *Container) UploadBytes(ctx context.Context, data []byte, remotePath string, mode fs.FileMode) error {
	dir := path.Dir(remotePath)

	// The copy API requires the destination directory to exist.
	res, err := c.Exec(ctx, fmt.Sprintf("mkdir -p %s", Quote(dir)), ExecOptions{})
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	if res.ReturnCode != 0 {
		return fmt.Errorf("creating directory %s: exit code %d: %s", dir, res.ReturnCode, res.Stderr)
	}

	tarball, err := wrapFileTar(path.Base(remotePath), data, mode)
	if err != nil {
		return err
	}

	if err := c.client.CopyToContainer(ctx, c.id, dir, bytes.NewReader(tarball), container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying to %s: %w", remotePath, err)
	}
	return nil
}

// Download copies a container file to the host. The returned error wraps
// fs.ErrNotExist when remotePath is absent, so callers can distinguish
// "no artifact" from transport failures.
func (c *Container) Download(ctx context.Context, remotePath, localPath string) error {
	rc, _, err := c.client.CopyFromContainer(ctx, c.id, remotePath)
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("remote path %s: %w", remotePath, fs.ErrNotExist)
		}
		return fmt.Errorf("copying from %s: %w", remotePath, err)
	}
	defer func() { _ = rc.Close() }()

	content, err := firstFileFromTar(rc)
	if err != nil {
		return fmt.Errorf("extracting %s: %w", remotePath, err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(localPath), err)
	}
	if err := os.WriteFile(localPath, content, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", localPath, err)
	}
	return nil
}

// copyResult holds the result of stdcopy.StdCopy.
type copyResult struct {
	err error
}

// Exec executes a shell command in the running container. A timeout is
// reported in the result, with whatever partial output was captured, rather
// than as an error.
func (c *Container) Exec(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error) {
	execCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execConfig := container.ExecOptions{
		Cmd:          []string{"sh", "-lc", command},
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   opts.Cwd,
		Env:          envSlice(opts.Env),
	}

	execResp, err := c.client.ContainerExecCreate(execCtx, c.id, execConfig)
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	attachResp, err := c.client.ContainerExecAttach(execCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec: %w", err)
	}

	// Read output in a goroutine so we can respect the timeout.
	// stdcopy.StdCopy blocks until EOF (process exits) and does not check
	// context cancellation, so we run it separately and close the
	// connection if the deadline fires. The mutex protects the buffers:
	// the goroutine writes them and we read them on timeout.
	var stdout, stderr bytes.Buffer
	var bufMu sync.Mutex
	copyDone := make(chan copyResult, 1)

	go func() {
		bufMu.Lock()
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader)
		bufMu.Unlock()
		copyDone <- copyResult{err: copyErr}
	}()

	var timedOut bool
	select {
	case res := <-copyDone:
		if res.err != nil {
			attachResp.Close()
			return nil, fmt.Errorf("reading exec output: %w", res.err)
		}
	case <-execCtx.Done():
		// Close the connection to unblock the goroutine, then decide what
		// fired: the per-command deadline is a timeout outcome with whatever
		// output was captured, while caller cancellation (SIGINT, parent
		// context) aborts the exec as an error.
		attachResp.Close()
		<-copyDone
		if !execDeadlineExceeded(opts, execCtx.Err()) {
			return nil, fmt.Errorf("exec aborted: %w", execCtx.Err())
		}
		timedOut = true
	}

	if timedOut {
		bufMu.Lock()
		stdoutStr := stdout.String()
		stderrStr := stderr.String()
		bufMu.Unlock()
		return &ExecResult{
			ReturnCode: TimeoutReturnCode,
			Stdout:     stdoutStr,
			Stderr:     stderrStr,
			TimedOut:   true,
		}, nil
	}

	attachResp.Close()

	// Get exit code - use a fresh context since execCtx may be close to expiring
	inspectCtx, inspectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer inspectCancel()

	var returnCode int
	for {
		inspectResp, err := c.client.ContainerExecInspect(inspectCtx, execResp.ID)
		if err != nil {
			return nil, fmt.Errorf("inspecting exec: %w", err)
		}

		if !inspectResp.Running {
			returnCode = inspectResp.ExitCode
			break
		}

		select {
		case <-inspectCtx.Done():
			return nil, fmt.Errorf("timeout waiting for exec exit code")
		case <-time.After(50 * time.Millisecond):
			continue
		}
	}

	return &ExecResult{
		ReturnCode: returnCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
	}, nil
}

// execDeadlineExceeded reports whether the exec's own deadline fired. A
// context that terminated for any other reason (caller cancellation, or a
// parent deadline when no per-command timeout was configured) is not a
// command timeout.
func execDeadlineExceeded(opts ExecOptions, err error) bool {
	return opts.Timeout > 0 && errors.Is(err, context.DeadlineExceeded)
}

// envSlice converts an environment map to the sorted KEY=VALUE form the
// Docker API expects.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
