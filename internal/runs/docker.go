package runs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/basket/turngate/internal/config"
)

const containerWorkspace = "/workspace"

// DockerSpawner runs sandboxed commands in an ephemeral container with the
// repository bind-mounted at /workspace.
type DockerSpawner struct {
	client   *client.Client
	sandbox  config.SandboxConfig
	repoRoot string
	logger   *slog.Logger
}

func NewDockerSpawner(sandbox config.SandboxConfig, repoRoot string, logger *slog.Logger) (*DockerSpawner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if sandbox.Image == "" {
		sandbox.Image = "golang:1.24-bookworm"
	}
	if sandbox.MemoryMB <= 0 {
		sandbox.MemoryMB = 512
	}
	if sandbox.Network == "" {
		sandbox.Network = "none"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerSpawner{client: cli, sandbox: sandbox, repoRoot: repoRoot, logger: logger}, nil
}

// containerConfig maps a host spec onto the container's view of the repo.
func (d *DockerSpawner) containerConfig(spec Spec) (*container.Config, *container.HostConfig, error) {
	workdir := containerWorkspace
	if spec.Dir != "" {
		rel, err := filepath.Rel(d.repoRoot, spec.Dir)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, nil, fmt.Errorf("workdir %q is outside the repository", spec.Dir)
		}
		workdir = path.Join(containerWorkspace, filepath.ToSlash(rel))
	}
	cfg := &container.Config{
		Image:      d.sandbox.Image,
		Cmd:        append([]string{spec.Command}, spec.Args...),
		Env:        spec.Env,
		WorkingDir: workdir,
		Labels:     map[string]string{"turngate.run": spec.RunID},
	}
	host := &container.HostConfig{
		Resources:   container.Resources{Memory: d.sandbox.MemoryMB * 1024 * 1024},
		NetworkMode: container.NetworkMode(d.sandbox.Network),
		Binds:       []string{fmt.Sprintf("%s:%s", d.repoRoot, containerWorkspace)},
	}
	return cfg, host, nil
}

func (d *DockerSpawner) Spawn(ctx context.Context, spec Spec, emit LineFunc) (Process, error) {
	cfg, host, err := d.containerConfig(spec)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		d.remove(id)
		return nil, fmt.Errorf("start container: %w", err)
	}
	logs, err := d.client.ContainerLogs(context.WithoutCancel(ctx), id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		_ = d.client.ContainerKill(context.WithoutCancel(ctx), id, "SIGKILL")
		d.remove(id)
		return nil, fmt.Errorf("attach logs: %w", err)
	}
	p := &containerProcess{d: d, id: id, done: make(chan struct{})}
	go p.run(logs, emit)
	return p, nil
}

func (d *DockerSpawner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		d.logger.Warn("remove container failed", "container_id", id, "error", err)
	}
}

// Close releases the docker client.
// Ping reports whether the docker daemon answers.
func (d *DockerSpawner) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

func (d *DockerSpawner) Close() error {
	return d.client.Close()
}

type containerProcess struct {
	d    *DockerSpawner
	id   string
	done chan struct{}

	exitCode int
	err      error
}

func (p *containerProcess) run(logs io.ReadCloser, emit LineFunc) {
	defer close(p.done)
	stdout := newLineWriter(StreamStdout, emit)
	stderr := newLineWriter(StreamStderr, emit)
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil && !errors.Is(err, io.EOF) {
		p.d.logger.Debug("container log stream ended", "container_id", p.id, "error", err)
	}
	_ = logs.Close()
	stdout.Flush()
	stderr.Flush()

	statusCh, errCh := p.d.client.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		p.exitCode = int(st.StatusCode)
		if st.Error != nil && st.Error.Message != "" {
			p.err = errors.New(st.Error.Message)
		}
	case err := <-errCh:
		p.exitCode = -1
		p.err = fmt.Errorf("wait container: %w", err)
	}
	p.d.remove(p.id)
}

func (p *containerProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.err
}

func (p *containerProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	grace := int(defaultStopGrace / time.Second)
	if err := p.d.client.ContainerStop(ctx, p.id, container.StopOptions{Timeout: &grace}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
