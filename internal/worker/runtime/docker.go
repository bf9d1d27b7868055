package runtime

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime implements the Runtime interface using the Docker SDK.
type DockerRuntime struct {
	client *client.Client
}

// DockerHandle represents a running container.
type DockerHandle struct {
	client      *client.Client
	containerID string
}

func mapToEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	return env
}

// NewDockerClient creates a Docker client from the standard environment
// variables (DOCKER_HOST, etc.).
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("Failed to create Docker client: %w", err)
	}
	return cli, nil
}

// NewDockerRuntime creates a new Docker-based runtime.
func NewDockerRuntime(cli *client.Client) *DockerRuntime {
	return &DockerRuntime{client: cli}
}

// containerConfig translates options into the container and host configs.
// Containers are kept after exit; housekeeping removes them.
func containerConfig(opts StartOptions) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:    opts.Image,
		Cmd:      opts.Command,
		Env:      mapToEnvList(opts.Env),
		Labels:   opts.Labels,
		Hostname: opts.Hostname,
		Tty:      false,
	}
	host := &container.HostConfig{
		AutoRemove: false,
		Resources: container.Resources{
			Memory:    opts.MemoryBytes,
			CPUQuota:  opts.CPUQuota,
			CPUPeriod: opts.CPUPeriod,
		},
	}
	return cfg, host
}

// Start implements Runtime.Start using Docker containers. The image must be
// present locally; the image manager pulls and builds it.
func (d *DockerRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	cfg, host := containerConfig(opts)

	containerResponse, err := d.client.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("Failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, containerResponse.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("Failed to start container: %w", err)
	}

	return &DockerHandle{
		client:      d.client,
		containerID: containerResponse.ID,
	}, nil
}

// KillByLabel implements Runtime.KillByLabel.
func (d *DockerRuntime) KillByLabel(ctx context.Context, key, value string) (int, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", key+"="+value)),
	})
	if err != nil {
		return 0, fmt.Errorf("list containers %s=%s: %w", key, value, err)
	}

	killed := 0
	for _, c := range containers {
		if err := d.client.ContainerKill(ctx, c.ID, "SIGKILL"); err != nil {
			if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
				continue
			}
			return killed, fmt.Errorf("kill container %s: %w", c.ID, err)
		}
		killed++
	}
	return killed, nil
}

// ExitedContainer is a stopped run container.
type ExitedContainer struct {
	ID      string
	Created time.Time
	Labels  map[string]string
}

// ListExited returns exited containers carrying label key=value.
func (d *DockerRuntime) ListExited(ctx context.Context, key, value string) ([]ExitedContainer, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", key+"="+value),
			filters.Arg("status", "exited"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list exited containers: %w", err)
	}

	out := make([]ExitedContainer, 0, len(containers))
	for _, c := range containers {
		out = append(out, ExitedContainer{
			ID:      c.ID,
			Created: time.Unix(c.Created, 0),
			Labels:  c.Labels,
		})
	}
	return out, nil
}

// Remove deletes a stopped container with its anonymous volumes.
func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// PruneImages removes dangling images and returns the bytes reclaimed.
func (d *DockerRuntime) PruneImages(ctx context.Context) (uint64, error) {
	report, err := d.client.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return 0, fmt.Errorf("prune images: %w", err)
	}
	return report.SpaceReclaimed, nil
}

// PruneVolumes removes unused anonymous volumes and returns the bytes reclaimed.
func (d *DockerRuntime) PruneVolumes(ctx context.Context) (uint64, error) {
	report, err := d.client.VolumesPrune(ctx, filters.NewArgs())
	if err != nil {
		return 0, fmt.Errorf("prune volumes: %w", err)
	}
	return report.SpaceReclaimed, nil
}

func (h *DockerHandle) ID() string {
	return h.containerID
}

func (h *DockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return ExitResult{ExitCode: -1, Error: err}, err
	case status := <-statusCh:
		if status.Error != nil {
			return ExitResult{
					ExitCode: int(status.StatusCode),
					Error:    fmt.Errorf("%s", status.Error.Message),
				},
				nil
		}
		return ExitResult{ExitCode: int(status.StatusCode)}, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

func (h *DockerHandle) Kill(ctx context.Context) error {
	err := h.client.ContainerKill(ctx, h.containerID, "SIGKILL")
	if err != nil && (errdefs.IsNotFound(err) || errdefs.IsConflict(err)) {
		return nil
	}
	return err
}

// Logs demultiplexes the container streams into one line-oriented reader.
func (h *DockerHandle) Logs(ctx context.Context) (io.ReadCloser, error) {
	rc, err := h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: true,
	})
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		rc.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}
