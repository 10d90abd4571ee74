// Package dockerd is a typed wrapper over the Docker HTTP API. It narrows
// the daemon client to the operations the harness needs and classifies
// daemon errors independently of the wire format.
package dockerd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/majorcontext/dockhand/internal/dockercfg"
	"github.com/majorcontext/dockhand/internal/log"
)

// Client wraps the Docker client with harness-specific operations.
type Client struct {
	cli *client.Client
}

// NewClient creates a daemon client against the resolved daemon host.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(dockercfg.DaemonHost()),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close releases Docker client resources.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping verifies the Docker daemon is accessible.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return nil
}

// ImageExists checks if an image exists locally.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := c.cli.ImageInspect(ctx, ref)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting image %s: %w", ref, err)
	}
	return true, nil
}

// PullImage pulls an image, resolving registry credentials from the
// environment. The progress stream is drained to completion.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	auth, err := dockercfg.RegistryAuth(ref)
	if err != nil {
		log.Warn("registry auth resolution failed, pulling anonymously", "image", ref, "error", err)
		auth = ""
	}

	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: auth})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer reader.Close()

	// Drain the reader to complete the pull (discard JSON progress output)
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}

// EnsureImage pulls an image if it doesn't exist locally.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	exists, err := c.ImageExists(ctx, ref)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	log.Debug("pulling image", "image", ref)
	return c.PullImage(ctx, ref)
}

// CreateContainer creates a container without starting it.
func (c *Client) CreateContainer(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, name string) (string, error) {
	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	return resp.ID, nil
}

// StartContainer starts an existing container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

// StopContainer stops a running container with the given timeout.
func (c *Client) StopContainer(ctx context.Context, id string, timeout *time.Duration) error {
	var opts container.StopOptions
	if timeout != nil {
		secs := int(timeout.Seconds())
		opts.Timeout = &secs
	}
	if err := c.cli.ContainerStop(ctx, id, opts); err != nil {
		return fmt.Errorf("stopping container: %w", err)
	}
	return nil
}

// KillContainer sends SIGKILL to a running container.
func (c *Client) KillContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		return fmt.Errorf("killing container: %w", err)
	}
	return nil
}

// PauseContainer suspends all processes in a container.
func (c *Client) PauseContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerPause(ctx, id); err != nil {
		return fmt.Errorf("pausing container: %w", err)
	}
	return nil
}

// UnpauseContainer resumes all processes in a paused container.
func (c *Client) UnpauseContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerUnpause(ctx, id); err != nil {
		return fmt.Errorf("unpausing container: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container and its anonymous volumes.
// Removal of an already-gone container is not an error.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// InspectContainer returns container inspection data.
func (c *Client) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	inspect, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return container.InspectResponse{}, fmt.Errorf("inspecting container: %w", err)
	}
	return inspect, nil
}

// WaitContainer blocks until the container stops running and returns the exit code.
func (c *Client) WaitContainer(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("waiting for container: %w", err)
	case status := <-statusCh:
		return status.StatusCode, nil
	}
}

// LogsOptions configures a log stream request.
type LogsOptions struct {
	Stdout bool
	Stderr bool
	Follow bool
	Since  string
}

// ContainerLogs returns the container's multiplexed log stream.
func (c *Client) ContainerLogs(ctx context.Context, id string, opts LogsOptions) (io.ReadCloser, error) {
	reader, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: opts.Stdout,
		ShowStderr: opts.Stderr,
		Follow:     opts.Follow,
		Since:      opts.Since,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching container logs: %w", err)
	}
	return reader, nil
}

// ExecCreate creates an exec instance in a running container.
func (c *Client) ExecCreate(ctx context.Context, id string, opts container.ExecOptions) (string, error) {
	resp, err := c.cli.ContainerExecCreate(ctx, id, opts)
	if err != nil {
		return "", fmt.Errorf("creating exec: %w", err)
	}
	return resp.ID, nil
}

// ExecAttach starts an exec instance and attaches to its streams.
func (c *Client) ExecAttach(ctx context.Context, execID string, tty bool) (types.HijackedResponse, error) {
	resp, err := c.cli.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{Tty: tty})
	if err != nil {
		return types.HijackedResponse{}, fmt.Errorf("attaching to exec: %w", err)
	}
	return resp, nil
}

// ExecInspect returns the running state and exit code of an exec instance.
func (c *Client) ExecInspect(ctx context.Context, execID string) (running bool, exitCode int, err error) {
	inspect, err := c.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return false, 0, fmt.Errorf("inspecting exec: %w", err)
	}
	return inspect.Running, inspect.ExitCode, nil
}

// CopyToContainer uploads a tar stream to a path in the container.
func (c *Client) CopyToContainer(ctx context.Context, id, path string, content io.Reader) error {
	if err := c.cli.CopyToContainer(ctx, id, path, content, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("uploading archive to container: %w", err)
	}
	return nil
}

// CopyFromContainer downloads a path from the container as a tar stream.
func (c *Client) CopyFromContainer(ctx context.Context, id, path string) (io.ReadCloser, error) {
	reader, _, err := c.cli.CopyFromContainer(ctx, id, path)
	if err != nil {
		return nil, fmt.Errorf("downloading archive from container: %w", err)
	}
	return reader, nil
}

// CreateNetwork creates a bridge network with the given name and labels.
// Returns the network ID.
func (c *Client) CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	resp, err := c.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: labels,
	})
	if err != nil {
		return "", fmt.Errorf("creating network: %w", err)
	}
	return resp.ID, nil
}

// FindNetwork resolves a network name or ID to its ID.
// Returns ("", nil) if the network does not exist.
func (c *Client) FindNetwork(ctx context.Context, nameOrID string) (string, error) {
	resp, err := c.cli.NetworkInspect(ctx, nameOrID, network.InspectOptions{})
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("inspecting network: %w", err)
	}
	return resp.ID, nil
}

// RemoveNetwork removes a network by ID.
// Best-effort: an already-removed or still-referenced network is not an error.
func (c *Client) RemoveNetwork(ctx context.Context, id string) error {
	err := c.cli.NetworkRemove(ctx, id)
	if err != nil {
		if IsNotFound(err) || IsConflict(err) {
			return nil
		}
		return fmt.Errorf("removing network: %w", err)
	}
	return nil
}

// ConnectNetwork attaches a container to a network under the given aliases.
func (c *Client) ConnectNetwork(ctx context.Context, networkID, containerID string, aliases []string) error {
	err := c.cli.NetworkConnect(ctx, networkID, containerID, &network.EndpointSettings{
		Aliases: aliases,
	})
	if err != nil {
		return fmt.Errorf("connecting container to network: %w", err)
	}
	return nil
}

// FindContainerByLabels returns the ID of a running container carrying every
// given label, or "" if none matches.
func (c *Client) FindContainerByLabels(ctx context.Context, labels map[string]string) (string, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return "", fmt.Errorf("listing containers: %w", err)
	}
	if len(containers) == 0 {
		return "", nil
	}
	return containers[0].ID, nil
}
