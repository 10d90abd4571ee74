package dockhand

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/majorcontext/dockhand/internal/archive"
	"github.com/majorcontext/dockhand/internal/dockerd"
	"github.com/majorcontext/dockhand/internal/dockercfg"
	"github.com/majorcontext/dockhand/internal/hostport"
	"github.com/majorcontext/dockhand/internal/log"
	"github.com/majorcontext/dockhand/internal/watchdog"
	"github.com/majorcontext/dockhand/wait"
)

// mappedPortRetries covers the brief window where the daemon has started a
// container but not yet reported its port bindings.
const (
	mappedPortRetries  = 10
	mappedPortInterval = 100 * time.Millisecond
)

// Container is the handle to a running (or intentionally exited) container.
// Terminate removes the container and every auxiliary resource the harness
// created for it: the log pump, the host-port sidecar, and the network if
// this handle created it.
type Container struct {
	id    string
	image string

	cli      *dockerd.Client
	registry *watchdog.Registry
	pump     *logPump

	forwarder      *hostport.Forwarder
	ownedNetworkID string
	reused         bool

	consumerCancels []func()

	inspectMu sync.Mutex
	inspected *container.InspectResponse

	terminateOnce sync.Once
	terminateErr  error
}

// ID returns the daemon-assigned container id.
func (c *Container) ID() string { return c.id }

// Image returns the image reference the container was created from.
func (c *Container) Image() string { return c.image }

// Host returns the address the container's published ports are reachable on.
func (c *Container) Host(_ context.Context) (string, error) {
	return dockercfg.PublishedHost(), nil
}

// inspect returns cached inspection data, refreshing on miss.
func (c *Container) inspect(ctx context.Context, refresh bool) (container.InspectResponse, error) {
	c.inspectMu.Lock()
	defer c.inspectMu.Unlock()
	if !refresh && c.inspected != nil {
		return *c.inspected, nil
	}
	resp, err := c.cli.InspectContainer(ctx, c.id)
	if err != nil {
		return container.InspectResponse{}, err
	}
	c.inspected = &resp
	return resp, nil
}

// invalidate drops the inspection cache after a lifecycle verb.
func (c *Container) invalidate() {
	c.inspectMu.Lock()
	c.inspected = nil
	c.inspectMu.Unlock()
}

// MappedPort resolves a container port ("6379/tcp", or bare "6379") to the
// host port the daemon published it on. Bindings can lag container start
// slightly, so lookups retry briefly before giving up.
func (c *Container) MappedPort(ctx context.Context, port string) (nat.Port, error) {
	proto, portNum := nat.SplitProtoPort(port)
	p, err := nat.NewPort(proto, portNum)
	if err != nil {
		return "", fmt.Errorf("parsing port %q: %w", port, err)
	}

	for attempt := 0; ; attempt++ {
		inspect, err := c.inspect(ctx, attempt > 0)
		if err != nil {
			return "", err
		}
		for _, binding := range inspect.NetworkSettings.Ports[p] {
			if binding.HostPort != "" {
				return nat.Port(binding.HostPort + "/" + p.Proto()), nil
			}
		}
		if attempt >= mappedPortRetries {
			return "", &PortNotExposedError{Port: p}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(mappedPortInterval):
		}
	}
}

// Endpoint returns scheme://host:port for a published container port.
func (c *Container) Endpoint(ctx context.Context, port, scheme string) (string, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		return "", err
	}
	if scheme == "" {
		return fmt.Sprintf("%s:%s", host, mapped.Port()), nil
	}
	return fmt.Sprintf("%s://%s:%s", scheme, host, mapped.Port()), nil
}

// ContainerIP returns the container's address on its primary network.
func (c *Container) ContainerIP(ctx context.Context) (string, error) {
	inspect, err := c.inspect(ctx, true)
	if err != nil {
		return "", err
	}
	for _, settings := range inspect.NetworkSettings.Networks {
		if settings.IPAddress != "" {
			return settings.IPAddress, nil
		}
	}
	return "", fmt.Errorf("container %s has no network address", c.id)
}

// State returns the container's current state.
func (c *Container) State(ctx context.Context) (wait.State, error) {
	inspect, err := c.inspect(ctx, true)
	if err != nil {
		return wait.State{}, err
	}
	state := wait.State{
		Status:   inspect.State.Status,
		Running:  inspect.State.Running,
		ExitCode: inspect.State.ExitCode,
	}
	if inspect.State.Health != nil {
		state.Health = inspect.State.Health.Status
	}
	return state, nil
}

// LogsOptions selects streams for the pull-based log API.
type LogsOptions struct {
	Stdout bool
	Stderr bool
	// Follow keeps the stream open, delivering new output until the
	// container exits or the context is canceled.
	Follow bool
}

// Logs returns the selected streams, demultiplexed, as a single reader.
// With Follow unset the reader terminates at the current end of log.
func (c *Container) Logs(ctx context.Context, opts LogsOptions) (io.ReadCloser, error) {
	if !opts.Stdout && !opts.Stderr {
		opts.Stdout, opts.Stderr = true, true
	}
	raw, err := c.cli.ContainerLogs(ctx, c.id, dockerd.LogsOptions{
		Stdout: opts.Stdout,
		Stderr: opts.Stderr,
		Follow: opts.Follow,
	})
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		defer raw.Close()
		// Both selected streams land in the same pipe; stream identity is
		// the log pump's job, this API is for whole-buffer assertions.
		_, err := stdcopy.StdCopy(pw, pw, raw)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// StdoutBytes returns the container's stdout so far as one buffer.
func (c *Container) StdoutBytes(ctx context.Context) ([]byte, error) {
	return c.logBytes(ctx, true, false)
}

// StderrBytes returns the container's stderr so far as one buffer.
func (c *Container) StderrBytes(ctx context.Context) ([]byte, error) {
	return c.logBytes(ctx, false, true)
}

func (c *Container) logBytes(ctx context.Context, stdout, stderr bool) ([]byte, error) {
	raw, err := c.cli.ContainerLogs(ctx, c.id, dockerd.LogsOptions{
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		return nil, err
	}
	defer raw.Close()

	var out, discard bytes.Buffer
	outW, errW := &out, &discard
	if stderr && !stdout {
		outW, errW = &discard, &out
	}
	if _, err := stdcopy.StdCopy(outW, errW, raw); err != nil {
		return nil, fmt.Errorf("demuxing logs: %w", err)
	}
	return out.Bytes(), nil
}

// FollowOutput subscribes a consumer to the container's log frames.
func (c *Container) FollowOutput(consumer LogConsumer) {
	c.consumerCancels = append(c.consumerCancels, c.pump.attachConsumer(consumer))
}

// WaitExited blocks until the container stops running and returns its exit code.
func (c *Container) WaitExited(ctx context.Context) (int64, error) {
	return c.cli.WaitContainer(ctx, c.id)
}

// Stop stops the container, waiting up to timeout for graceful shutdown.
// A nil timeout uses the daemon default.
func (c *Container) Stop(ctx context.Context, timeout *time.Duration) error {
	defer c.invalidate()
	return c.cli.StopContainer(ctx, c.id, timeout)
}

// Start starts a stopped container again.
func (c *Container) Start(ctx context.Context) error {
	defer c.invalidate()
	return c.cli.StartContainer(ctx, c.id)
}

// Pause suspends all processes in the container.
func (c *Container) Pause(ctx context.Context) error {
	defer c.invalidate()
	return c.cli.PauseContainer(ctx, c.id)
}

// Unpause resumes a paused container.
func (c *Container) Unpause(ctx context.Context) error {
	defer c.invalidate()
	return c.cli.UnpauseContainer(ctx, c.id)
}

// CopyToContainer uploads raw bytes to a path in the running container.
func (c *Container) CopyToContainer(ctx context.Context, content []byte, containerPath string, mode int64) error {
	tarball, err := archive.TarFromBytes(content, containerPath, mode)
	if err != nil {
		return fmt.Errorf("copying to %s: %w", containerPath, err)
	}
	return c.cli.CopyToContainer(ctx, c.id, "/", tarball)
}

// CopyFileToContainer uploads a host file or directory tree into the
// running container.
func (c *Container) CopyFileToContainer(ctx context.Context, hostPath, containerPath string) error {
	tarball, err := archive.TarFromPath(hostPath, containerPath)
	if err != nil {
		return fmt.Errorf("copying %s to %s: %w", hostPath, containerPath, err)
	}
	return c.cli.CopyToContainer(ctx, c.id, "/", tarball)
}

// CopyFileFromContainer downloads a single file from the container to a
// host path. The content streams to disk without full buffering.
func (c *Container) CopyFileFromContainer(ctx context.Context, containerPath, hostPath string) error {
	reader, err := c.cli.CopyFromContainer(ctx, c.id, containerPath)
	if err != nil {
		return err
	}
	defer reader.Close()
	if err := archive.ExtractSingleFile(reader, archive.PathSink(hostPath)); err != nil {
		return fmt.Errorf("copying %s from container: %w", containerPath, err)
	}
	return nil
}

// ReadFileFromContainer downloads a single file from the container into memory.
func (c *Container) ReadFileFromContainer(ctx context.Context, containerPath string) ([]byte, error) {
	reader, err := c.cli.CopyFromContainer(ctx, c.id, containerPath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	var buf bytes.Buffer
	if err := archive.ExtractSingleFile(reader, archive.BufferSink{Buf: &buf}); err != nil {
		return nil, fmt.Errorf("copying %s from container: %w", containerPath, err)
	}
	return buf.Bytes(), nil
}

// Terminate tears the handle down: log pump, tunnels and sidecar, the
// container itself (force, with volumes), then the harness-owned network.
// Teardown is idempotent and best-effort; individual failures are logged
// and do not stop the remaining steps.
func (c *Container) Terminate(ctx context.Context) error {
	c.terminateOnce.Do(func() {
		c.terminateErr = c.teardown(ctx)
	})
	return c.terminateErr
}

func (c *Container) teardown(ctx context.Context) error {
	var errs *multierror.Error

	for _, cancel := range c.consumerCancels {
		cancel()
	}
	c.consumerCancels = nil
	if c.pump != nil {
		c.pump.stop()
	}

	if c.forwarder != nil {
		if err := c.forwarder.Close(ctx); err != nil {
			log.Warn("sidecar teardown failed", "container_id", c.id, "error", err)
			errs = multierror.Append(errs, err)
		}
	}

	if c.reused {
		// Reusable containers outlive the process so a later run can
		// adopt them; dropping the handle only detaches from it.
		return nil
	}

	if dockercfg.KeepResources() {
		log.Info("TESTCONTAINERS_COMMAND=keep set, leaving container in place", "container_id", c.id)
		c.registry.Deregister(SessionID(), c.id)
		return nil
	}

	if err := c.cli.RemoveContainer(ctx, c.id); err != nil {
		log.Warn("container removal failed", "container_id", c.id, "error", err)
		errs = multierror.Append(errs, err)
	}

	if c.ownedNetworkID != "" {
		if err := c.cli.RemoveNetwork(ctx, c.ownedNetworkID); err != nil {
			log.Warn("network removal failed", "network_id", c.ownedNetworkID, "error", err)
			errs = multierror.Append(errs, err)
		}
	}

	c.registry.Deregister(SessionID(), c.id)

	// Teardown errors are reported for visibility but the handle is gone
	// either way; callers usually ignore this.
	return errs.ErrorOrNil()
}

// waitTarget adapts the handle to the wait package's probe surface.
type waitTarget struct {
	c *Container
}

func (t waitTarget) Host(ctx context.Context) (string, error) {
	return t.c.Host(ctx)
}

func (t waitTarget) MappedPort(ctx context.Context, port nat.Port) (nat.Port, error) {
	return t.c.MappedPort(ctx, string(port))
}

func (t waitTarget) FollowLogs(_ context.Context) (<-chan wait.Frame, <-chan error, func(), error) {
	frames, errCh, cancel := t.c.pump.subscribe()
	return frames, errCh, cancel, nil
}

func (t waitTarget) Exec(ctx context.Context, cmd []string) (int, io.Reader, error) {
	result, err := t.c.Exec(ctx, cmd)
	if err != nil {
		return -1, nil, err
	}
	return result.ExitCode, io.MultiReader(result.Stdout, result.Stderr), nil
}

func (t waitTarget) State(ctx context.Context) (wait.State, error) {
	return t.c.State(ctx)
}
