package dockhand

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"

	"github.com/majorcontext/dockhand/internal/archive"
	"github.com/majorcontext/dockhand/internal/dockerd"
	"github.com/majorcontext/dockhand/internal/hostport"
	"github.com/majorcontext/dockhand/internal/log"
	"github.com/majorcontext/dockhand/internal/watchdog"
	"github.com/majorcontext/dockhand/wait"
)

// teardownTimeout bounds cleanup after a failed start, independently of the
// (possibly already expired) caller context.
const teardownTimeout = 30 * time.Second

// Runner starts containers against one daemon connection. A single Runner
// is safe for concurrent use; parallel tests share it.
type Runner struct {
	cli      *dockerd.Client
	registry *watchdog.Registry
}

// NewRunner connects to the configured daemon.
func NewRunner() (*Runner, error) {
	cli, err := dockerd.NewClient()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDaemonUnavailable, err)
	}
	return &Runner{cli: cli, registry: watchdog.Default}, nil
}

var (
	defaultRunner     *Runner
	defaultRunnerErr  error
	defaultRunnerOnce sync.Once
)

// Run starts a container with the process-wide default runner.
func Run(ctx context.Context, req Request) (*Container, error) {
	defaultRunnerOnce.Do(func() {
		defaultRunner, defaultRunnerErr = NewRunner()
	})
	if defaultRunnerErr != nil {
		return nil, defaultRunnerErr
	}
	return defaultRunner.Run(ctx, req)
}

// Shutdown sweeps every resource this process still has registered. It is
// the exit hook paired with the signal handler: handles usually clean up
// after themselves via Terminate, so this only matters for exits that skip
// teardown. Defer it from main or TestMain:
//
//	func TestMain(m *testing.M) {
//		code := m.Run()
//		dockhand.Shutdown()
//		os.Exit(code)
//	}
func Shutdown() {
	// Synchronize with the initialization in Run; a no-op Do is enough to
	// observe defaultRunner when it was ever created.
	defaultRunnerOnce.Do(func() {})
	if defaultRunner != nil {
		defaultRunner.Shutdown()
	}
}

// Shutdown force-removes every resource still registered with this runner's
// watchdog registry. Safe to call more than once.
func (r *Runner) Shutdown() {
	r.registry.Shutdown(r.cli)
}

// Run performs the start sequence: resolve image, resolve or create the
// network, start the host-port sidecar if requested, create the container,
// upload copy-in payloads, start it, and wait for readiness. Any failure
// tears down everything allocated so far and returns an error tagged with
// the failed stage.
func (r *Runner) Run(ctx context.Context, req Request) (*Container, error) {
	sessionID := SessionID()
	r.registry.Install(r.cli)

	// Reuse: adopt a matching labelled container instead of creating one.
	if req.reuseKey != "" {
		if c, err := r.adopt(ctx, req); err != nil || c != nil {
			return c, err
		}
	}

	// Pull happens outside the startup budget; registry latency must not
	// eat into readiness time.
	if err := r.resolveImage(ctx, req); err != nil {
		return nil, &StageError{Stage: StagePull, Err: err}
	}

	budget, cancelBudget := context.WithTimeout(ctx, req.startupTimeout)
	defer cancelBudget()
	budgetStart := time.Now()

	networkName, networkID, ownedNetworkID, err := r.resolveNetwork(budget, req, sessionID)
	if err != nil {
		return nil, &StageError{Stage: StageNetwork, Err: err}
	}

	cleanupCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	}

	forwarder, hostsEntries, err := r.setupHostPorts(budget, req, sessionID, networkID)
	if err != nil {
		cctx, cancel := cleanupCtx()
		r.removeOwnedNetwork(cctx, ownedNetworkID)
		cancel()
		return nil, &StageError{Stage: StageSidecar, Err: err}
	}

	containerID, err := r.createContainer(budget, req, sessionID, networkName, networkID, hostsEntries)
	if err != nil {
		cctx, cancel := cleanupCtx()
		if forwarder != nil {
			_ = forwarder.Close(cctx)
		}
		r.removeOwnedNetwork(cctx, ownedNetworkID)
		cancel()
		return nil, &StageError{Stage: StageCreate, Err: err}
	}

	c := &Container{
		id:             containerID,
		image:          req.Image(),
		cli:            r.cli,
		registry:       r.registry,
		pump:           newLogPump(r.cli, containerID),
		forwarder:      forwarder,
		ownedNetworkID: ownedNetworkID,
	}
	r.registry.Register(sessionID, watchdog.Entry{ContainerID: containerID, NetworkID: ownedNetworkID})

	fail := func(stage Stage, err error) (*Container, error) {
		cctx, cancel := cleanupCtx()
		if terr := c.Terminate(cctx); terr != nil {
			log.Debug("teardown after failed start reported errors", "error", terr)
		}
		cancel()
		return nil, &StageError{Stage: stage, Err: err}
	}

	if err := r.copyIn(budget, containerID, req.copySources); err != nil {
		return fail(StageCopyIn, err)
	}

	if err := r.cli.StartContainer(budget, containerID); err != nil {
		return fail(StageStart, err)
	}

	// User consumers attach before readiness so they observe the frames
	// the probes are matching against.
	for _, consumer := range req.logConsumers {
		c.FollowOutput(consumer)
	}

	if err := r.waitReady(budget, c, req.readyConditions, budgetStart); err != nil {
		return fail(StageWaitReady, err)
	}

	return c, nil
}

// resolveImage pulls the image when needed.
func (r *Runner) resolveImage(ctx context.Context, req Request) error {
	var err error
	if req.pullAlways {
		err = r.cli.PullImage(ctx, req.Image())
	} else {
		err = r.cli.EnsureImage(ctx, req.Image())
	}
	if err != nil {
		if dockerd.Classify(err) == dockerd.KindTransport {
			return fmt.Errorf("%w: %w", ErrDaemonUnavailable, err)
		}
		return err
	}
	return nil
}

// resolveNetwork finds or creates the requested network. Returns the
// network name, its ID ("" when running on the default bridge), and the ID
// again when this call created it (the handle then owns it).
func (r *Runner) resolveNetwork(ctx context.Context, req Request, sessionID string) (name, id, owned string, err error) {
	if req.network == "" || req.networkMode != "" {
		return "", "", "", nil
	}
	existing, err := r.cli.FindNetwork(ctx, req.network)
	if err != nil {
		return "", "", "", err
	}
	if existing != "" {
		return req.network, existing, "", nil
	}
	created, err := r.cli.CreateNetwork(ctx, req.network, map[string]string{
		LabelSessionID: sessionID,
	})
	if err != nil {
		return "", "", "", err
	}
	log.Debug("created network", "network", req.network, "network_id", created)
	return req.network, created, created, nil
}

func (r *Runner) removeOwnedNetwork(ctx context.Context, ownedNetworkID string) {
	if ownedNetworkID == "" {
		return
	}
	if err := r.cli.RemoveNetwork(ctx, ownedNetworkID); err != nil {
		log.Warn("network removal failed", "network_id", ownedNetworkID, "error", err)
	}
}

// setupHostPorts starts the reverse-tunnel sidecar when the request exposes
// host ports, and extends the hosts entries with the alias mapping.
func (r *Runner) setupHostPorts(ctx context.Context, req Request, sessionID, networkID string) (*hostport.Forwarder, []HostEntry, error) {
	entries := append([]HostEntry(nil), req.hostsEntries...)
	if len(req.exposedHostPorts) == 0 {
		return nil, entries, nil
	}

	// The sidecar joins the request's network, or the default bridge when
	// none was asked for; either way the target reaches it by IP.
	sidecarNetwork := networkID
	if sidecarNetwork == "" {
		sidecarNetwork = "bridge"
	}

	forwarder, err := hostport.Start(ctx, r.cli, hostport.Options{
		NetworkID: sidecarNetwork,
		Ports:     req.exposedHostPorts,
		Labels:    map[string]string{LabelSessionID: sessionID},
		Name:      "dockhand-sshd-" + containerNameSuffix(),
	})
	if err != nil {
		return nil, nil, err
	}

	entries = append(entries, HostEntry{Host: hostport.HostInternal, IP: forwarder.SidecarIP()})
	return forwarder, entries, nil
}

// createContainer translates the request into daemon config and creates the
// container. The user's host config modifiers run last, in order.
func (r *Runner) createContainer(ctx context.Context, req Request, sessionID, networkName, networkID string, hostsEntries []HostEntry) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range req.exposedPorts {
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostPort: ""}}
	}
	for _, m := range req.mappedPorts {
		exposed[m.ContainerPort] = struct{}{}
		bindings[m.ContainerPort] = []nat.PortBinding{{HostPort: strconv.Itoa(int(m.HostPort))}}
	}

	labels := map[string]string{
		LabelSessionID: sessionID,
		LabelReusable:  strconv.FormatBool(req.reuseKey != ""),
	}
	if req.reuseKey != "" {
		labels[LabelReuseHash] = req.reuseHash()
	}

	extraHosts := make([]string, 0, len(hostsEntries))
	for _, e := range hostsEntries {
		extraHosts = append(extraHosts, e.Host+":"+e.IP)
	}

	mounts := make([]mount.Mount, 0, len(req.mounts))
	for _, m := range req.mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mountType(m.Kind),
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	networkMode := container.NetworkMode("bridge")
	switch {
	case req.networkMode != "":
		networkMode = container.NetworkMode(req.networkMode)
	case networkName != "":
		networkMode = container.NetworkMode(networkName)
	}

	cfg := &container.Config{
		Image:        req.image,
		Entrypoint:   req.entrypoint,
		Cmd:          req.cmd,
		Env:          req.envSlice(),
		ExposedPorts: exposed,
		Labels:       labels,
	}
	hostCfg := &container.HostConfig{
		NetworkMode:  networkMode,
		Mounts:       mounts,
		ExtraHosts:   extraHosts,
		PortBindings: bindings,
		Privileged:   req.privileged,
		ShmSize:      req.shmSize,
		CgroupnsMode: container.CgroupnsMode(req.cgroupnsMode),
		UsernsMode:   container.UsernsMode(req.usernsMode),
	}
	// Request-derived fields are all set; the user callback gets the last word.
	for _, modify := range req.modifiers {
		modify(hostCfg)
	}

	var netCfg *network.NetworkingConfig
	if networkID != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				networkName: {Aliases: req.networkAliases},
			},
		}
	}

	return r.cli.CreateContainer(ctx, cfg, hostCfg, netCfg, req.name)
}

// copyIn uploads each copy source into the created, not yet started container.
func (r *Runner) copyIn(ctx context.Context, containerID string, sources []CopySource) error {
	for _, src := range sources {
		tarball, err := r.packSource(src)
		if err != nil {
			return fmt.Errorf("packing %s: %w", src.ContainerPath, err)
		}
		if err := r.cli.CopyToContainer(ctx, containerID, "/", tarball); err != nil {
			return fmt.Errorf("uploading %s: %w", src.ContainerPath, err)
		}
	}
	return nil
}

func (r *Runner) packSource(src CopySource) (io.Reader, error) {
	if src.HostPath != "" {
		return archive.TarFromPath(src.HostPath, src.ContainerPath)
	}
	mode := src.Mode
	if mode == 0 {
		mode = 0o644
	}
	return archive.TarFromBytes(src.Content, src.ContainerPath, mode)
}

// waitReady evaluates the readiness strategies sequentially under the
// startup budget. On budget exhaustion the error names the unmet strategy.
func (r *Runner) waitReady(ctx context.Context, c *Container, strategies []wait.Strategy, budgetStart time.Time) error {
	target := waitTarget{c: c}
	for _, strategy := range strategies {
		if err := strategy.WaitUntilReady(ctx, target); err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
				return &StartupTimeoutError{
					Elapsed: time.Since(budgetStart),
					Unmet:   wait.Describe(strategy),
				}
			}
			return err
		}
	}
	return nil
}

// adopt looks for a running container created by a previous run with the
// same reuse identity. Returns (nil, nil) when none exists.
func (r *Runner) adopt(ctx context.Context, req Request) (*Container, error) {
	id, err := r.cli.FindContainerByLabels(ctx, map[string]string{
		LabelReuseHash: req.reuseHash(),
	})
	if err != nil || id == "" {
		return nil, err
	}
	log.Debug("adopting reusable container", "container_id", id)

	c := &Container{
		id:       id,
		image:    req.Image(),
		cli:      r.cli,
		registry: r.registry,
		pump:     newLogPump(r.cli, id),
		reused:   true,
	}
	for _, consumer := range req.logConsumers {
		c.FollowOutput(consumer)
	}

	budget, cancel := context.WithTimeout(ctx, req.startupTimeout)
	defer cancel()
	if err := r.waitReady(budget, c, req.readyConditions, time.Now()); err != nil {
		c.pump.stop()
		return nil, &StageError{Stage: StageWaitReady, Err: err}
	}
	return c, nil
}

func mountType(kind MountKind) mount.Type {
	switch kind {
	case MountTmpfs:
		return mount.TypeTmpfs
	case MountVolume:
		return mount.TypeVolume
	default:
		return mount.TypeBind
	}
}
