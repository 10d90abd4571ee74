// Package hostport makes host-local TCP ports reachable from inside
// containers. It runs an sshd sidecar on the container network and opens
// one reverse forward per exposed port, so container code can dial
// host.testcontainers.internal:<port> and land on the host's loopback.
package hostport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/majorcontext/dockhand/internal/archive"
	"github.com/majorcontext/dockhand/internal/dockerd"
	"github.com/majorcontext/dockhand/internal/log"
)

const (
	// SidecarImage is the pinned sshd image used for reverse tunnels.
	SidecarImage = "testcontainers/sshd:1.2.0"

	// HostInternal is the DNS alias containers use to reach exposed host ports.
	HostInternal = "host.testcontainers.internal"

	sshPort     = "22/tcp"
	sshUser     = "root"
	dialTimeout = 30 * time.Second
)

// Options configures the forwarder.
type Options struct {
	// NetworkID is the network shared with the target container: the
	// request's network, or "bridge" when the request names none.
	NetworkID string
	// Ports are the host TCP ports to expose. Validated by the request
	// builder; port 22 and 0 never reach this layer.
	Ports []int
	// Labels are applied to the sidecar container (session id et al).
	Labels map[string]string
	// Name is the sidecar container name.
	Name string
}

// Forwarder owns the sidecar container, the SSH session, and the remote
// listeners. Close tears them down in tunnel, session, sidecar order.
type Forwarder struct {
	cli       *dockerd.Client
	sidecarID string
	sidecarIP string

	sshClient *ssh.Client
	listeners []net.Listener
	group     *errgroup.Group
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Start pulls and runs the sidecar, connects to it over SSH, and opens a
// reverse forward for every requested port. Any listener failure aborts
// the whole setup.
func Start(ctx context.Context, cli *dockerd.Client, opts Options) (*Forwarder, error) {
	if len(opts.Ports) == 0 {
		return nil, fmt.Errorf("no ports to expose")
	}
	if opts.NetworkID == "" {
		return nil, fmt.Errorf("sidecar network ID cannot be empty")
	}

	signer, authorizedKey, err := generateKeyPair()
	if err != nil {
		return nil, err
	}

	f := &Forwarder{cli: cli}
	if err := f.startSidecar(ctx, opts, authorizedKey); err != nil {
		f.teardown(context.WithoutCancel(ctx))
		return nil, err
	}

	if err := f.connect(ctx, signer); err != nil {
		f.teardown(context.WithoutCancel(ctx))
		return nil, err
	}

	if err := f.openTunnels(ctx, opts.Ports); err != nil {
		f.teardown(context.WithoutCancel(ctx))
		return nil, err
	}

	return f, nil
}

// SidecarIP returns the sidecar's address on the shared network. The target
// container's hosts file points the alias here.
func (f *Forwarder) SidecarIP() string {
	return f.sidecarIP
}

// SidecarID returns the sidecar container's ID.
func (f *Forwarder) SidecarID() string {
	return f.sidecarID
}

// generateKeyPair creates the per-session ed25519 key. The private key never
// leaves process memory; the public half is written into the sidecar's
// authorized_keys before it starts.
func generateKeyPair() (ssh.Signer, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("creating signer: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding public key: %w", err)
	}
	return signer, ssh.MarshalAuthorizedKey(sshPub), nil
}

// startSidecar creates and starts the sshd container on the shared network,
// with 22/tcp published on a host-assigned port.
func (f *Forwarder) startSidecar(ctx context.Context, opts Options, authorizedKey []byte) error {
	if err := f.cli.EnsureImage(ctx, SidecarImage); err != nil {
		return fmt.Errorf("pulling sidecar image: %w", err)
	}

	exposed := nat.PortSet{sshPort: struct{}{}}
	bindings := nat.PortMap{sshPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}}

	id, err := f.cli.CreateContainer(ctx,
		&container.Config{
			Image: SidecarImage,
			Cmd: []string{
				"/usr/sbin/sshd", "-D", "-e",
				"-o", "AllowTcpForwarding=yes",
				"-o", "GatewayPorts=clientspecified",
				"-o", "PasswordAuthentication=no",
				"-o", "PermitRootLogin=prohibit-password",
			},
			ExposedPorts: exposed,
			Labels:       opts.Labels,
		},
		&container.HostConfig{
			NetworkMode:  container.NetworkMode(opts.NetworkID),
			PortBindings: bindings,
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				opts.NetworkID: {},
			},
		},
		opts.Name,
	)
	if err != nil {
		return fmt.Errorf("creating sidecar container: %w", err)
	}
	f.sidecarID = id

	key, err := archive.TarFromBytes(authorizedKey, "/root/.ssh/authorized_keys", 0o600)
	if err != nil {
		return fmt.Errorf("packing authorized_keys: %w", err)
	}
	if err := f.cli.CopyToContainer(ctx, id, "/", key); err != nil {
		return fmt.Errorf("injecting authorized_keys: %w", err)
	}

	if err := f.cli.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("starting sidecar container: %w", err)
	}

	inspect, err := f.cli.InspectContainer(ctx, id)
	if err != nil {
		return err
	}
	for _, settings := range inspect.NetworkSettings.Networks {
		if settings.IPAddress != "" {
			f.sidecarIP = settings.IPAddress
			break
		}
	}
	if f.sidecarIP == "" {
		return fmt.Errorf("sidecar has no address on network %s", opts.NetworkID)
	}
	return nil
}

// connect dials the sidecar's published SSH port, retrying while sshd boots.
func (f *Forwarder) connect(ctx context.Context, signer ssh.Signer) error {
	inspect, err := f.cli.InspectContainer(ctx, f.sidecarID)
	if err != nil {
		return err
	}
	bindings := inspect.NetworkSettings.Ports[sshPort]
	if len(bindings) == 0 {
		return fmt.Errorf("sidecar port %s not published", sshPort)
	}
	addr := net.JoinHostPort("127.0.0.1", bindings[0].HostPort)

	config := &ssh.ClientConfig{
		User: sshUser,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// The sidecar is created per session with a fresh host key; there
		// is no prior knowledge to pin against.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	deadline := time.Now().Add(dialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		client, err := ssh.Dial("tcp", addr, config)
		if err == nil {
			f.sshClient = client
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("connecting to sidecar sshd at %s: %w", addr, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connecting to sidecar sshd: %w", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// openTunnels opens a remote listener per port and starts its accept loop.
// The remote port equals the host port, so the alias resolves consistently.
func (f *Forwarder) openTunnels(ctx context.Context, ports []int) error {
	tunnelCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.cancel = cancel
	f.group, tunnelCtx = errgroup.WithContext(tunnelCtx)

	for _, port := range ports {
		listener, err := f.sshClient.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
		if err != nil {
			return fmt.Errorf("opening remote listener for port %d: %w", port, err)
		}
		f.listeners = append(f.listeners, listener)

		port := port
		f.group.Go(func() error {
			f.acceptLoop(tunnelCtx, listener, port)
			return nil
		})
	}
	return nil
}

// acceptLoop pairs each inbound tunnel connection with a fresh dial to the
// host's loopback and pumps bytes both ways until either side closes.
func (f *Forwarder) acceptLoop(ctx context.Context, listener net.Listener, port int) {
	for {
		remote, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Normal shutdown
			default:
				log.Warn("host port tunnel closed", "port", port, "error", err)
			}
			return
		}

		go func() {
			defer remote.Close()
			local, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
			if err != nil {
				// Nothing listening on the host right now; the container
				// side sees a closed connection, mirroring a refused dial.
				log.Debug("host dial failed for tunneled connection", "port", port, "error", err)
				return
			}
			defer local.Close()
			bridge(remote, local)
		}()
	}
}

// bridge copies bytes between two connections until both directions finish.
func bridge(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(a, b)
		closeWrite(a)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(b, a)
		closeWrite(b)
	}()
	wg.Wait()
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

// Close tears the forwarder down: listeners first so accept loops exit,
// then the SSH session, then the sidecar container.
func (f *Forwarder) Close(ctx context.Context) error {
	var err error
	f.closeOnce.Do(func() {
		err = f.teardown(ctx)
	})
	return err
}

func (f *Forwarder) teardown(ctx context.Context) error {
	if f.cancel != nil {
		f.cancel()
	}
	for _, listener := range f.listeners {
		_ = listener.Close()
	}
	if f.group != nil {
		_ = f.group.Wait()
	}
	if f.sshClient != nil {
		_ = f.sshClient.Close()
	}
	if f.sidecarID != "" {
		if err := f.cli.RemoveContainer(ctx, f.sidecarID); err != nil {
			log.Warn("sidecar removal failed", "container_id", f.sidecarID, "error", err)
			return err
		}
	}
	return nil
}
