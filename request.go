// Package dockhand is a test-harness library for driving ephemeral
// containers against a Docker-compatible daemon. Tests describe a container
// with a Request, hand it to Run, and get back a Container handle whose
// Terminate removes the container and every auxiliary resource the harness
// created for it.
package dockhand

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"

	"github.com/majorcontext/dockhand/wait"
)

// defaultStartupTimeout bounds the readiness phase when the request does
// not set its own.
const defaultStartupTimeout = 60 * time.Second

// MountKind selects the mount mechanism.
type MountKind int

const (
	MountBind MountKind = iota
	MountTmpfs
	MountVolume
)

// Mount describes one container mount.
type Mount struct {
	Kind     MountKind
	Source   string // host path (bind) or volume name (volume); unused for tmpfs
	Target   string
	ReadOnly bool
}

// CopySource is a payload uploaded into the container before it starts.
// Exactly one of Content and HostPath is set.
type CopySource struct {
	ContainerPath string
	Content       []byte
	HostPath      string
	Mode          int64 // file mode for Content payloads, defaults to 0644
}

// HostEntry is an extra /etc/hosts injection.
type HostEntry struct {
	Host string
	IP   string
}

// PortMapping pins a container port to a fixed host port.
type PortMapping struct {
	HostPort      uint16
	ContainerPort nat.Port
}

// HostConfigModifier mutates the daemon host config immediately before the
// create call, after every request-derived field is set. Later modifiers
// win over earlier ones.
type HostConfigModifier func(*container.HostConfig)

// Request is an immutable description of a desired container. Build one
// with NewRequest; the zero value is not usable.
type Request struct {
	image            string
	entrypoint       []string
	cmd              []string
	env              map[string]string
	exposedPorts     []nat.Port
	mappedPorts      []PortMapping
	exposedHostPorts []int
	mounts           []Mount
	copySources      []CopySource
	readyConditions  []wait.Strategy
	startupTimeout   time.Duration
	name             string
	network          string
	networkAliases   []string
	networkMode      string
	hostsEntries     []HostEntry
	privileged       bool
	shmSize          int64
	cgroupnsMode     string
	usernsMode       string
	modifiers        []HostConfigModifier
	logConsumers     []LogConsumer
	reuseKey         string
	pullAlways       bool
}

// Image returns the fully tagged image reference.
func (r Request) Image() string { return r.image }

// StartupTimeout returns the readiness budget.
func (r Request) StartupTimeout() time.Duration { return r.startupTimeout }

// ExposedHostPorts returns the host ports the container will reach under
// the host.testcontainers.internal alias.
func (r Request) ExposedHostPorts() []int { return append([]int(nil), r.exposedHostPorts...) }

// ReadyConditions returns the readiness strategies in evaluation order.
func (r Request) ReadyConditions() []wait.Strategy {
	return append([]wait.Strategy(nil), r.readyConditions...)
}

// envSlice renders the env map in the daemon's KEY=VALUE form.
func (r Request) envSlice() []string {
	out := make([]string, 0, len(r.env))
	for k, v := range r.env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// reuseHash produces a stable identity for reuse matching. Two requests
// with the same hash are interchangeable for adoption purposes.
func (r Request) reuseHash() string {
	h := sha256.New()
	fmt.Fprintln(h, r.image)
	fmt.Fprintln(h, r.reuseKey)
	fmt.Fprintln(h, strings.Join(r.entrypoint, "\x00"))
	fmt.Fprintln(h, strings.Join(r.cmd, "\x00"))
	fmt.Fprintln(h, strings.Join(r.envSlice(), "\x00"))
	ports := make([]string, len(r.exposedPorts))
	for i, p := range r.exposedPorts {
		ports[i] = string(p)
	}
	sort.Strings(ports)
	fmt.Fprintln(h, strings.Join(ports, "\x00"))
	fmt.Fprintln(h, r.network)
	return hex.EncodeToString(h.Sum(nil))
}
