package dockhand

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/go-connections/nat"

	"github.com/majorcontext/dockhand/wait"
)

// Builder accumulates user intent into a Request. Setters chain; Build
// validates and freezes the result without performing any I/O.
type Builder struct {
	req Request
}

// NewRequest starts a builder for the given image. The tag defaults to
// latest at build time.
func NewRequest(image string) *Builder {
	return &Builder{req: Request{
		image:          image,
		env:            map[string]string{},
		startupTimeout: defaultStartupTimeout,
	}}
}

// WithEntrypoint overrides the image entrypoint.
func (b *Builder) WithEntrypoint(entrypoint ...string) *Builder {
	b.req.entrypoint = entrypoint
	return b
}

// WithCmd sets the container command.
func (b *Builder) WithCmd(cmd ...string) *Builder {
	b.req.cmd = cmd
	return b
}

// WithEnv sets one environment variable.
func (b *Builder) WithEnv(key, value string) *Builder {
	b.req.env[key] = value
	return b
}

// WithExposedPorts asks the daemon to publish the given container ports on
// host-chosen free ports. Ports use the "6379/tcp" form; a bare number
// defaults to tcp.
func (b *Builder) WithExposedPorts(ports ...string) *Builder {
	for _, p := range ports {
		if !strings.Contains(p, "/") {
			p += "/tcp"
		}
		b.req.exposedPorts = append(b.req.exposedPorts, nat.Port(p))
	}
	return b
}

// WithMappedPort pins a container port to a fixed host port.
func (b *Builder) WithMappedPort(hostPort uint16, containerPort string) *Builder {
	if !strings.Contains(containerPort, "/") {
		containerPort += "/tcp"
	}
	b.req.mappedPorts = append(b.req.mappedPorts, PortMapping{
		HostPort:      hostPort,
		ContainerPort: nat.Port(containerPort),
	})
	return b
}

// WithExposedHostPorts makes the given host TCP ports reachable from inside
// the container as host.testcontainers.internal:<port>.
func (b *Builder) WithExposedHostPorts(ports ...int) *Builder {
	b.req.exposedHostPorts = append(b.req.exposedHostPorts, ports...)
	return b
}

// WithBindMount bind-mounts a host path. A later mount with the same target
// replaces the earlier one.
func (b *Builder) WithBindMount(source, target string, readOnly bool) *Builder {
	return b.withMount(Mount{Kind: MountBind, Source: source, Target: target, ReadOnly: readOnly})
}

// WithTmpfsMount mounts a tmpfs at target.
func (b *Builder) WithTmpfsMount(target string) *Builder {
	return b.withMount(Mount{Kind: MountTmpfs, Target: target})
}

// WithVolumeMount mounts a named volume at target.
func (b *Builder) WithVolumeMount(volume, target string, readOnly bool) *Builder {
	return b.withMount(Mount{Kind: MountVolume, Source: volume, Target: target, ReadOnly: readOnly})
}

func (b *Builder) withMount(m Mount) *Builder {
	for i, existing := range b.req.mounts {
		if existing.Target == m.Target {
			b.req.mounts[i] = m
			return b
		}
	}
	b.req.mounts = append(b.req.mounts, m)
	return b
}

// WithCopyBytes uploads raw bytes to the given container path before start.
func (b *Builder) WithCopyBytes(containerPath string, content []byte, mode int64) *Builder {
	b.req.copySources = append(b.req.copySources, CopySource{
		ContainerPath: containerPath,
		Content:       content,
		Mode:          mode,
	})
	return b
}

// WithCopyFile uploads a host file or directory tree to the given container
// path before start.
func (b *Builder) WithCopyFile(hostPath, containerPath string) *Builder {
	b.req.copySources = append(b.req.copySources, CopySource{
		ContainerPath: containerPath,
		HostPath:      hostPath,
	})
	return b
}

// WithWaitFor appends readiness strategies, evaluated in order.
func (b *Builder) WithWaitFor(strategies ...wait.Strategy) *Builder {
	b.req.readyConditions = append(b.req.readyConditions, strategies...)
	return b
}

// WithStartupTimeout bounds the readiness phase (not the image pull).
func (b *Builder) WithStartupTimeout(d time.Duration) *Builder {
	b.req.startupTimeout = d
	return b
}

// WithName sets the container name.
func (b *Builder) WithName(name string) *Builder {
	b.req.name = name
	return b
}

// WithNetwork attaches the container to the named network, creating it if
// it does not exist. A harness-created network is removed with the handle.
func (b *Builder) WithNetwork(name string) *Builder {
	b.req.network = name
	return b
}

// WithNetworkAliases names the container on its user-defined network.
func (b *Builder) WithNetworkAliases(aliases ...string) *Builder {
	b.req.networkAliases = append(b.req.networkAliases, aliases...)
	return b
}

// WithNetworkMode sets a raw network mode ("host", "none", "container:<id>").
// The "host" and "container:<id>" modes cannot be combined with exposed
// host ports.
func (b *Builder) WithNetworkMode(mode string) *Builder {
	b.req.networkMode = mode
	return b
}

// WithHostEntry injects an extra /etc/hosts line.
func (b *Builder) WithHostEntry(host, ip string) *Builder {
	b.req.hostsEntries = append(b.req.hostsEntries, HostEntry{Host: host, IP: ip})
	return b
}

// WithPrivileged runs the container in privileged mode.
func (b *Builder) WithPrivileged() *Builder {
	b.req.privileged = true
	return b
}

// WithShmSize sets /dev/shm size in bytes.
func (b *Builder) WithShmSize(size int64) *Builder {
	b.req.shmSize = size
	return b
}

// WithCgroupnsMode sets the cgroup namespace mode.
func (b *Builder) WithCgroupnsMode(mode string) *Builder {
	b.req.cgroupnsMode = mode
	return b
}

// WithUsernsMode sets the user namespace mode.
func (b *Builder) WithUsernsMode(mode string) *Builder {
	b.req.usernsMode = mode
	return b
}

// WithHostConfigModifier registers a callback invoked once, immediately
// before the create call, after all request-derived fields are applied.
// Multiple modifiers run in registration order, so the last call wins.
func (b *Builder) WithHostConfigModifier(f HostConfigModifier) *Builder {
	b.req.modifiers = append(b.req.modifiers, f)
	return b
}

// WithLogConsumer subscribes a consumer to the container's log frames.
func (b *Builder) WithLogConsumer(c LogConsumer) *Builder {
	b.req.logConsumers = append(b.req.logConsumers, c)
	return b
}

// WithReuse tags the container for adoption by a later run with the same
// key and request shape, instead of creating a fresh container.
func (b *Builder) WithReuse(key string) *Builder {
	b.req.reuseKey = key
	return b
}

// WithAlwaysPull forces an image pull even when the image exists locally.
func (b *Builder) WithAlwaysPull() *Builder {
	b.req.pullAlways = true
	return b
}

// Build validates the accumulated request and returns an immutable copy.
// No I/O happens here; daemon-dependent failures surface from Run.
func (b *Builder) Build() (Request, error) {
	req := b.req

	// Detach the request from the builder so later builder calls cannot
	// mutate an already-built request.
	req.env = maps.Clone(req.env)
	req.entrypoint = slices.Clone(req.entrypoint)
	req.cmd = slices.Clone(req.cmd)
	req.exposedPorts = slices.Clone(req.exposedPorts)
	req.mappedPorts = slices.Clone(req.mappedPorts)
	req.exposedHostPorts = slices.Clone(req.exposedHostPorts)
	req.mounts = slices.Clone(req.mounts)
	req.copySources = slices.Clone(req.copySources)
	req.readyConditions = slices.Clone(req.readyConditions)
	req.networkAliases = slices.Clone(req.networkAliases)
	req.hostsEntries = slices.Clone(req.hostsEntries)
	req.modifiers = slices.Clone(req.modifiers)
	req.logConsumers = slices.Clone(req.logConsumers)

	if strings.TrimSpace(req.image) == "" {
		return Request{}, &InvalidRequestError{Reason: "image name is empty"}
	}
	named, err := reference.ParseNormalizedNamed(req.image)
	if err != nil {
		return Request{}, &InvalidRequestError{Reason: fmt.Sprintf("image reference %q: %v", req.image, err)}
	}
	req.image = reference.FamiliarString(reference.TagNameOnly(named))

	for _, p := range req.exposedHostPorts {
		switch p {
		case 0:
			return Request{}, &InvalidRequestError{Reason: "exposed host port 0 is not valid"}
		case 22:
			return Request{}, &InvalidRequestError{Reason: "exposed host port 22 would collide with the tunnel sidecar"}
		}
		if p < 0 || p > 65535 {
			return Request{}, &InvalidRequestError{Reason: fmt.Sprintf("exposed host port %d out of range", p)}
		}
	}
	if len(req.exposedHostPorts) > 0 {
		if req.reuseKey != "" {
			return Request{}, &InvalidRequestError{Reason: "exposed host ports cannot be combined with container reuse"}
		}
		if req.networkMode == "host" || strings.HasPrefix(req.networkMode, "container:") {
			return Request{}, &InvalidRequestError{Reason: fmt.Sprintf("exposed host ports cannot be combined with network mode %q", req.networkMode)}
		}
	}

	for _, m := range req.mounts {
		if strings.TrimSpace(m.Target) == "" {
			return Request{}, &InvalidRequestError{Reason: "mount target is empty"}
		}
	}

	for _, p := range req.exposedPorts {
		if _, err := nat.NewPort(p.Proto(), p.Port()); err != nil {
			return Request{}, &InvalidRequestError{Reason: fmt.Sprintf("exposed port %q: %v", p, err)}
		}
	}

	for _, cs := range req.copySources {
		if strings.TrimSpace(cs.ContainerPath) == "" {
			return Request{}, &InvalidRequestError{Reason: "copy source has no container path"}
		}
		if cs.Content == nil && cs.HostPath == "" {
			return Request{}, &InvalidRequestError{Reason: fmt.Sprintf("copy source for %s has neither content nor host path", cs.ContainerPath)}
		}
	}

	if req.startupTimeout <= 0 {
		req.startupTimeout = defaultStartupTimeout
	}

	return req, nil
}
