package dockhand

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/dockhand/wait"
)

func TestBuild_DefaultsTagToLatest(t *testing.T) {
	req, err := NewRequest("redis").Build()
	require.NoError(t, err)
	assert.Equal(t, "redis:latest", req.Image())
}

func TestBuild_KeepsExplicitTag(t *testing.T) {
	req, err := NewRequest("redis:7.2.4").Build()
	require.NoError(t, err)
	assert.Equal(t, "redis:7.2.4", req.Image())
}

func TestBuild_RegistryQualifiedImage(t *testing.T) {
	req, err := NewRequest("ghcr.io/org/app:v1").Build()
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/org/app:v1", req.Image())
}

func TestBuild_EmptyImage(t *testing.T) {
	_, err := NewRequest("").Build()
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "image name")
}

func TestBuild_RejectsHostPort22(t *testing.T) {
	_, err := NewRequest("alpine:3.19").WithExposedHostPorts(8080, 22).Build()
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "22")
}

func TestBuild_RejectsHostPort0(t *testing.T) {
	_, err := NewRequest("alpine:3.19").WithExposedHostPorts(0).Build()
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "port 0")
}

func TestBuild_RejectsHostPortsWithReuse(t *testing.T) {
	_, err := NewRequest("alpine:3.19").
		WithExposedHostPorts(8080).
		WithReuse("my-key").
		Build()
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "reuse")
}

func TestBuild_RejectsHostPortsWithHostNetwork(t *testing.T) {
	for _, mode := range []string{"host", "container:abc123"} {
		_, err := NewRequest("alpine:3.19").
			WithExposedHostPorts(8080).
			WithNetworkMode(mode).
			Build()
		var invalid *InvalidRequestError
		require.ErrorAs(t, err, &invalid, "mode %s", mode)
	}
}

func TestBuild_AllowsHostPortsOnUserNetwork(t *testing.T) {
	_, err := NewRequest("alpine:3.19").
		WithExposedHostPorts(8080).
		WithNetwork("tests-net").
		Build()
	assert.NoError(t, err)
}

func TestBuild_RejectsEmptyMountTarget(t *testing.T) {
	_, err := NewRequest("alpine:3.19").WithBindMount("/host", "", false).Build()
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "mount target")
}

func TestBuilder_DuplicateMountTargetLastWins(t *testing.T) {
	req, err := NewRequest("alpine:3.19").
		WithBindMount("/host/a", "/data", false).
		WithBindMount("/host/b", "/data", true).
		Build()
	require.NoError(t, err)
	require.Len(t, req.mounts, 1)
	assert.Equal(t, "/host/b", req.mounts[0].Source)
	assert.True(t, req.mounts[0].ReadOnly)
}

func TestBuild_DefaultStartupTimeout(t *testing.T) {
	req, err := NewRequest("alpine:3.19").Build()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, req.StartupTimeout())

	req, err = NewRequest("alpine:3.19").WithStartupTimeout(2 * time.Second).Build()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, req.StartupTimeout())
}

func TestBuild_BarePortDefaultsToTCP(t *testing.T) {
	req, err := NewRequest("redis:7.2.4").WithExposedPorts("6379").Build()
	require.NoError(t, err)
	require.Len(t, req.exposedPorts, 1)
	assert.Equal(t, "6379/tcp", string(req.exposedPorts[0]))
}

func TestBuild_UDPPort(t *testing.T) {
	req, err := NewRequest("coredns/coredns").WithExposedPorts("53/udp").Build()
	require.NoError(t, err)
	assert.Equal(t, "53/udp", string(req.exposedPorts[0]))
}

func TestBuild_CopySourceValidation(t *testing.T) {
	_, err := NewRequest("alpine:3.19").WithCopyBytes("", []byte("x"), 0o644).Build()
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)

	_, err = NewRequest("alpine:3.19").WithCopyFile("", "/opt/x").Build()
	require.ErrorAs(t, err, &invalid)
}

func TestBuild_DetachesFromBuilder(t *testing.T) {
	b := NewRequest("alpine:3.19").WithEnv("A", "1")
	req, err := b.Build()
	require.NoError(t, err)

	b.WithEnv("B", "2")
	assert.NotContains(t, req.env, "B")
}

func TestBuild_NoIO(t *testing.T) {
	// A request for a daemon that cannot exist must still build fine;
	// validation is pure.
	req, err := NewRequest("no-such-registry.invalid/org/app").
		WithWaitFor(wait.ForLog("ready")).
		Build()
	require.NoError(t, err)
	assert.Len(t, req.ReadyConditions(), 1)
}
