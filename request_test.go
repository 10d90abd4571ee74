package dockhand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvSlice_Sorted(t *testing.T) {
	req, err := NewRequest("alpine:3.19").
		WithEnv("ZED", "1").
		WithEnv("ALPHA", "2").
		WithEnv("MID", "3").
		Build()
	require.NoError(t, err)

	assert.Equal(t, []string{"ALPHA=2", "MID=3", "ZED=1"}, req.envSlice())
}

func TestReuseHash_Stable(t *testing.T) {
	build := func() Request {
		req, err := NewRequest("redis:7.2.4").
			WithEnv("A", "1").
			WithExposedPorts("6379/tcp").
			WithReuse("cache").
			Build()
		require.NoError(t, err)
		return req
	}
	assert.Equal(t, build().reuseHash(), build().reuseHash())
}

func TestReuseHash_SensitiveToShape(t *testing.T) {
	base, err := NewRequest("redis:7.2.4").WithReuse("cache").Build()
	require.NoError(t, err)

	differentImage, err := NewRequest("redis:7.0").WithReuse("cache").Build()
	require.NoError(t, err)

	differentKey, err := NewRequest("redis:7.2.4").WithReuse("other").Build()
	require.NoError(t, err)

	differentEnv, err := NewRequest("redis:7.2.4").WithReuse("cache").WithEnv("X", "1").Build()
	require.NoError(t, err)

	hashes := map[string]bool{
		base.reuseHash():           true,
		differentImage.reuseHash(): true,
		differentKey.reuseHash():   true,
		differentEnv.reuseHash():   true,
	}
	assert.Len(t, hashes, 4, "each shape variation must produce a distinct hash")
}

func TestSessionID_StableWithinProcess(t *testing.T) {
	assert.Equal(t, SessionID(), SessionID())
	assert.NotEmpty(t, SessionID())
}

func TestContainerNameSuffix_Unique(t *testing.T) {
	assert.NotEqual(t, containerNameSuffix(), containerNameSuffix())
	assert.Len(t, containerNameSuffix(), 12)
}
