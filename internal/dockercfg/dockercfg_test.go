package dockercfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProperties(t *testing.T, content string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, propertiesFile), []byte(content), 0o644))
}

func TestDaemonHost_TCHostWins(t *testing.T) {
	writeProperties(t, "tc.host=tcp://tc:2375\ndocker.host=tcp://props:2375\n")
	t.Setenv("DOCKER_HOST", "tcp://env:2375")

	assert.Equal(t, "tcp://tc:2375", DaemonHost())
}

func TestDaemonHost_EnvBeatsDockerHostProperty(t *testing.T) {
	writeProperties(t, "docker.host=tcp://props:2375\n")
	t.Setenv("DOCKER_HOST", "tcp://env:2375")

	assert.Equal(t, "tcp://env:2375", DaemonHost())
}

func TestDaemonHost_PropertyFallback(t *testing.T) {
	writeProperties(t, "docker.host=tcp://props:2375\n")
	t.Setenv("DOCKER_HOST", "")

	assert.Equal(t, "tcp://props:2375", DaemonHost())
}

func TestDaemonHost_Default(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DOCKER_HOST", "")

	assert.Equal(t, DefaultSocket(), DaemonHost())
}

func TestKeepResources(t *testing.T) {
	t.Setenv("TESTCONTAINERS_COMMAND", "keep")
	assert.True(t, KeepResources())

	t.Setenv("TESTCONTAINERS_COMMAND", "remove")
	assert.False(t, KeepResources())

	t.Setenv("TESTCONTAINERS_COMMAND", "")
	assert.False(t, KeepResources())
}

func TestLoadFile_Missing(t *testing.T) {
	props := loadFile(filepath.Join(t.TempDir(), "nope.properties"))
	assert.Equal(t, 0, props.Len())
}
