// Package dockercfg resolves harness configuration from the environment
// and the user's ~/.testcontainers.properties file.
package dockercfg

import (
	"net/url"
	"os"
	"path/filepath"
	goruntime "runtime"

	"github.com/magiconair/properties"
)

// Property and environment keys consulted for daemon host resolution.
const (
	propTCHost     = "tc.host"
	propDockerHost = "docker.host"
	envDockerHost  = "DOCKER_HOST"

	propertiesFile = ".testcontainers.properties"
)

// DefaultSocket is the fallback daemon endpoint when nothing else is configured.
func DefaultSocket() string {
	if goruntime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// DaemonHost resolves the Docker daemon endpoint.
// Precedence: tc.host property > DOCKER_HOST env > docker.host property > default socket.
func DaemonHost() string {
	props := load()

	if host := props.GetString(propTCHost, ""); host != "" {
		return host
	}
	if host := os.Getenv(envDockerHost); host != "" {
		return host
	}
	if host := props.GetString(propDockerHost, ""); host != "" {
		return host
	}
	return DefaultSocket()
}

// TCHost returns the tc.host property value, if set. When present it also
// overrides the address tests use to reach published ports.
func TCHost() string {
	return load().GetString(propTCHost, "")
}

// KeepResources reports whether containers and networks should be left
// behind after the test process exits (TESTCONTAINERS_COMMAND=keep).
func KeepResources() bool {
	return os.Getenv("TESTCONTAINERS_COMMAND") == "keep"
}

// PublishedHost resolves the address tests use to reach ports the daemon
// published. A tc.host property wins; a tcp:// daemon endpoint contributes
// its hostname; local sockets mean localhost.
func PublishedHost() string {
	for _, endpoint := range []string{TCHost(), DaemonHost()} {
		if endpoint == "" {
			continue
		}
		u, err := url.Parse(endpoint)
		if err != nil {
			continue
		}
		switch u.Scheme {
		case "tcp", "http", "https":
			return u.Hostname()
		}
	}
	return "localhost"
}

// load parses ~/.testcontainers.properties. A missing or unreadable file
// yields an empty property set.
func load() *properties.Properties {
	home, err := os.UserHomeDir()
	if err != nil {
		return properties.NewProperties()
	}
	return loadFile(filepath.Join(home, propertiesFile))
}

func loadFile(path string) *properties.Properties {
	props, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return properties.NewProperties()
	}
	return props
}
