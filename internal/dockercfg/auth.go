package dockercfg

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/registry"
)

// indexServer is the auth key Docker Hub credentials are stored under.
const indexServer = "https://index.docker.io/v1/"

// dockerConfig mirrors the subset of ~/.docker/config.json we read.
type dockerConfig struct {
	Auths map[string]registry.AuthConfig `json:"auths"`
}

// RegistryAuth resolves pull credentials for the given image reference and
// returns them encoded for the X-Registry-Auth header. An empty string means
// no credentials were found, which is not an error.
//
// Resolution order: DOCKER_AUTH_CONFIG (inline JSON), DOCKER_CONFIG
// (directory containing config.json), then ~/.docker/config.json.
func RegistryAuth(imageRef string) (string, error) {
	cfg, err := loadAuthConfig()
	if err != nil {
		return "", err
	}
	if cfg == nil || len(cfg.Auths) == 0 {
		return "", nil
	}

	domain, err := registryDomain(imageRef)
	if err != nil {
		return "", err
	}

	auth, ok := lookupAuth(cfg.Auths, domain)
	if !ok {
		return "", nil
	}

	// Decode combined "user:pass" auth entries into separate fields;
	// the daemon wants them split.
	if auth.Username == "" && auth.Auth != "" {
		decoded, err := base64.StdEncoding.DecodeString(auth.Auth)
		if err != nil {
			return "", fmt.Errorf("decoding auth for %s: %w", domain, err)
		}
		user, pass, found := strings.Cut(string(decoded), ":")
		if !found {
			return "", fmt.Errorf("malformed auth entry for %s", domain)
		}
		auth.Username = user
		auth.Password = pass
	}
	auth.ServerAddress = domain

	return registry.EncodeAuthConfig(auth)
}

func loadAuthConfig() (*dockerConfig, error) {
	if inline := os.Getenv("DOCKER_AUTH_CONFIG"); inline != "" {
		var cfg dockerConfig
		if err := json.Unmarshal([]byte(inline), &cfg); err != nil {
			return nil, fmt.Errorf("parsing DOCKER_AUTH_CONFIG: %w", err)
		}
		return &cfg, nil
	}

	dir := os.Getenv("DOCKER_CONFIG")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil
		}
		dir = filepath.Join(home, ".docker")
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading docker config: %w", err)
	}

	var cfg dockerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing docker config: %w", err)
	}
	return &cfg, nil
}

// registryDomain extracts the registry host from an image reference.
// Docker Hub images resolve to the legacy index server key.
func registryDomain(imageRef string) (string, error) {
	named, err := reference.ParseNormalizedNamed(imageRef)
	if err != nil {
		return "", fmt.Errorf("parsing image reference %q: %w", imageRef, err)
	}
	domain := reference.Domain(named)
	if domain == "docker.io" {
		return indexServer, nil
	}
	return domain, nil
}

func lookupAuth(auths map[string]registry.AuthConfig, domain string) (registry.AuthConfig, bool) {
	if auth, ok := auths[domain]; ok {
		return auth, true
	}
	// Entries are sometimes stored with a scheme or a trailing slash
	want := normalizeRegistry(domain)
	for key, auth := range auths {
		if normalizeRegistry(key) == want {
			return auth, true
		}
	}
	return registry.AuthConfig{}, false
}

func normalizeRegistry(s string) string {
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	return strings.TrimSuffix(s, "/")
}
