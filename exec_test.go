package dockhand

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/majorcontext/dockhand/wait"
)

func TestExecOptions(t *testing.T) {
	var cfg execConfig
	for _, opt := range []ExecOption{
		ExecWithUser("postgres"),
		ExecWithWorkDir("/var/lib/postgresql"),
		ExecWithEnv("PGUSER=postgres", "PGDATABASE=app"),
		ExecWithPrivileged(),
		ExecWithTimeout(5 * time.Second),
		ExecExpectMessage(wait.Stderr, "accepting connections"),
		ExecExpectExitCode(0),
	} {
		opt(&cfg)
	}

	assert.Equal(t, "postgres", cfg.user)
	assert.Equal(t, "/var/lib/postgresql", cfg.workDir)
	assert.Equal(t, []string{"PGUSER=postgres", "PGDATABASE=app"}, cfg.env)
	assert.True(t, cfg.privileged)
	assert.Equal(t, 5*time.Second, cfg.timeout)
	assert.True(t, cfg.hasMessage)
	assert.Equal(t, wait.Stderr, cfg.messageStream)
	assert.Equal(t, "accepting connections", cfg.expectMessage)
	assert.True(t, cfg.exitMatcher(0))
	assert.False(t, cfg.exitMatcher(1))
}
