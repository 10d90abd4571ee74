package dockhand

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/majorcontext/dockhand/wait"
)

// execPollInterval paces exit-code polling after the streams close.
const execPollInterval = 50 * time.Millisecond

// ExecResult exposes the outcome of an in-container command.
type ExecResult struct {
	ExitCode int
	Stdout   io.Reader
	Stderr   io.Reader
}

// execConfig accumulates exec options.
type execConfig struct {
	user       string
	workDir    string
	env        []string
	privileged bool
	timeout    time.Duration

	expectMessage string
	messageStream wait.Stream
	hasMessage    bool
	exitMatcher   func(int) bool
}

// ExecOption customizes an Exec call.
type ExecOption func(*execConfig)

// ExecWithUser runs the command as the given user.
func ExecWithUser(user string) ExecOption {
	return func(c *execConfig) { c.user = user }
}

// ExecWithWorkDir sets the command's working directory.
func ExecWithWorkDir(dir string) ExecOption {
	return func(c *execConfig) { c.workDir = dir }
}

// ExecWithEnv adds environment variables in KEY=VALUE form.
func ExecWithEnv(env ...string) ExecOption {
	return func(c *execConfig) { c.env = append(c.env, env...) }
}

// ExecWithPrivileged runs the command with extended privileges.
func ExecWithPrivileged() ExecOption {
	return func(c *execConfig) { c.privileged = true }
}

// ExecWithTimeout bounds the whole exec; exceeding it yields ErrExecTimedOut.
func ExecWithTimeout(d time.Duration) ExecOption {
	return func(c *execConfig) { c.timeout = d }
}

// ExecExpectMessage fails the exec unless the message appears on the given
// stream.
func ExecExpectMessage(stream wait.Stream, message string) ExecOption {
	return func(c *execConfig) {
		c.hasMessage = true
		c.messageStream = stream
		c.expectMessage = message
	}
}

// ExecExpectExitCode fails the exec unless it terminates with the given code.
func ExecExpectExitCode(code int) ExecOption {
	return func(c *execConfig) {
		c.exitMatcher = func(got int) bool { return got == code }
	}
}

// Exec runs a command in the running container and waits for it to finish.
// Stdout and stderr are collected separately and exposed on the result.
func (c *Container) Exec(ctx context.Context, cmd []string, opts ...ExecOption) (ExecResult, error) {
	var cfg execConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	execID, err := c.cli.ExecCreate(ctx, c.id, container.ExecOptions{
		Cmd:          cmd,
		User:         cfg.user,
		WorkingDir:   cfg.workDir,
		Env:          cfg.env,
		Privileged:   cfg.privileged,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("%w: %w", ErrExecNotCreated, err)
	}

	resp, err := c.cli.ExecAttach(ctx, execID, false)
	if err != nil {
		return ExecResult{}, fmt.Errorf("%w: %w", ErrExecStartFailed, err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		if ctx.Err() != nil {
			return ExecResult{}, fmt.Errorf("%w: %w", ErrExecTimedOut, ctx.Err())
		}
		return ExecResult{}, fmt.Errorf("reading exec output: %w", err)
	}

	exitCode, err := c.waitExecExit(ctx, execID)
	if err != nil {
		return ExecResult{}, err
	}

	result := ExecResult{
		ExitCode: exitCode,
		Stdout:   bytes.NewReader(stdout.Bytes()),
		Stderr:   bytes.NewReader(stderr.Bytes()),
	}

	if cfg.exitMatcher != nil && !cfg.exitMatcher(exitCode) {
		return result, fmt.Errorf("exec %v exited with unexpected code %d", cmd, exitCode)
	}
	if cfg.hasMessage {
		haystack := stdout.Bytes()
		if cfg.messageStream == wait.Stderr {
			haystack = stderr.Bytes()
		}
		if !bytes.Contains(haystack, []byte(cfg.expectMessage)) {
			return result, fmt.Errorf("exec %v output does not contain %q", cmd, cfg.expectMessage)
		}
	}
	return result, nil
}

// waitExecExit polls the exec instance until it reports not-running.
// The streams closing usually means the process is done, but the daemon
// records the exit code asynchronously.
func (c *Container) waitExecExit(ctx context.Context, execID string) (int, error) {
	for {
		running, exitCode, err := c.cli.ExecInspect(ctx, execID)
		if err != nil {
			return -1, err
		}
		if !running {
			return exitCode, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return -1, fmt.Errorf("%w: %w", ErrExecTimedOut, ctx.Err())
			}
			return -1, ctx.Err()
		case <-time.After(execPollInterval):
		}
	}
}
