package wait

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTarget is a scriptable wait.Target.
type mockTarget struct {
	mu     sync.Mutex
	host   string
	ports  map[nat.Port]nat.Port
	state  State
	frames []Frame

	execCode   int
	execOutput string
	execErr    error
	execCalls  int
}

func (m *mockTarget) Host(context.Context) (string, error) {
	if m.host == "" {
		return "127.0.0.1", nil
	}
	return m.host, nil
}

func (m *mockTarget) MappedPort(_ context.Context, port nat.Port) (nat.Port, error) {
	if mapped, ok := m.ports[port]; ok {
		return mapped, nil
	}
	return "", assert.AnError
}

func (m *mockTarget) FollowLogs(ctx context.Context) (<-chan Frame, <-chan error, func(), error) {
	frames := make(chan Frame, len(m.frames))
	errCh := make(chan error, 1)
	for _, f := range m.frames {
		frames <- f
	}
	// Leave the channel open unless the scripted state is terminal, so
	// strategies keep blocking like they would on a live container.
	if m.state.Status == "exited" {
		close(frames)
	}
	return frames, errCh, func() {}, nil
}

func (m *mockTarget) Exec(context.Context, []string) (int, io.Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execCalls++
	return m.execCode, bytes.NewReader([]byte(m.execOutput)), m.execErr
}

func (m *mockTarget) State(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *mockTarget) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func TestStreamMatcher_AcrossFrames(t *testing.T) {
	m := newStreamMatcher("Ready to accept connections", nil)

	count := m.feed([]byte("... Ready to acc"))
	assert.Equal(t, 0, count)
	count = m.feed([]byte("ept connections ..."))
	assert.Equal(t, 1, count)
}

func TestStreamMatcher_MultipleOccurrences(t *testing.T) {
	m := newStreamMatcher("ping", nil)

	assert.Equal(t, 2, m.feed([]byte("ping ping")))
	assert.Equal(t, 1, m.feed([]byte("pi"))+m.feed([]byte("ng")))
}

func TestStreamMatcher_NoDoubleCount(t *testing.T) {
	m := newStreamMatcher("ab", nil)

	assert.Equal(t, 1, m.feed([]byte("ab")))
	assert.Equal(t, 0, m.feed([]byte("xx")))
}

func TestStreamMatcher_Regexp(t *testing.T) {
	m := newStreamMatcher("", regexp.MustCompile(`listening on port \d+`))

	assert.Equal(t, 0, m.feed([]byte("listening on po")))
	assert.Equal(t, 1, m.feed([]byte("rt 8080\n")))
}

func TestForLog_Match(t *testing.T) {
	target := &mockTarget{
		state: State{Status: "running", Running: true},
		frames: []Frame{
			{Stream: Stdout, Content: []byte("starting up\n")},
			{Stream: Stdout, Content: []byte("Ready to accept connections\n")},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ForLog("Ready to accept connections").WaitUntilReady(ctx, target))
}

func TestForLog_IgnoresOtherStream(t *testing.T) {
	target := &mockTarget{
		state: State{Status: "running", Running: true},
		frames: []Frame{
			{Stream: Stderr, Content: []byte("Ready\n")},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := ForLog("Ready").WaitUntilReady(ctx, target)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestForLog_StderrSelection(t *testing.T) {
	target := &mockTarget{
		state: State{Status: "running", Running: true},
		frames: []Frame{
			{Stream: Stderr, Content: []byte("error log ready\n")},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ForLog("ready").WithStream(Stderr).WaitUntilReady(ctx, target))
}

func TestForLog_Occurrence(t *testing.T) {
	target := &mockTarget{
		state: State{Status: "running", Running: true},
		frames: []Frame{
			{Stream: Stdout, Content: []byte("tick\n")},
			{Stream: Stdout, Content: []byte("tick\n")},
			{Stream: Stdout, Content: []byte("tick\n")},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ForLog("tick").WithOccurrence(3).WaitUntilReady(ctx, target))
}

func TestForLog_ContainerExited(t *testing.T) {
	target := &mockTarget{
		state: State{Status: "exited", ExitCode: 1},
		frames: []Frame{
			{Stream: Stdout, Content: []byte("boom\n")},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := ForLog("never appears").WaitUntilReady(ctx, target)
	assert.ErrorIs(t, err, ErrContainerExited)
}

func TestForDuration(t *testing.T) {
	start := time.Now()
	require.NoError(t, ForDuration(50*time.Millisecond).WaitUntilReady(context.Background(), &mockTarget{}))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestForDuration_Canceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ForDuration(time.Minute).WaitUntilReady(ctx, &mockTarget{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestForExitCode(t *testing.T) {
	target := &mockTarget{state: State{Status: "exited", ExitCode: 0}}
	require.NoError(t, ForExitCode(0).WaitUntilReady(context.Background(), target))
}

func TestForExitCode_Mismatch(t *testing.T) {
	target := &mockTarget{state: State{Status: "exited", ExitCode: 2}}
	err := ForExitCode(0).WaitUntilReady(context.Background(), target)
	assert.ErrorContains(t, err, "unexpected code 2")
}

func TestForExit_WaitsForExit(t *testing.T) {
	target := &mockTarget{state: State{Status: "running", Running: true}}
	go func() {
		time.Sleep(150 * time.Millisecond)
		target.setState(State{Status: "exited", ExitCode: 0})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ForExit().WaitUntilReady(ctx, target))
}

func TestForHealthCheck(t *testing.T) {
	target := &mockTarget{state: State{Status: "running", Running: true, Health: "starting"}}
	go func() {
		time.Sleep(150 * time.Millisecond)
		target.setState(State{Status: "running", Running: true, Health: "healthy"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ForHealthCheck().WaitUntilReady(ctx, target))
}

func TestForHealthCheck_NoHealthcheck(t *testing.T) {
	target := &mockTarget{state: State{Status: "running", Running: true}}
	err := ForHealthCheck().WaitUntilReady(context.Background(), target)
	assert.ErrorContains(t, err, "no healthcheck")
}

func TestForHealthCheck_PollFloor(t *testing.T) {
	s := ForHealthCheck().WithPollInterval(time.Millisecond)
	assert.Equal(t, defaultPollInterval, s.pollInterval)
}

func TestForExec(t *testing.T) {
	target := &mockTarget{state: State{Status: "running", Running: true}, execCode: 0}
	require.NoError(t, ForExec([]string{"true"}).WaitUntilReady(context.Background(), target))
}

func TestForExec_RetriesUntilZero(t *testing.T) {
	target := &mockTarget{state: State{Status: "running", Running: true}, execCode: 1}
	go func() {
		time.Sleep(150 * time.Millisecond)
		target.mu.Lock()
		target.execCode = 0
		target.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ForExec([]string{"pg_isready"}).WaitUntilReady(ctx, target))
	target.mu.Lock()
	defer target.mu.Unlock()
	assert.Greater(t, target.execCalls, 1)
}

func TestForHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	target := &mockTarget{
		state: State{Status: "running", Running: true},
		ports: map[nat.Port]nat.Port{"80/tcp": serverPort(t, server)},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ForHTTP("/").WaitUntilReady(ctx, target))
}

func TestForHTTP_BodyMatcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"green"}`))
	}))
	defer server.Close()

	target := &mockTarget{
		state: State{Status: "running", Running: true},
		ports: map[nat.Port]nat.Port{"9200/tcp": serverPort(t, server)},
	}

	strategy := ForHTTP("/health").
		WithPort("9200/tcp").
		WithBodyMatcher(func(body []byte) bool { return bytes.Contains(body, []byte("green")) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, strategy.WaitUntilReady(ctx, target))
}

func TestForHTTP_StatusMismatchKeepsWaiting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	target := &mockTarget{
		state: State{Status: "running", Running: true},
		ports: map[nat.Port]nat.Port{"80/tcp": serverPort(t, server)},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := ForHTTP("/").WaitUntilReady(ctx, target)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestForAll_Sequential(t *testing.T) {
	target := &mockTarget{
		state: State{Status: "running", Running: true},
		frames: []Frame{
			{Stream: Stdout, Content: []byte("ready\n")},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	strategy := ForAll(
		ForLog("ready"),
		ForDuration(10*time.Millisecond),
	)
	require.NoError(t, strategy.WaitUntilReady(ctx, target))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, `log match "x" (x1)`, Describe(ForLog("x")))
	assert.Equal(t, "healthcheck healthy", Describe(ForHealthCheck()))
}

func serverPort(t *testing.T, server *httptest.Server) nat.Port {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := nat.NewPort("tcp", u.Port())
	require.NoError(t, err)
	return port
}
