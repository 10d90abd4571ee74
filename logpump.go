package dockhand

import (
	"context"
	"sync"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/majorcontext/dockhand/internal/dockerd"
	"github.com/majorcontext/dockhand/internal/log"
	"github.com/majorcontext/dockhand/wait"
)

// LogFrame is one log frame as emitted by the daemon. Frames preserve the
// daemon's framing granularity; consumers wanting line semantics buffer
// themselves.
type LogFrame = wait.Frame

// Stream selectors re-exported for consumers.
const (
	StdoutStream = wait.Stdout
	StderrStream = wait.Stderr
)

// LogConsumer receives container log frames. Accept must not block for
// long: a consumer that falls more than logChannelBuffer frames behind
// starts losing the oldest ones.
type LogConsumer interface {
	Accept(frame LogFrame)
}

// logChannelBuffer bounds each subscriber's queue.
const logChannelBuffer = 64

// subscriber is one fan-out endpoint of the pump.
type subscriber struct {
	ch      chan LogFrame
	errCh   chan error
	dropped int
	warned  bool
}

// logPump attaches once to the container's multiplexed log stream,
// demultiplexes it, and fans frames out to subscribers. Each subscriber
// has its own bounded queue; a slow subscriber only loses its own frames,
// never stalls the producer or its peers.
type logPump struct {
	cli         *dockerd.Client
	containerID string

	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newLogPump(cli *dockerd.Client, containerID string) *logPump {
	return &logPump{
		cli:         cli,
		containerID: containerID,
		subs:        map[*subscriber]struct{}{},
	}
}

// subscribe registers a new fan-out endpoint and starts the pump on first
// use. The returned cancel function detaches the subscriber.
func (p *logPump) subscribe() (<-chan LogFrame, <-chan error, func()) {
	sub := &subscriber{
		ch:    make(chan LogFrame, logChannelBuffer),
		errCh: make(chan error, 1),
	}

	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.ensureStartedLocked()
	p.mu.Unlock()

	cancel := func() { p.unsubscribe(sub) }
	return sub.ch, sub.errCh, cancel
}

// attachConsumer subscribes a LogConsumer and pumps frames into it from a
// dedicated goroutine, so one Accept can never block the fan-out.
func (p *logPump) attachConsumer(c LogConsumer) func() {
	frames, _, cancel := p.subscribe()
	go func() {
		for frame := range frames {
			c.Accept(frame)
		}
	}()
	return cancel
}

func (p *logPump) unsubscribe(sub *subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[sub]; !ok {
		return
	}
	delete(p.subs, sub)
	close(sub.ch)
	if sub.dropped > 0 {
		log.Warn("log consumer lost frames", "container_id", p.containerID, "dropped", sub.dropped)
	}
}

// ensureStartedLocked starts the stream reader once a subscriber exists.
func (p *logPump) ensureStartedLocked() {
	if p.started {
		return
	}
	p.started = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
}

// run reads the multiplexed stream and demultiplexes it into frames.
// The first subscription replays the container's full log history before
// following live output, so probes attached just after start cannot miss
// an early readiness line.
func (p *logPump) run(ctx context.Context) {
	defer close(p.done)

	reader, err := p.cli.ContainerLogs(ctx, p.containerID, dockerd.LogsOptions{
		Stdout: true,
		Stderr: true,
		Follow: true,
	})
	if err != nil {
		p.finish(err)
		return
	}

	go func() {
		<-ctx.Done()
		reader.Close()
	}()

	_, err = stdcopy.StdCopy(
		&pumpWriter{pump: p, stream: wait.Stdout},
		&pumpWriter{pump: p, stream: wait.Stderr},
		reader,
	)
	if ctx.Err() != nil {
		err = nil // shutdown, not a stream failure
	}
	p.finish(err)
}

// finish closes out every subscriber, delivering the terminal error if any.
func (p *logPump) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sub := range p.subs {
		if err != nil {
			sub.errCh <- err
		}
		close(sub.errCh)
		close(sub.ch)
		delete(p.subs, sub)
	}
}

// fanout delivers one frame to every subscriber. Queue overflow drops the
// subscriber's oldest frame so fresh output keeps flowing.
func (p *logPump) fanout(frame LogFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sub := range p.subs {
		select {
		case sub.ch <- frame:
			continue
		default:
		}
		// Full: evict the oldest frame and retry once.
		select {
		case <-sub.ch:
			sub.dropped++
			if !sub.warned {
				sub.warned = true
				log.Warn("slow log consumer, dropping oldest frames", "container_id", p.containerID)
			}
		default:
		}
		select {
		case sub.ch <- frame:
		default:
			sub.dropped++
		}
	}
}

// stop tears the pump down and waits for the reader to exit.
func (p *logPump) stop() {
	p.mu.Lock()
	started := p.started
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	if !started {
		return
	}
	cancel()
	<-done
}

// pumpWriter adapts one demultiplexed stream to the fan-out. stdcopy calls
// Write once per daemon frame, which is exactly the granularity consumers
// are promised.
type pumpWriter struct {
	pump   *logPump
	stream wait.Stream
}

func (w *pumpWriter) Write(b []byte) (int, error) {
	content := make([]byte, len(b))
	copy(content, b)
	w.pump.fanout(LogFrame{Stream: w.stream, Content: content})
	return len(b), nil
}
