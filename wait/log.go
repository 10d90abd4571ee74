package wait

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
)

// LogStrategy waits for a pattern to appear on a container output stream.
// Frames are treated as one concatenated byte stream, so matches spanning
// frame boundaries are found.
type LogStrategy struct {
	pattern    string
	stream     Stream
	occurrence int
	asRegexp   bool
}

// ForLog waits for the pattern to appear once on stdout.
func ForLog(pattern string) *LogStrategy {
	return &LogStrategy{
		pattern:    pattern,
		stream:     Stdout,
		occurrence: 1,
	}
}

// WithStream selects which stream to watch.
func (s *LogStrategy) WithStream(stream Stream) *LogStrategy {
	s.stream = stream
	return s
}

// WithOccurrence requires the pattern to appear at least n times.
func (s *LogStrategy) WithOccurrence(n int) *LogStrategy {
	if n < 1 {
		n = 1
	}
	s.occurrence = n
	return s
}

// AsRegexp treats the pattern as a regular expression.
func (s *LogStrategy) AsRegexp() *LogStrategy {
	s.asRegexp = true
	return s
}

func (s *LogStrategy) String() string {
	return fmt.Sprintf("log match %q (x%d)", s.pattern, s.occurrence)
}

// WaitUntilReady implements Strategy.
func (s *LogStrategy) WaitUntilReady(ctx context.Context, target Target) error {
	var re *regexp.Regexp
	if s.asRegexp {
		var err error
		re, err = regexp.Compile(s.pattern)
		if err != nil {
			return fmt.Errorf("compiling log pattern: %w", err)
		}
	}

	frames, errCh, cancel, err := target.FollowLogs(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	matcher := newStreamMatcher(s.pattern, re)
	seen := 0

	feed := func(frame Frame) bool {
		if frame.Stream != s.stream {
			return false
		}
		seen += matcher.feed(frame.Content)
		return seen >= s.occurrence
	}

	// ended handles stream termination: frames already fanned out may still
	// hold the pattern, so drain before concluding.
	ended := func() error {
		for frame := range frames {
			if feed(frame) {
				return nil
			}
		}
		if exitErr := checkExited(ctx, target); exitErr != nil {
			return exitErr
		}
		return fmt.Errorf("log stream ended before %s", s)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", s, ctx.Err())
		case err, ok := <-errCh:
			if ok && err != nil {
				return fmt.Errorf("reading logs: %w", err)
			}
			return ended()
		case frame, ok := <-frames:
			if !ok {
				return ended()
			}
			if feed(frame) {
				return nil
			}
		}
	}
}

// streamMatcher counts pattern occurrences across a chunked byte stream.
// For plain substrings it keeps only a pattern-sized carry between chunks.
// For regexps it keeps a bounded tail of the stream, large enough for any
// realistic readiness line.
type streamMatcher struct {
	literal []byte
	re      *regexp.Regexp
	carry   []byte
}

// regexpWindow bounds how much history a regexp matcher retains.
const regexpWindow = 64 * 1024

func newStreamMatcher(literal string, re *regexp.Regexp) *streamMatcher {
	return &streamMatcher{literal: []byte(literal), re: re}
}

func (m *streamMatcher) feed(chunk []byte) int {
	buf := append(m.carry, chunk...)

	var count, tail int
	if m.re != nil {
		locs := m.re.FindAllIndex(buf, -1)
		count = len(locs)
		// Drop everything up to the end of the last match so a match is
		// never counted twice, then keep a bounded window for patterns
		// still forming across the boundary.
		if count > 0 {
			buf = buf[locs[count-1][1]:]
		}
		if len(buf) > regexpWindow {
			buf = buf[len(buf)-regexpWindow:]
		}
		m.carry = append([]byte(nil), buf...)
		return count
	}

	count = bytes.Count(buf, m.literal)
	if count > 0 {
		last := bytes.LastIndex(buf, m.literal)
		buf = buf[last+len(m.literal):]
	}
	// Keep one pattern-length less a byte: the most that can belong to a
	// match split across the chunk boundary.
	tail = len(m.literal) - 1
	if tail < 0 {
		tail = 0
	}
	if len(buf) > tail {
		buf = buf[len(buf)-tail:]
	}
	m.carry = append([]byte(nil), buf...)
	return count
}
