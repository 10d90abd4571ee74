package wait

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/go-connections/nat"
)

// HTTPStrategy waits for an HTTP endpoint on a published port to answer
// with a matching response. Connection errors and responses that fail the
// predicates both count as still-waiting and are retried until the
// deadline, so flapping services are tolerated.
type HTTPStrategy struct {
	port           nat.Port
	path           string
	method         string
	statusMatches  func(int) bool
	bodyMatches    func([]byte) bool
	useTLS         bool
	insecureSkip   bool
	pollInterval   time.Duration
	requestTimeout time.Duration
}

// ForHTTP waits for an HTTP 200 from the given path on port 80/tcp.
func ForHTTP(path string) *HTTPStrategy {
	return &HTTPStrategy{
		port:           "80/tcp",
		path:           path,
		method:         http.MethodGet,
		statusMatches:  func(status int) bool { return status == http.StatusOK },
		pollInterval:   defaultPollInterval,
		requestTimeout: time.Second,
	}
}

// WithPort sets the container port the request targets.
func (s *HTTPStrategy) WithPort(port nat.Port) *HTTPStrategy {
	s.port = port
	return s
}

// WithMethod sets the HTTP method.
func (s *HTTPStrategy) WithMethod(method string) *HTTPStrategy {
	s.method = method
	return s
}

// WithStatusMatcher replaces the status predicate.
func (s *HTTPStrategy) WithStatusMatcher(f func(status int) bool) *HTTPStrategy {
	s.statusMatches = f
	return s
}

// WithBodyMatcher adds a response body predicate.
func (s *HTTPStrategy) WithBodyMatcher(f func(body []byte) bool) *HTTPStrategy {
	s.bodyMatches = f
	return s
}

// WithTLS switches the request to https.
func (s *HTTPStrategy) WithTLS(insecureSkipVerify bool) *HTTPStrategy {
	s.useTLS = true
	s.insecureSkip = insecureSkipVerify
	return s
}

// WithPollInterval sets the retry interval.
func (s *HTTPStrategy) WithPollInterval(d time.Duration) *HTTPStrategy {
	if d < defaultPollInterval {
		d = defaultPollInterval
	}
	s.pollInterval = d
	return s
}

func (s *HTTPStrategy) String() string {
	return fmt.Sprintf("http %s %s on %s", s.method, s.path, s.port)
}

// WaitUntilReady implements Strategy.
func (s *HTTPStrategy) WaitUntilReady(ctx context.Context, target Target) error {
	host, err := target.Host(ctx)
	if err != nil {
		return err
	}

	transport := &http.Transport{}
	scheme := "http"
	if s.useTLS {
		scheme = "https"
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: s.insecureSkip}
	}
	client := &http.Client{Transport: transport, Timeout: s.requestTimeout}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		// Resolve the mapped port inside the loop: bindings can lag
		// container start by a moment.
		if mapped, err := target.MappedPort(ctx, s.port); err == nil {
			url := fmt.Sprintf("%s://%s:%s%s", scheme, host, mapped.Port(), s.path)
			if s.probe(ctx, client, url) {
				return nil
			}
		}

		if exitErr := checkExited(ctx, target); exitErr != nil {
			return exitErr
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", s, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *HTTPStrategy) probe(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, s.method, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		// Connection refused, reset, timeout: the service is not up yet
		return false
	}
	defer resp.Body.Close()

	if !s.statusMatches(resp.StatusCode) {
		return false
	}
	if s.bodyMatches != nil {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		return s.bodyMatches(body)
	}
	return true
}
