// Package client provides the HTTP client for a loopback model backend.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"model-gateway/internal/config"
	"model-gateway/internal/metrics"
	"model-gateway/internal/model"
)

// ErrUpstreamIdle is reported when the upstream sends nothing for longer
// than the configured idle timeout while a response body is being read, or
// stops reading the request body for that long.
var ErrUpstreamIdle = errors.New("upstream idle timeout")

// UpstreamClient sends requests to one service's backend.
type UpstreamClient struct {
	httpClient *http.Client
	idle       time.Duration
	service    string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// There is no overall request timeout: streamed completions may
// run for minutes. The dial is bounded by the connect timeout, the wait for
// headers by the response timeout and the body by the idle timeout.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(svc *config.ServiceConfig, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:                 nil, // loopback only, never via HTTP_PROXY
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.Upstream.ResponseTimeout(),
		DialContext: (&net.Dialer{
			Timeout:   cfg.Upstream.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects from the backend are relayed to the client, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		idle:    cfg.Upstream.IdleTimeout(),
		service: svc.Name,
		logger:  logger.With("component", "upstream_client", "service", svc.Name),
		metrics: m,
	}
}

// Do executes a single request against the upstream. The returned body is
// guarded by the idle timeout and must be closed by the caller; closing it
// releases the upstream connection. Canceling ctx (client disconnect)
// aborts the request at any point.
func (c *UpstreamClient) Do(ctx context.Context, method, url string, header http.Header, body []byte) (*model.ProxyResponse, error) {
	ctx, cancel := context.WithCancelCause(ctx)

	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		cancel(err)
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if len(body) > 0 {
		req.ContentLength = int64(len(body))
		req.Body = newStallReader(body, c.idle, cancel)
		req.GetBody = func() (io.ReadCloser, error) {
			return newStallReader(body, c.idle, cancel), nil
		}
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method = metrics.NormalizeMethod(req.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(c.service, method).Observe(duration)
	}

	if err != nil {
		if errors.Is(context.Cause(ctx), ErrUpstreamIdle) {
			err = fmt.Errorf("write upstream body: %w", ErrUpstreamIdle)
		}
		cancel(err)
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(c.service, method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       newIdleReader(ctx, resp.Body, c.idle, cancel),
	}, nil
}

// idleReader cancels the request with ErrUpstreamIdle when a read waits
// longer than the idle duration for upstream bytes. The watchdog only runs
// inside Read, so time the caller spends writing to a slow client is never
// counted against the upstream. A zero duration disables it.
type idleReader struct {
	ctx    context.Context
	rc     io.ReadCloser
	idle   time.Duration
	timer  *time.Timer
	cancel context.CancelCauseFunc
}

func newIdleReader(ctx context.Context, rc io.ReadCloser, idle time.Duration, cancel context.CancelCauseFunc) *idleReader {
	r := &idleReader{ctx: ctx, rc: rc, idle: idle, cancel: cancel}
	if idle > 0 {
		r.timer = time.AfterFunc(idle, func() { cancel(ErrUpstreamIdle) })
		r.timer.Stop()
	}
	return r
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.timer != nil {
		r.timer.Reset(r.idle)
	}
	n, err := r.rc.Read(p)
	if r.timer != nil {
		r.timer.Stop()
	}
	if err != nil && err != io.EOF && errors.Is(context.Cause(r.ctx), ErrUpstreamIdle) {
		err = fmt.Errorf("read upstream body: %w", ErrUpstreamIdle)
	}
	return n, err
}

func (r *idleReader) Close() error {
	if r.timer != nil {
		r.timer.Stop()
	}
	err := r.rc.Close()
	r.cancel(context.Canceled)
	return err
}

// stallReader feeds the request body to the transport. When the transport
// stops asking for more bytes for the idle duration, the upstream is not
// reading and the request is canceled with ErrUpstreamIdle. The watchdog
// is armed by every Read and disarmed once the body is drained or closed.
type stallReader struct {
	r      *bytes.Reader
	idle   time.Duration
	timer  *time.Timer
	closed atomic.Bool
}

func newStallReader(body []byte, idle time.Duration, cancel context.CancelCauseFunc) *stallReader {
	s := &stallReader{r: bytes.NewReader(body), idle: idle}
	if idle > 0 {
		s.timer = time.AfterFunc(idle, func() { cancel(ErrUpstreamIdle) })
		s.timer.Stop()
	}
	return s
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if s.timer != nil {
		if err != nil {
			s.timer.Stop()
		} else {
			s.timer.Reset(s.idle)
			// The transport may close the body from another goroutine.
			if s.closed.Load() {
				s.timer.Stop()
			}
		}
	}
	return n, err
}

func (s *stallReader) Close() error {
	s.closed.Store(true)
	if s.timer != nil {
		s.timer.Stop()
	}
	return nil
}
