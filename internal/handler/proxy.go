package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"syscall"

	"github.com/labstack/echo/v4"

	"model-gateway/internal/client"
	"model-gateway/internal/config"
	"model-gateway/internal/filter"
	"model-gateway/internal/metrics"
	"model-gateway/internal/model"
	"model-gateway/internal/service"
)

// Upstream failure kinds, used as the "kind" metric label.
const (
	kindUnavailable = "unavailable"
	kindTimeout     = "timeout"
	kindClientAbort = "client_abort"
	kindOther       = "other"
)

// ProxyHandler forwards API requests to one service's backend and relays
// the response, filtering reasoning content when the service asks for it.
type ProxyHandler struct {
	service *service.ProxyService
	name    string
	policy  string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter may be nil.
func NewProxyHandler(ps *service.ProxyService, svc *config.ServiceConfig, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: ps,
		name:    svc.Name,
		policy:  cfg.Upstream.StreamTimeoutPolicy,
		logger:  logger.With("component", "proxy_handler", "service", svc.Name),
		metrics: m,
	}
}

// Handle reads the request body, forwards the request once and relays the
// upstream response. Upstream status codes are passed through unchanged.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return h.bodyError(c, err)
	}

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     body,
		Stream:   service.IsStreamRequest(req.Method, req.URL.Path, body),
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	eventStream := hasMediaType(resp.Header, "text/event-stream")
	jsonBody := hasMediaType(resp.Header, echo.MIMEApplicationJSON)
	filterable := h.service.Filterable(pr.Path)

	// A streamed completion is filtered as an event stream even when the
	// backend leaves out its Content-Type. A JSON reply to it is an error
	// body and takes the buffered path.
	switch {
	case filterable && eventStream:
		return h.relayStream(c, resp)
	case filterable && jsonBody:
		return h.relayBuffered(c, resp)
	case filterable && pr.Stream:
		return h.relayStream(c, resp)
	default:
		return h.relay(c, resp, pr.Stream || eventStream)
	}
}

// relay copies the upstream response verbatim. Streams are flushed after
// every write so events reach the client as they arrive.
func (h *ProxyHandler) relay(c echo.Context, resp *model.ProxyResponse, flush bool) error {
	copyHeader(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)

	var dst io.Writer = c.Response()
	if flush {
		dst = &flushWriter{res: c.Response()}
	}

	// The status line has already been sent, so a failure from here on can
	// only truncate the response.
	if _, err := io.Copy(dst, resp.Body); err != nil {
		h.logBodyError(c, err)
	}
	return nil
}

// relayBuffered reads the whole JSON body, removes reasoning content and
// writes the result. A body that does not parse is relayed unchanged.
func (h *ProxyHandler) relayBuffered(c echo.Context, resp *model.ProxyResponse) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return h.mapError(c, err)
	}

	out, st, err := filter.Buffered(data, h.service.FilterOptions())
	if err != nil {
		h.logger.Warn("upstream body is not JSON; passing through unfiltered",
			"err", err,
			"path", c.Request().URL.Path,
			"status", resp.StatusCode,
			"bytes", len(data),
		)
		h.countMalformed("buffered", 1)
	}
	h.recordStats("buffered", st)

	header := c.Response().Header()
	copyHeader(header, resp.Header)
	header.Set(echo.HeaderContentLength, strconv.Itoa(len(out)))
	c.Response().WriteHeader(resp.StatusCode)
	if _, err := c.Response().Write(out); err != nil {
		h.logBodyError(c, err)
	}
	return nil
}

// relayStream filters an event stream line by line on its way to the client.
// When the backend goes silent past the idle timeout, the stream timeout
// policy decides whether bytes held by the filter are emitted or dropped.
func (h *ProxyHandler) relayStream(c echo.Context, resp *model.ProxyResponse) error {
	header := c.Response().Header()
	copyHeader(header, resp.Header)
	header.Del(echo.HeaderContentLength)
	c.Response().WriteHeader(resp.StatusCode)

	es := filter.NewEventStream(&flushWriter{res: c.Response()}, h.service.FilterOptions(), h.logger)

	_, err := io.Copy(es, resp.Body)
	switch {
	case err == nil:
		if err := es.Close(); err != nil {
			h.logBodyError(c, err)
		}
	case errors.Is(err, client.ErrUpstreamIdle) && h.policy == config.PolicyFlush:
		_ = es.Close()
		h.logBodyError(c, err)
	default:
		es.Discard()
		h.logBodyError(c, err)
	}

	h.recordStats("stream", es.Stats())
	h.countMalformed("stream", es.Malformed())
	return nil
}

// bodyError handles a failure to read the inbound request body.
func (h *ProxyHandler) bodyError(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge).WithInternal(err)
	}
	if c.Request().Context().Err() != nil {
		h.logger.Debug("client aborted while sending body", "path", c.Request().URL.Path, "err", err)
		return nil
	}
	return echo.NewHTTPError(http.StatusBadRequest, "Could not read request body").WithInternal(err)
}

// mapError translates a failed upstream exchange into a gateway error
// response. A client that has gone away gets nothing.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	kind := classify(c.Request().Context(), err)
	h.countUpstreamError(kind)

	path := c.Request().URL.Path
	switch kind {
	case kindClientAbort:
		h.logger.Debug("client aborted request", "path", path, "err", err)
		return nil
	case kindUnavailable:
		h.logger.Warn("backend unavailable", "path", path, "err", err)
		return c.JSON(http.StatusServiceUnavailable,
			model.NewError(model.ErrTypeBackendUnavailable, "Backend service unavailable"))
	case kindTimeout:
		h.logger.Warn("backend timed out", "path", path, "err", err)
		return c.JSON(http.StatusGatewayTimeout,
			model.NewError(model.ErrTypeUpstreamTimeout, "Backend service did not respond in time"))
	default:
		h.logger.Error("proxy error", "path", path, "err", err)
		return c.JSON(http.StatusBadGateway,
			model.NewError(model.ErrTypeBadGateway, "Upstream request failed"))
	}
}

// logBodyError records a failure that happened after the status line was
// sent, when all that is left is to end the response.
func (h *ProxyHandler) logBodyError(c echo.Context, err error) {
	kind := classify(c.Request().Context(), err)
	h.countUpstreamError(kind)

	path := c.Request().URL.Path
	switch kind {
	case kindClientAbort:
		h.logger.Debug("client went away mid-response", "path", path, "err", err)
	case kindTimeout:
		h.logger.Warn("backend went silent mid-response; stream terminated",
			"path", path,
			"policy", h.policy,
			"err", err,
		)
	default:
		h.logger.Error("streaming response body", "path", path, "err", err)
	}
}

// classify sorts an upstream failure into one of the kind* values.
// Timeouts are checked before dial errors so a dial timeout is a timeout.
// A canceled request context means the client is gone, whatever error the
// upstream side reported.
func classify(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return kindClientAbort
	}
	if errors.Is(err, client.ErrUpstreamIdle) || errors.Is(err, context.DeadlineExceeded) {
		return kindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return kindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return kindUnavailable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return kindUnavailable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return kindUnavailable
	}
	return kindOther
}

func (h *ProxyHandler) countUpstreamError(kind string) {
	if h.metrics != nil {
		h.metrics.UpstreamErrors.WithLabelValues(h.name, kind).Inc()
	}
}

func (h *ProxyHandler) countMalformed(mode string, n int) {
	if h.metrics != nil && n > 0 {
		h.metrics.MalformedBodies.WithLabelValues(h.name, mode).Add(float64(n))
	}
}

func (h *ProxyHandler) recordStats(mode string, st filter.Stats) {
	if st.ReasoningFields > 0 || st.ThinkSpans > 0 {
		h.logger.Debug("filtered reasoning",
			"mode", mode,
			"reasoning_fields", st.ReasoningFields,
			"think_spans", st.ThinkSpans,
		)
	}
	if h.metrics == nil {
		return
	}
	if st.ReasoningFields > 0 {
		h.metrics.ReasoningFieldsRemoved.WithLabelValues(h.name, mode).Add(float64(st.ReasoningFields))
	}
	if st.ThinkSpans > 0 {
		h.metrics.ThinkSpansRemoved.WithLabelValues(h.name, mode).Add(float64(st.ThinkSpans))
	}
}

func copyHeader(dst, src http.Header) {
	for key, vals := range src {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

// hasMediaType reports whether the Content-Type of h is mediaType,
// ignoring parameters such as charset.
func hasMediaType(h http.Header, mediaType string) bool {
	ct := h.Get(echo.HeaderContentType)
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && mt == mediaType
}

// flushWriter pushes every write to the client immediately.
type flushWriter struct {
	res *echo.Response
}

func (w *flushWriter) Write(p []byte) (int, error) {
	n, err := w.res.Write(p)
	if err != nil {
		return n, err
	}
	w.res.Flush()
	return n, nil
}
