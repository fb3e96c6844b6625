// Package service implements the core forwarding logic of a gateway.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"model-gateway/internal/client"
	"model-gateway/internal/config"
	"model-gateway/internal/filter"
	"model-gateway/internal/model"
)

// streamablePaths are the endpoints whose requests may ask for an event stream.
var streamablePaths = map[string]bool{
	"/v1/chat/completions": true,
	"/v1/completions":      true,
}

// filterablePaths are the endpoints whose responses carry model text and
// are subject to reasoning filtering. Embeddings, audio and model listings
// are never rewritten.
var filterablePaths = map[string]bool{
	"/v1/chat/completions": true,
	"/v1/completions":      true,
}

// hopByHopHeaders are connection-scoped and never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyService relays requests to one service's loopback backend.
type ProxyService struct {
	client  *client.UpstreamClient
	svc     *config.ServiceConfig
	opts    filter.Options
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService targeting 127.0.0.1:<backend_port>.
func NewProxyService(c *client.UpstreamClient, svc *config.ServiceConfig, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		svc:    svc,
		opts: filter.Options{
			StripReasoning: svc.FilterReasoning,
			StripThinkTags: svc.DisableThinkingTags,
		},
		logger: logger.With("component", "proxy_service", "service", svc.Name),
		baseURL: &url.URL{
			Scheme: "http",
			Host:   "127.0.0.1:" + strconv.Itoa(svc.BackendPort),
		},
	}
}

// FilterOptions returns the reasoning filters configured for this service.
func (s *ProxyService) FilterOptions() filter.Options {
	return s.opts
}

// Upstream returns the backend base URL.
func (s *ProxyService) Upstream() string {
	return s.baseURL.String()
}

// Forward sends a ProxyRequest to the backend and returns its response.
// Exactly one attempt is made. The caller is responsible for closing the
// response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawPath, pr.RawQuery)
	header := s.filterRequestHeaders(pr.Header, s.Filterable(pr.Path))

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"stream", pr.Stream,
	)

	resp, err := s.client.Do(pr.Ctx, pr.Method, upstreamURL, header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// Filterable reports whether responses on path go through the reasoning
// filter for this service.
func (s *ProxyService) Filterable(path string) bool {
	return s.opts.Active() && filterablePaths[path]
}

// IsStreamRequest reports whether a request asks for an event-stream
// completion: a POST to a completion endpoint whose JSON body has
// "stream": true.
func IsStreamRequest(method, path string, body []byte) bool {
	if method != http.MethodPost || !streamablePaths[path] || len(body) == 0 {
		return false
	}
	return gjson.GetBytes(body, "stream").Type == gjson.True
}

// buildUpstreamURL reproduces the caller's request target against the
// backend. The query is passed through untouched, never re-encoded.
func (s *ProxyService) buildUpstreamURL(path, rawPath, rawQuery string) string {
	u := *s.baseURL
	u.Path = path
	u.RawPath = rawPath
	u.RawQuery = rawQuery
	return u.String()
}

// filterRequestHeaders copies every header except the caller's credential,
// Host and hop-by-hop headers. The backend trusts loopback connections and
// must not see the gateway's keys. When the response will be rewritten,
// Accept-Encoding is dropped so the body arrives as plain JSON.
func (s *ProxyService) filterRequestHeaders(src http.Header, rewrite bool) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dst.Del("Authorization")
	dst.Del("Host")
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			dst.Del(strings.TrimSpace(name))
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	if rewrite {
		dst.Del("Accept-Encoding")
	}
	return dst
}

// filterResponseHeaders drops hop-by-hop headers from the backend response.
func filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		return make(http.Header)
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	return dst
}
