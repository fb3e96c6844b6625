package service

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"model-gateway/internal/client"
	"model-gateway/internal/config"
	"model-gateway/internal/model"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// backendPort returns the port of an httptest server listening on 127.0.0.1.
func backendPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func newTestService(svc *config.ServiceConfig) *ProxyService {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			ConnectTimeoutSeconds: 2,
			TimeoutSeconds:        10,
			IdleTimeoutSeconds:    10,
			IdleConnections:       10,
		},
	}
	return NewProxyService(client.NewUpstreamClient(svc, cfg, discardLogger, nil), svc, discardLogger)
}

func TestFilterRequestHeaders(t *testing.T) {
	s := &ProxyService{}
	src := http.Header{
		"Accept":              {"application/json"},
		"Accept-Encoding":     {"gzip"},
		"Content-Type":        {"application/json"},
		"Authorization":       {"Bearer secret"},
		"Host":                {"api.example.com"},
		"Connection":          {"keep-alive, X-Drop-Me"},
		"X-Drop-Me":           {"1"},
		"Keep-Alive":          {"timeout=5"},
		"Openai-Organization": {"org-1"},
		"X-Request-Id":        {"abc"},
		"X-Forwarded-For":     {"1.2.3.4"},
	}

	dst := s.filterRequestHeaders(src, false)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Accept forwarded", "Accept", 1},
		{"Accept-Encoding forwarded", "Accept-Encoding", 1},
		{"Content-Type forwarded", "Content-Type", 1},
		{"custom header forwarded", "Openai-Organization", 1},
		{"X-Request-Id forwarded", "X-Request-Id", 1},
		{"X-Forwarded-For forwarded", "X-Forwarded-For", 1},
		{"Authorization stripped", "Authorization", 0},
		{"Host stripped", "Host", 0},
		{"Connection stripped", "Connection", 0},
		{"Connection-listed header stripped", "X-Drop-Me", 0},
		{"Keep-Alive stripped", "Keep-Alive", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	if src.Get("Authorization") == "" {
		t.Error("filterRequestHeaders modified the source header")
	}

	if rewritten := s.filterRequestHeaders(src, true); rewritten.Get("Accept-Encoding") != "" {
		t.Error("Accept-Encoding should be dropped when the response will be rewritten")
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":      {"text/event-stream"},
		"Content-Length":    {"42"},
		"Transfer-Encoding": {"chunked"},
		"Connection":        {"close"},
		"X-Backend":         {"mlx"},
	}

	dst := filterResponseHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Content-Type forwarded", "Content-Type", 1},
		{"Content-Length forwarded", "Content-Length", 1},
		{"custom forwarded", "X-Backend", 1},
		{"Transfer-Encoding stripped", "Transfer-Encoding", 0},
		{"Connection stripped", "Connection", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(dst.Values(tt.key)); got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}
}

func TestIsStreamRequest(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   bool
	}{
		{"chat stream true", http.MethodPost, "/v1/chat/completions", `{"model":"x","stream":true}`, true},
		{"completions stream true", http.MethodPost, "/v1/completions", `{"prompt":"hi","stream": true}`, true},
		{"stream false", http.MethodPost, "/v1/chat/completions", `{"stream":false}`, false},
		{"stream absent", http.MethodPost, "/v1/chat/completions", `{"model":"x"}`, false},
		{"stream as string", http.MethodPost, "/v1/chat/completions", `{"stream":"true"}`, false},
		{"nested stream ignored", http.MethodPost, "/v1/chat/completions", `{"options":{"stream":true}}`, false},
		{"embeddings never stream", http.MethodPost, "/v1/embeddings", `{"stream":true}`, false},
		{"audio never streams", http.MethodPost, "/v1/audio/transcriptions", `{"stream":true}`, false},
		{"GET never streams", http.MethodGet, "/v1/chat/completions", `{"stream":true}`, false},
		{"empty body", http.MethodPost, "/v1/chat/completions", ``, false},
		{"not json", http.MethodPost, "/v1/chat/completions", `stream=true`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsStreamRequest(tt.method, tt.path, []byte(tt.body)); got != tt.want {
				t.Errorf("IsStreamRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterable(t *testing.T) {
	on := newTestService(&config.ServiceConfig{Name: "thinking", BackendPort: 1, FilterReasoning: true})
	off := newTestService(&config.ServiceConfig{Name: "fast", BackendPort: 1})

	if !on.Filterable("/v1/chat/completions") {
		t.Error("chat completions should be filterable when filter_reasoning is set")
	}
	for _, p := range []string{"/v1/embeddings", "/v1/audio/speech", "/v1/audio/transcriptions", "/v1/models"} {
		if on.Filterable(p) {
			t.Errorf("%s should never be filterable", p)
		}
	}
	if off.Filterable("/v1/chat/completions") {
		t.Error("nothing is filterable with both flags off")
	}
}

func TestBuildUpstreamURL(t *testing.T) {
	s := newTestService(&config.ServiceConfig{Name: "fast", BackendPort: 18081})

	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"no query", "/v1/models", "http://127.0.0.1:18081/v1/models"},
		{"with query", "/v1/models?limit=5", "http://127.0.0.1:18081/v1/models?limit=5"},
		{"query order and encoding kept", "/v1/models?z=1&a=%7e&a=2&flag", "http://127.0.0.1:18081/v1/models?z=1&a=%7e&a=2&flag"},
		{"escaped slash kept", "/v1/models/org%2Fqwen3", "http://127.0.0.1:18081/v1/models/org%2Fqwen3"},
		{"space in query kept", "/v1/models?q=a+b%20c", "http://127.0.0.1:18081/v1/models?q=a+b%20c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := url.ParseRequestURI(tt.target)
			if err != nil {
				t.Fatal(err)
			}
			if got := s.buildUpstreamURL(in.Path, in.RawPath, in.RawQuery); got != tt.want {
				t.Errorf("buildUpstreamURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForward(t *testing.T) {
	var gotMethod, gotPath, gotAuth, gotBody, gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotHost = r.Host
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	port := backendPort(t, upstream)
	s := newTestService(&config.ServiceConfig{Name: "fast", Port: 1, BackendPort: port})

	resp, err := s.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Path:   "/v1/embeddings",
		Header: http.Header{"Authorization": {"Bearer caller-key"}, "Content-Type": {"application/json"}},
		Body:   []byte(`{"input":"hi"}`),
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("StatusCode = %d, want %d (passed through)", resp.StatusCode, http.StatusTeapot)
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/embeddings" {
		t.Errorf("upstream saw %s %s", gotMethod, gotPath)
	}
	if gotAuth != "" {
		t.Errorf("Authorization forwarded upstream: %q", gotAuth)
	}
	if gotBody != `{"input":"hi"}` {
		t.Errorf("body = %q", gotBody)
	}
	if gotHost != "127.0.0.1:"+strconv.Itoa(port) {
		t.Errorf("Host = %q, want upstream address", gotHost)
	}
}

func TestForward_PreservesRequestTarget(t *testing.T) {
	var gotURI string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.RequestURI
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s := newTestService(&config.ServiceConfig{Name: "fast", Port: 1, BackendPort: backendPort(t, upstream)})

	in, err := url.ParseRequestURI("/v1/models/org%2Fqwen3?b=2&a=%7E1&a=0")
	if err != nil {
		t.Fatal(err)
	}
	resp, err := s.Forward(&model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Path:     in.Path,
		RawPath:  in.RawPath,
		RawQuery: in.RawQuery,
		Header:   http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if gotURI != "/v1/models/org%2Fqwen3?b=2&a=%7E1&a=0" {
		t.Errorf("upstream request target = %q", gotURI)
	}
}
