package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"

	"model-gateway/internal/metrics"
)

func TestMetricsMiddleware_Series(t *testing.T) {
	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }

	tests := []struct {
		name     string
		service  string
		register func(e *echo.Echo)
		method   string
		target   string
		want     map[string]string
	}{
		{
			name:     "completion on the thinking service",
			service:  "thinking",
			register: func(e *echo.Echo) { e.POST("/v1/chat/completions", ok) },
			method:   http.MethodPost,
			target:   "/v1/chat/completions",
			want:     map[string]string{"service": "thinking", "method": "POST", "status_code": "200", "path_prefix": "/v1/chat/completions"},
		},
		{
			name:    "handler error status and collapsed model path",
			service: "fast",
			register: func(e *echo.Echo) {
				e.GET("/v1/models/*", func(echo.Context) error {
					return echo.NewHTTPError(http.StatusNotFound, "no such model")
				})
			},
			method: http.MethodGet,
			target: "/v1/models/qwen3",
			want:   map[string]string{"service": "fast", "method": "GET", "status_code": "404", "path_prefix": "/v1/models"},
		},
		{
			name:     "non-standard method",
			service:  "embed",
			register: func(e *echo.Echo) { e.Any("/v1/embeddings", ok) },
			method:   "XYZZY",
			target:   "/v1/embeddings",
			want:     map[string]string{"service": "embed", "method": "other", "path_prefix": "/v1/embeddings"},
		},
		{
			name:     "unrouted path",
			service:  "voice",
			register: func(*echo.Echo) {},
			method:   http.MethodGet,
			target:   "/nonexistent",
			want:     map[string]string{"service": "voice", "method": "GET", "status_code": "404", "path_prefix": "other"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := echo.New()
			e.Use(MetricsMiddleware(m, tt.service))
			tt.register(e)

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, http.NoBody))

			want := map[string]string{"status_code": strconv.Itoa(rec.Code)}
			for k, v := range tt.want {
				want[k] = v
			}

			families, err := m.Registry.Gather()
			if err != nil {
				t.Fatalf("Gather() error = %v", err)
			}

			var total, inFlight bool
			for _, f := range families {
				for _, metric := range f.GetMetric() {
					labels := make(map[string]string)
					for _, lp := range metric.GetLabel() {
						labels[lp.GetName()] = lp.GetValue()
					}
					switch f.GetName() {
					case "model_gateway_http_requests_total":
						total = true
						for k, v := range want {
							if labels[k] != v {
								t.Errorf("requests_total label %s = %q, want %q", k, labels[k], v)
							}
						}
						if v := metric.GetCounter().GetValue(); v != 1 {
							t.Errorf("requests_total = %v, want 1", v)
						}
					case "model_gateway_http_requests_in_flight":
						inFlight = true
						if labels["service"] != tt.service {
							t.Errorf("in-flight service = %q, want %q", labels["service"], tt.service)
						}
						if v := metric.GetGauge().GetValue(); v != 0 {
							t.Errorf("in-flight gauge = %v after request finished, want 0", v)
						}
					}
				}
			}
			if !total {
				t.Error("expected a model_gateway_http_requests_total series")
			}
			if !inFlight {
				t.Error("expected a model_gateway_http_requests_in_flight series")
			}
		})
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, "fast"))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var samples uint64
	for _, f := range families {
		if f.GetName() == "model_gateway_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				samples += metric.GetHistogram().GetSampleCount()
			}
		}
	}
	if samples != 1 {
		t.Errorf("duration samples = %d, want 1", samples)
	}
}
