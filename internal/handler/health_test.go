package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"model-gateway/internal/config"
)

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.ServiceConfig{Name: "fast"}, "http://127.0.0.1:18081", "test")
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	svc := &config.ServiceConfig{
		Name:            "thinking",
		Model:           "qwen3-30b",
		Port:            8082,
		BackendPort:     18082,
		APIKeys:         []string{"k"},
		FilterReasoning: true,
	}
	h := NewHealthHandler(svc, "http://127.0.0.1:18082", "1.2.3")
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := StatusResponse{
		Status:          "ok",
		Service:         "thinking",
		Model:           "qwen3-30b",
		Version:         "1.2.3",
		Upstream:        "http://127.0.0.1:18082",
		FilterReasoning: true,
		AuthEnabled:     true,
	}
	if body != want {
		t.Errorf("body = %+v, want %+v", body, want)
	}
}
