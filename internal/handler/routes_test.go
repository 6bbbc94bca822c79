package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"ua-rewrite-proxy/internal/config"
	"ua-rewrite-proxy/internal/metrics"
	"ua-rewrite-proxy/internal/model"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	tests := []struct {
		name           string
		metricsEnabled bool
		method         string
		path           string
		wantStatus     int
	}{
		{"GET /healthz", true, http.MethodGet, "/healthz", http.StatusOK},
		{"GET /proxy/status", true, http.MethodGet, "/proxy/status", http.StatusOK},
		{"GET /metrics", true, http.MethodGet, "/metrics", http.StatusOK},
		{"GET /metrics when disabled", false, http.MethodGet, "/metrics", http.StatusNotFound},
		{"POST /healthz", true, http.MethodPost, "/healthz", http.StatusMethodNotAllowed},
		{"GET /unknown returns 404", true, http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Metrics: config.MetricsConfig{Enabled: tt.metricsEnabled, Path: "/metrics"}}
			m := metrics.New()
			e := echo.New()
			RegisterRoutes(e, cfg, NewHealthHandler(cfg, fakeState{}, "test"), m)

			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsExposition(t *testing.T) {
	cfg := &config.Config{Metrics: config.MetricsConfig{Enabled: true, Path: "/internal/metrics"}}
	m := metrics.New()
	m.Aborted(model.CauseHeaderTimeout)

	e := echo.New()
	RegisterRoutes(e, cfg, NewHealthHandler(cfg, fakeState{}, "test"), m)

	req := httptest.NewRequest(http.MethodGet, "/internal/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if want := `ua_proxy_connections_aborted_total{cause="header_timeout"} 1`; !strings.Contains(rec.Body.String(), want) {
		t.Errorf("exposition missing %q", want)
	}
}
