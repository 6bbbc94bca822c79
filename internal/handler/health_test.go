package handler

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"ua-rewrite-proxy/internal/config"
)

type fakeState struct {
	addrs  []net.Addr
	active int64
}

func (s fakeState) Addrs() []net.Addr { return s.addrs }
func (s fakeState) Active() int64     { return s.active }

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.Config{}, fakeState{}, "test")
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
	cfg := &config.Config{
		Server:   config.ServerConfig{MaxConnections: 1000},
		Rewrite:  config.RewriteConfig{Header: "User-Agent", Value: "FFFF"},
		Resolver: config.ResolverConfig{Mode: "redirect"},
	}

	tests := []struct {
		name       string
		state      fakeState
		wantStatus string
		wantListen []string
	}{
		{
			name: "listening",
			state: fakeState{
				addrs: []net.Addr{
					&net.TCPAddr{IP: net.IPv4zero, Port: 10080},
					&net.TCPAddr{IP: net.IPv4zero, Port: 10443},
				},
				active: 7,
			},
			wantStatus: "ok",
			wantListen: []string{"0.0.0.0:10080", "0.0.0.0:10443"},
		},
		{
			name:       "not yet bound",
			state:      fakeState{},
			wantStatus: "starting",
			wantListen: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := NewHealthHandler(cfg, tt.state, "1.2.3")
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
			if body.Status != tt.wantStatus {
				t.Errorf("body.status = %q, want %q", body.Status, tt.wantStatus)
			}
			if body.Version != "1.2.3" {
				t.Errorf("body.version = %q, want %q", body.Version, "1.2.3")
			}
			if len(body.Listen) != len(tt.wantListen) {
				t.Fatalf("body.listen = %v, want %v", body.Listen, tt.wantListen)
			}
			for i := range tt.wantListen {
				if body.Listen[i] != tt.wantListen[i] {
					t.Errorf("body.listen[%d] = %q, want %q", i, body.Listen[i], tt.wantListen[i])
				}
			}
			if body.Header != "User-Agent" || body.Value != "FFFF" {
				t.Errorf("body header/value = %q/%q, want User-Agent/FFFF", body.Header, body.Value)
			}
			if body.Resolver != "redirect" {
				t.Errorf("body.resolver = %q, want %q", body.Resolver, "redirect")
			}
			if body.ActiveConnections != tt.state.active {
				t.Errorf("body.active_connections = %d, want %d", body.ActiveConnections, tt.state.active)
			}
			if body.MaxConnections != 1000 {
				t.Errorf("body.max_connections = %d, want 1000", body.MaxConnections)
			}
		})
	}
}
