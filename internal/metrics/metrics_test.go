package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"ua-rewrite-proxy/internal/model"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	m.Aborted(model.CauseResolution)

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "ua_proxy_connections_aborted_total" {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected ua_proxy_connections_aborted_total in gathered metrics")
	}
}

func TestHelpers(t *testing.T) {
	m := New()

	m.Rejected(model.RejectCapacity)
	m.Rejected(model.RejectCapacity)
	m.PassedThrough(model.PassNotHTTP)
	m.Relayed(10, 20)
	m.Relayed(5, 0)

	if got := testutil.ToFloat64(m.ConnectionsRejected.WithLabelValues("capacity")); got != 2 {
		t.Errorf("rejected{capacity} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Passthrough.WithLabelValues("not_http")); got != 1 {
		t.Errorf("passthrough{not_http} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RelayBytes.WithLabelValues(DirUpstream)); got != 15 {
		t.Errorf("relay_bytes{upstream} = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.RelayBytes.WithLabelValues(DirDownstream)); got != 20 {
		t.Errorf("relay_bytes{downstream} = %v, want 20", got)
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got := NormalizeMethod(tt.method)
			if got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/healthz", "/healthz"},
		{"/proxy/status", "/proxy/status"},
		{"/metrics", "/metrics"},
		{"/metrics?format=text", "/metrics"},
		{"/unknown", "other"},
		{"/", "other"},
		{"/healthzz", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
