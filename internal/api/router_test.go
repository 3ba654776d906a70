package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Spatial-NVR/plategate/internal/device"
)

type healthFunc func(ctx context.Context) error

func (f healthFunc) Health(ctx context.Context) error { return f(ctx) }

func newTestRouter(reg DeviceRegistry, db HealthChecker) *httptest.Server {
	return httptest.NewServer(NewRouter(RouterOptions{
		Registry: reg,
		Events:   newFakeStore(),
		Database: db,
		Logs:     fillBuffer(),
		Hub:      NewHub(discard),
		Logger:   discard,
	}))
}

func TestRouter_Health(t *testing.T) {
	reg := newFakeRegistry()
	reg.AddDevice(device.Spec{Name: "cam1", Location: device.LocationLocal, Address: "tcp://127.0.0.1", ListenerPort: 5555})
	reg.AddDevice(device.Spec{Name: "cam2", Location: device.LocationLocal, Address: "tcp://127.0.0.1", ListenerPort: 5556})
	reg.StartDevice("cam2")

	tests := []struct {
		name     string
		db       HealthChecker
		status   string
		database string
	}{
		{"no store", nil, "healthy", "disabled"},
		{"store ok", healthFunc(func(context.Context) error { return nil }), "healthy", "ok"},
		{"store down", healthFunc(func(context.Context) error { return errors.New("locked") }), "degraded", "error"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestRouter(reg, tc.db)
			defer server.Close()

			resp, body := do(t, http.MethodGet, server.URL+"/health", nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("Expected status %d, got %d", http.StatusOK, resp.StatusCode)
			}
			data, _ := body.Data.(map[string]interface{})
			if data["status"] != tc.status || data["database"] != tc.database {
				t.Errorf("Expected %s/%s, got %v", tc.status, tc.database, data)
			}
			devices, _ := data["devices"].(map[string]interface{})
			if devices["total"] != 2.0 || devices["running"] != 1.0 {
				t.Errorf("Expected 2 devices with 1 running, got %v", devices)
			}
		})
	}
}

func TestRouter_Routes(t *testing.T) {
	reg := newFakeRegistry()
	reg.AddDevice(device.Spec{Name: "cam1", Location: device.LocationLocal, Address: "tcp://127.0.0.1", ListenerPort: 5555})
	server := newTestRouter(reg, nil)
	defer server.Close()

	for _, path := range []string{"/api/v1/devices", "/api/v1/devices/cam1", "/api/v1/events", "/api/v1/events/stats", "/api/v1/logs?n=1"} {
		resp, _ := do(t, http.MethodGet, server.URL+path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected status %d, got %d", path, http.StatusOK, resp.StatusCode)
		}
	}

	resp, _ := do(t, http.MethodGet, server.URL+"/api/v1/devices/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, resp.StatusCode)
	}
}

func TestRouter_OptionalSurfaces(t *testing.T) {
	server := httptest.NewServer(NewRouter(RouterOptions{
		Registry: newFakeRegistry(),
		Logger:   discard,
	}))
	defer server.Close()

	for _, path := range []string{"/api/v1/events", "/api/v1/logs", "/api/v1/ws"} {
		req, _ := http.NewRequest(http.MethodGet, server.URL+path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s: expected status %d, got %d", path, http.StatusNotFound, resp.StatusCode)
		}
	}
}
