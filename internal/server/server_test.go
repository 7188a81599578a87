package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"mcpd/internal/api"
	"mcpd/internal/health"
	"mcpd/internal/metrics"
	"mcpd/internal/netaddr"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func startTestServer(t *testing.T, opts ...Option) *Handle {
	t.Helper()
	srv, err := New(opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	h, err := srv.Start(netaddr.BindSpec{Host: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = h.Stop(context.Background()) })
	return h
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	h := startTestServer(t, WithName("domoticz-mcp"))
	var body api.HealthResponse
	resp := getJSON(t, h.ProbeTarget().URL("/health"), &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body.Status != "healthy" || body.Service != "domoticz-mcp" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestInfoEndpoint(t *testing.T) {
	tracker := health.NewTracker()
	tracker.Setf(health.ComponentListener, health.LevelOK, "accepting")
	h := startTestServer(t, WithVersion("1.4.0"), WithHealthTracker(tracker))

	var info api.InfoResponse
	resp := getJSON(t, h.ProbeTarget().URL("/info"), &info)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if info.Name != DefaultServiceName || info.Version != "1.4.0" {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Address != h.Addr() {
		t.Fatalf("address = %s, want %s", info.Address, h.Addr())
	}
	if len(info.Components) != 1 || info.Components[0].Name != health.ComponentListener {
		t.Fatalf("unexpected components %+v", info.Components)
	}
}

func TestStartReportsBindErrorWhenPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	srv, _ := New()
	h, err := srv.Start(netaddr.BindSpec{Host: "127.0.0.1", Port: port})
	if h != nil {
		t.Fatal("expected nil handle on bind failure")
	}
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected BindError, got %v", err)
	}
	if bindErr.Kind() != BindAddrInUse {
		t.Fatalf("kind = %s", bindErr.Kind())
	}
}

func TestStopReleasesSocket(t *testing.T) {
	srv, _ := New()
	h, err := srv.Start(netaddr.BindSpec{Host: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	spec := h.BindSpec()
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("serve loop still running")
	}

	again, err := srv.Start(spec)
	if err != nil {
		t.Fatalf("rebind after stop: %v", err)
	}
	_ = again.Stop(context.Background())
}

func TestApplicationRoutesMountedAfterDiagnostics(t *testing.T) {
	h := startTestServer(t, WithRoutes(func(r gin.IRouter) {
		r.POST("/mcp", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	}))
	resp, err := http.Post(h.ProbeTarget().URL("/mcp"), "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.ObserveRestart()
	h := startTestServer(t, WithMetrics(m))
	resp, err := http.Get(h.ProbeTarget().URL("/metrics"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestAPIValidationRejectsUnknownAPIRoute(t *testing.T) {
	h := startTestServer(t, WithAPIValidation(true))
	resp, err := http.Get(h.ProbeTarget().URL("/api/v1/nope"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-API-Validation"); got != "enabled" {
		t.Fatalf("X-API-Validation = %q", got)
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" || resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("missing security headers: %v", resp.Header)
	}

	var detail api.HealthDetailResponse
	resp = getJSON(t, h.ProbeTarget().URL("/api/v1/health/detail"), &detail)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detail status %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := startTestServer(t, WithAllowedOrigins("http://domoticz.local:8080"))
	req, _ := http.NewRequest(http.MethodOptions, h.ProbeTarget().URL("/info"), nil)
	req.Header.Set("Origin", "http://domoticz.local:8080")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://domoticz.local:8080" {
		t.Fatal("missing allow-origin")
	}

	req, _ = http.NewRequest(http.MethodOptions, h.ProbeTarget().URL("/info"), nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d for disallowed origin", resp.StatusCode)
	}
}
