package plugin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"mcpd/internal/api"
	"mcpd/internal/status"
)

func routerFor(c *Controller, history HistorySource) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	c.Routes(history)(r)
	return r
}

func TestStatusRoute(t *testing.T) {
	f := newFixture(t, true)
	f.ctrl.Boot(context.Background())

	w := httptest.NewRecorder()
	routerFor(f.ctrl, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var got api.ServerStatus
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != "running" || got.Address != "0.0.0.0:8765" || got.ProbeAddress != "127.0.0.1:8765" || got.StartedAt == nil {
		t.Fatalf("unexpected status %+v", got)
	}

	v, err := api.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	if err := v.ValidateResponse(req, w.Code, w.Header(), w.Body.Bytes()); err != nil {
		t.Fatalf("response does not match schema: %v", err)
	}
}

func TestHistoryRoute(t *testing.T) {
	store, err := status.OpenDeviceStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := newFixture(t, true)
	f.ctrl.Boot(context.Background())
	if err := store.Report(context.Background(), f.ctrl.Snapshot().Last); err != nil {
		t.Fatalf("report: %v", err)
	}

	r := routerFor(f.ctrl, store)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status/history?limit=5", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var got api.StatusHistory
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Outcomes) != 1 || got.Outcomes[0].State != "running" {
		t.Fatalf("unexpected history %+v", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status/history?limit=zero", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d for bad limit", w.Code)
	}
}

func TestHistoryRouteWithoutStore(t *testing.T) {
	f := newFixture(t, true)
	w := httptest.NewRecorder()
	routerFor(f.ctrl, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status/history", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", w.Code)
	}
}
