package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidatorAcceptsHealthPayload(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	if err := v.ValidateRequest(req); err != nil {
		t.Fatalf("request: %v", err)
	}
	h := http.Header{"Content-Type": []string{"application/json; charset=utf-8"}}
	body := []byte(`{"status":"healthy","service":"domoticz-mcp"}`)
	if err := v.ValidateResponse(req, http.StatusOK, h, body); err != nil {
		t.Fatalf("response: %v", err)
	}
}

func TestValidatorRejectsMissingService(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h := http.Header{"Content-Type": []string{"application/json"}}
	if err := v.ValidateResponse(req, http.StatusOK, h, []byte(`{"status":"healthy"}`)); err == nil {
		t.Fatal("expected missing service to fail validation")
	}
}

func TestValidatorRejectsUndocumentedRoute(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil)
	if err := v.ValidateRequest(req); err == nil {
		t.Fatal("expected unknown route to be rejected")
	}
}
