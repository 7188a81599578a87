package apidocs

import (
	"context"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
)

func TestOpenAPISpec_Validates(t *testing.T) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(Spec)
	if err != nil {
		t.Fatalf("failed to load OpenAPI spec: %v", err)
	}

	if err := doc.Validate(context.Background()); err != nil {
		t.Fatalf("OpenAPI validation failed: %v", err)
	}
	for _, p := range []string{"/health", "/info", "/api/v1/health/detail", "/api/v1/status", "/api/v1/status/history"} {
		if doc.Paths.Find(p) == nil {
			t.Fatalf("spec missing %s", p)
		}
	}
}
