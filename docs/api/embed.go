package apidocs

import _ "embed"

// Spec is the OpenAPI document served at /api/v1/openapi.yaml and used for
// request and probe response validation.
//
//go:embed openapi.yaml
var Spec []byte
