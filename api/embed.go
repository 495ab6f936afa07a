// Package api embeds the dashboard API description for serving at
// runtime.
package api

import _ "embed"

// OpenAPISpec is the raw OpenAPI 3.1 YAML document covering the health,
// dashboard and control endpoints.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
