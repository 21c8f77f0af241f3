// Package api carries the OpenAPI document served at GET /openapi.yaml.
package api

import _ "embed"

// OpenAPISpec describes the SlotWarden HTTP surface: resolutions, metrics,
// risk analysis, conflict detection and the SSE stream.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
