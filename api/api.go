// Package api содержит OpenAPI-описание HTTP-поверхности сервиса,
// отдаваемое через Swagger UI.
package api

import _ "embed"

//go:embed openapi.json
var OpenAPISpec []byte
