package httpapi

import (
	_ "embed"
	"net/http"

	httpSwagger "github.com/swaggo/http-swagger"
)

//go:embed swagger.json
var swaggerSpec []byte

func serveSwaggerSpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(swaggerSpec)
}

// swaggerHandler serves the interactive API docs at /docs/index.html,
// reading its spec from /docs/swagger.json rather than a generated
// docs package.
func swaggerHandler() http.Handler {
	return httpSwagger.Handler(httpSwagger.URL("/docs/swagger.json"))
}
