// Package httpserv registers routes on a ServeMux and decodes FHIR request bodies.
package httpserv

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/SanteonNL/orca/bserengine/lib/otel"
	"go.opentelemetry.io/otel/trace"
)

// MaxRequestBodySize limits the size of FHIR request bodies.
const MaxRequestBodySize = 10 << 20

type Route struct {
	Method string
	Path   string
	// Name is the span name of the operation. Routes without a name are not traced.
	Name       string
	Handler    http.HandlerFunc
	Middleware func(http.HandlerFunc) http.HandlerFunc
}

// RegisterRoutes registers the routes on the mux. Middleware runs within the route's span.
func RegisterRoutes(mux *http.ServeMux, tracer trace.Tracer, routes ...Route) {
	for _, route := range routes {
		if route.Handler == nil {
			panic("route handler cannot be nil")
		}
		handler := route.Handler
		if route.Middleware != nil {
			handler = route.Middleware(handler)
		}
		if route.Name != "" && tracer != nil {
			handler = otel.HandlerWithTracing(tracer, route.Name, handler)
		}
		mux.HandleFunc(strings.Join([]string{route.Method, route.Path}, " "), handler)
	}
}

func Chain(middlewares ...func(http.HandlerFunc) http.HandlerFunc) func(http.HandlerFunc) http.HandlerFunc {
	return func(final http.HandlerFunc) http.HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			if middlewares[i] != nil {
				final = middlewares[i](final)
			}
		}
		return final
	}
}

// DecodeFHIRBody reads the JSON request body into target. The Content-Type must be a JSON media type
// (application/fhir+json or application/json).
func DecodeFHIRBody(response http.ResponseWriter, request *http.Request, target any) error {
	mediaType, _, err := mime.ParseMediaType(request.Header.Get("Content-Type"))
	if err != nil || (mediaType != coolfhir.FHIRContentType && mediaType != "application/json") {
		return coolfhir.NewErrorWithCode("Content-Type must be "+coolfhir.FHIRContentType, http.StatusUnsupportedMediaType)
	}
	data, err := io.ReadAll(http.MaxBytesReader(response, request.Body, MaxRequestBodySize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return coolfhir.NewErrorWithCode("request body too large", http.StatusRequestEntityTooLarge)
		}
		return fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return coolfhir.BadRequest("request body is empty")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return coolfhir.BadRequest("invalid request body: %s", err.Error())
	}
	return nil
}
