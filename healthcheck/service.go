// Package healthcheck reports whether the engine can reach its FHIR store.
package healthcheck

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

const probeTimeout = 5 * time.Second

// Store is the FHIR store whose availability is reported.
type Store interface {
	Metadata(ctx context.Context) (*fhir.CapabilityStatement, error)
}

func New(store Store) *Service {
	return &Service{store: store}
}

type Service struct {
	store Store
}

func (s Service) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealthCheck)
}

func (s Service) handleHealthCheck(writer http.ResponseWriter, request *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "up"}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(request.Context(), probeTimeout)
		defer cancel()
		if _, err := s.store.Metadata(ctx); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("Health check: FHIR store is not available")
			status = http.StatusServiceUnavailable
			body["status"] = "down"
		}
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}
