//go:generate mockgen -source=interface.go -destination=./interface_mock.go -package=gateway TokenProvider
package gateway

import "context"

// TokenProvider provides bearer tokens for FHIR servers that require backend-service authentication.
type TokenProvider interface {
	// GetBearerToken returns the access token for the FHIR server at serverURL.
	// It returns an empty string if the server doesn't require one.
	GetBearerToken(ctx context.Context, serverURL string) (string, error)
}
