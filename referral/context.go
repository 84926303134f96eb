package referral

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/SanteonNL/orca/bserengine/gateway"
)

// RequestContext holds what one referral run works against: the store (through the Gateway) and the URL of this
// system's $process-message operation, which recipients send their feedback to.
// It is constructed per request and never mutated.
type RequestContext struct {
	gateway           *gateway.Gateway
	processMessageURL string
}

// NewRequestContext creates the context for the given gateway and the public FHIR base URL of this system.
func NewRequestContext(gw *gateway.Gateway, fhirBaseURL *url.URL) RequestContext {
	return RequestContext{
		gateway:           gw,
		processMessageURL: ProcessMessageURL(fhirBaseURL),
	}
}

// WithProviderBaseURL returns a copy of the context that stores the referral records in the FHIR server at
// providerBaseURL.
func (c RequestContext) WithProviderBaseURL(providerBaseURL string) (RequestContext, error) {
	if providerBaseURL == "" {
		return c, nil
	}
	parsed, err := url.Parse(providerBaseURL)
	if err != nil || !parsed.IsAbs() {
		return c, newError(InvalidParameter, "Parameters.parameter.where(name='bserProviderBaseUrl')", "bserProviderBaseUrl is not an absolute URL: %s", providerBaseURL)
	}
	result := c
	result.gateway = c.gateway.WithStore(parsed)
	return result, nil
}

func (c RequestContext) Gateway() *gateway.Gateway {
	return c.gateway
}

func (c RequestContext) ProcessMessageURL() string {
	return c.processMessageURL
}

func (c RequestContext) String() string {
	return fmt.Sprintf("store=%s callback=%s", c.gateway.StoreURL(), c.processMessageURL)
}

// ProcessMessageURL returns the URL of the $process-message operation under the given base URL.
func ProcessMessageURL(baseURL *url.URL) string {
	return strings.TrimSuffix(baseURL.String(), "/") + "/$process-message"
}
