package coolfhir

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/SanteonNL/orca/bserengine/globals"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	AzureManagedIdentity = "azure-managedidentity"
	BasicAuth            = "basic"
	BearerAuth           = "bearer"
)

// ClientConfig configures the connection to a FHIR server.
type ClientConfig struct {
	// BaseURL is the base URL of the FHIR server, e.g. https://example.com/fhir
	BaseURL string     `koanf:"url"`
	Auth    AuthConfig `koanf:"auth"`
}

type AuthConfig struct {
	// Type of authentication: empty (none), "basic", "bearer" or "azure-managedidentity".
	Type string `koanf:"type"`
	// Basic contains the credentials for basic authentication, formatted as user:password.
	Basic string `koanf:"basic"`
	// Bearer contains a static bearer token.
	Bearer string `koanf:"bearer"`
	// Scopes overrides the OAuth2 scopes requested for Azure managed identity.
	Scopes []string `koanf:"scopes"`
}

func (c ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("FHIR base URL is not configured")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid FHIR base URL: %w", err)
	}
	switch c.Auth.Type {
	case BasicAuth:
		if !strings.Contains(c.Auth.Basic, ":") {
			return errors.New("basic FHIR authentication requires credentials formatted as user:password")
		}
	case BearerAuth:
		if c.Auth.Bearer == "" {
			return errors.New("bearer FHIR authentication requires a token")
		}
	}
	return nil
}

// ParseURL returns the parsed BaseURL. It must only be called on a validated ClientConfig.
func (c ClientConfig) ParseURL() *url.URL {
	u, _ := url.Parse(c.BaseURL)
	return u
}

// Config returns the FHIR client configuration used for all FHIR servers.
func Config() *fhirclient.Config {
	config := fhirclient.DefaultConfig()
	config.DefaultOptions = []fhirclient.Option{
		fhirclient.RequestHeaders(map[string][]string{
			"Cache-Control": {"no-cache"},
		}),
	}
	config.Non2xxStatusHandler = func(response *http.Response, responseBody []byte) {
		log.Debug().Msgf("Non-2xx status code from FHIR server (%s %s, status=%d), content: %s", response.Request.Method, FhirUrlLoggerSanitizer(response.Request.URL), response.StatusCode, string(responseBody))
	}
	return &config
}

// NewAuthRoundTripper creates the HTTP transport and FHIR client for the given FHIR server configuration.
func NewAuthRoundTripper(config ClientConfig, fhirClientConfig *fhirclient.Config) (http.RoundTripper, fhirclient.Client, error) {
	fhirURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid FHIR base URL: %w", err)
	}
	var transport http.RoundTripper
	base := globals.NewTransport()
	switch config.Auth.Type {
	case AzureManagedIdentity:
		credential, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to get credential for Azure FHIR API client: %w", err)
		}
		scopes := config.Auth.Scopes
		if len(scopes) == 0 {
			scopes = DefaultAzureScope(fhirURL)
		}
		transport = NewAzureHTTPClient(credential, scopes).Transport
	case BasicAuth:
		username, password, _ := strings.Cut(config.Auth.Basic, ":")
		transport = basicAuthTransport{username: username, password: password, base: base}
	case BearerAuth:
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.Auth.Bearer, TokenType: "Bearer"}),
			Base:   base,
		}
	case "":
		transport = base
	default:
		return nil, nil, fmt.Errorf("invalid FHIR authentication type: %s", config.Auth.Type)
	}
	transport = otelhttp.NewTransport(transport)
	fhirClient := fhirclient.New(fhirURL, &http.Client{Transport: transport}, fhirClientConfig)
	return transport, fhirClient, nil
}

type basicAuthTransport struct {
	username string
	password string
	base     http.RoundTripper
}

func (b basicAuthTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	request = request.Clone(request.Context())
	request.SetBasicAuth(b.username, b.password)
	return b.base.RoundTrip(request)
}
