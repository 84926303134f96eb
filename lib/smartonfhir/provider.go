package smartonfhir

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/SanteonNL/orca/bserengine/gateway"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config configures the SMART on FHIR backend service client.
type Config struct {
	TokenEndpoint string `koanf:"tokenendpoint"`
	ClientID      string `koanf:"clientid"`
	Scope         string `koanf:"scope"`
	// Audience lists the base URLs of the FHIR servers the access token is used for.
	Audience []string  `koanf:"audience"`
	Key      KeyConfig `koanf:"key"`
}

func (c Config) Enabled() bool {
	return c.TokenEndpoint != ""
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.ClientID == "" {
		return errors.New("smart.clientid is required when smart.tokenendpoint is set")
	}
	if c.Key.File == "" && c.Key.AzureKeyVault.URL == "" {
		return errors.New("smart.key.file or smart.key.azurekeyvault.url is required when smart.tokenendpoint is set")
	}
	if c.Key.AzureKeyVault.URL != "" && c.Key.AzureKeyVault.Name == "" {
		return errors.New("smart.key.azurekeyvault.name is required")
	}
	return nil
}

var _ gateway.TokenProvider = &TokenProvider{}

// TokenProvider hands out backend service access tokens for the FHIR servers in its audience.
// Tokens are cached per audience until they expire.
type TokenProvider struct {
	source   BackendTokenSource
	audience []string
	cache    *ttlcache.Cache[string, string]
}

// NewTokenProvider creates a TokenProvider that signs client assertions with the given key.
func NewTokenProvider(config Config, key SigningKey) *TokenProvider {
	audience := make([]string, 0, len(config.Audience))
	for _, curr := range config.Audience {
		if curr = strings.TrimSpace(curr); curr != "" {
			audience = append(audience, normalizeBaseURL(curr))
		}
	}
	return &TokenProvider{
		source: BackendTokenSource{
			OAuth2ASTokenEndpoint: config.TokenEndpoint,
			ClientID:              config.ClientID,
			Scope:                 config.Scope,
			SigningKey:            key,
			HTTPClient: &http.Client{
				Transport: otelhttp.NewTransport(http.DefaultTransport),
				Timeout:   30 * time.Second,
			},
		},
		audience: audience,
		cache:    ttlcache.New[string, string](ttlcache.WithDisableTouchOnHit[string, string]()),
	}
}

// GetBearerToken returns an access token for the server, or an empty string if the server isn't in the audience.
func (p *TokenProvider) GetBearerToken(ctx context.Context, serverURL string) (string, error) {
	audience, ok := p.audienceOf(serverURL)
	if !ok {
		return "", nil
	}
	if item := p.cache.Get(audience); item != nil {
		return item.Value(), nil
	}
	token, err := p.source.TokenContext(ctx)
	if err != nil {
		return "", err
	}
	if ttl := time.Until(token.Expiry); ttl > 0 {
		p.cache.Set(audience, token.AccessToken, ttl)
	}
	log.Ctx(ctx).Debug().Msgf("Acquired SMART on FHIR access token for %s", audience)
	return token.AccessToken, nil
}

func (p *TokenProvider) audienceOf(serverURL string) (string, bool) {
	server := normalizeBaseURL(serverURL)
	for _, audience := range p.audience {
		if strings.HasPrefix(server, audience) {
			return audience, true
		}
	}
	return "", false
}

func normalizeBaseURL(u string) string {
	return strings.TrimRight(u, "/") + "/"
}
