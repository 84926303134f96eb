package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/rs/zerolog/log"
	"github.com/zitadel/oidc/v3/pkg/client/rs"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const realm = "bser"

const (
	MethodBasic         = "basic"
	MethodBearer        = "bearer"
	MethodIntrospection = "introspection"
)

// Config configures how callers of the FHIR operations authenticate. Exactly one method must be configured,
// unless Disabled is set.
type Config struct {
	Disabled bool `koanf:"disabled"`
	// Basic holds the credentials as user:password.
	Basic string `koanf:"basic"`
	// Bearer is a static bearer token.
	Bearer        string              `koanf:"bearer"`
	Introspection IntrospectionConfig `koanf:"introspection"`
}

// IntrospectionConfig configures OAuth2 token introspection (RFC 7662). If the endpoints are not set,
// they are discovered through the issuer's OpenID configuration.
type IntrospectionConfig struct {
	Issuer                string `koanf:"issuer"`
	ClientID              string `koanf:"clientid"`
	ClientSecret          string `koanf:"clientsecret"`
	TokenEndpoint         string `koanf:"tokenendpoint"`
	IntrospectionEndpoint string `koanf:"introspectionendpoint"`
}

func (c IntrospectionConfig) Enabled() bool {
	return c.Issuer != ""
}

func (c Config) Validate(strictMode bool) error {
	configured := 0
	if c.Basic != "" {
		configured++
		if !strings.Contains(c.Basic, ":") {
			return errors.New("auth.basic must be formatted as user:password")
		}
	}
	if c.Bearer != "" {
		configured++
	}
	if c.Introspection.Enabled() {
		configured++
		if c.Introspection.ClientID == "" || c.Introspection.ClientSecret == "" {
			return errors.New("auth.introspection.clientid and auth.introspection.clientsecret are required")
		}
	}
	switch {
	case configured > 1:
		return errors.New("only one of auth.basic, auth.bearer and auth.introspection can be configured")
	case c.Disabled && strictMode:
		return errors.New("auth.disabled is not allowed in strict mode")
	case configured == 0 && !c.Disabled:
		return errors.New("auth is not configured, configure auth.basic, auth.bearer or auth.introspection (or set auth.disabled)")
	}
	return nil
}

// Authenticator authenticates a request, returning the principal.
type Authenticator interface {
	Authenticate(ctx context.Context, request *http.Request) (*Principal, error)
	// Challenge is the WWW-Authenticate header value sent when authentication fails.
	Challenge() string
}

// New creates the Authenticator as configured. It returns nil if authentication is disabled.
func New(ctx context.Context, config Config) (Authenticator, error) {
	switch {
	case config.Disabled:
		log.Ctx(ctx).Warn().Msg("Authentication of FHIR operations is disabled")
		return nil, nil
	case config.Basic != "":
		user, password, _ := strings.Cut(config.Basic, ":")
		return BasicAuthenticator{user: user, password: password}, nil
	case config.Bearer != "":
		return BearerAuthenticator{token: config.Bearer}, nil
	case config.Introspection.Enabled():
		return NewIntrospectionAuthenticator(ctx, config.Introspection)
	default:
		return nil, errors.New("auth is not configured")
	}
}

// Middleware rejects unauthenticated requests with 401 Unauthorized. If authenticator is nil, all requests pass.
func Middleware(authenticator Authenticator) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		if authenticator == nil {
			return next
		}
		return func(response http.ResponseWriter, request *http.Request) {
			principal, err := authenticator.Authenticate(request.Context(), request)
			if err != nil {
				log.Ctx(request.Context()).Info().Err(err).Msg("Request not authenticated")
				outcome := coolfhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeLogin, "Unauthorized")
				coolfhir.SendResponse(response, http.StatusUnauthorized, outcome, map[string]string{
					"WWW-Authenticate": authenticator.Challenge(),
				})
				return
			}
			next(response, request.WithContext(WithPrincipal(request.Context(), *principal)))
		}
	}
}

var _ Authenticator = BasicAuthenticator{}

type BasicAuthenticator struct {
	user     string
	password string
}

func (b BasicAuthenticator) Authenticate(_ context.Context, request *http.Request) (*Principal, error) {
	user, password, ok := request.BasicAuth()
	if !ok {
		return nil, ErrNotAuthenticated
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(b.user)) != 1 ||
		subtle.ConstantTimeCompare([]byte(password), []byte(b.password)) != 1 {
		return nil, errors.New("invalid credentials")
	}
	return &Principal{Subject: user, Method: MethodBasic}, nil
}

func (b BasicAuthenticator) Challenge() string {
	return fmt.Sprintf(`Basic realm="%s"`, realm)
}

var _ Authenticator = BearerAuthenticator{}

type BearerAuthenticator struct {
	token string
}

func (b BearerAuthenticator) Authenticate(_ context.Context, request *http.Request) (*Principal, error) {
	token, ok := bearerToken(request)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(b.token)) != 1 {
		return nil, errors.New("invalid bearer token")
	}
	return &Principal{Subject: "static", Method: MethodBearer}, nil
}

func (b BearerAuthenticator) Challenge() string {
	return fmt.Sprintf(`Bearer realm="%s"`, realm)
}

var _ Authenticator = &IntrospectionAuthenticator{}

// IntrospectionAuthenticator validates bearer tokens at the authorization server's introspection endpoint.
type IntrospectionAuthenticator struct {
	resourceServer rs.ResourceServer
}

func NewIntrospectionAuthenticator(ctx context.Context, config IntrospectionConfig) (*IntrospectionAuthenticator, error) {
	options := []rs.Option{
		rs.WithClient(&http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		}),
	}
	if config.TokenEndpoint != "" && config.IntrospectionEndpoint != "" {
		options = append(options, rs.WithStaticEndpoints(config.TokenEndpoint, config.IntrospectionEndpoint))
	}
	resourceServer, err := rs.NewResourceServerClientCredentials(ctx, config.Issuer, config.ClientID, config.ClientSecret, options...)
	if err != nil {
		return nil, fmt.Errorf("token introspection: %w", err)
	}
	return &IntrospectionAuthenticator{resourceServer: resourceServer}, nil
}

func (i IntrospectionAuthenticator) Authenticate(ctx context.Context, request *http.Request) (*Principal, error) {
	token, ok := bearerToken(request)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	response, err := rs.Introspect[*oidc.IntrospectionResponse](ctx, i.resourceServer, token)
	if err != nil {
		return nil, fmt.Errorf("token introspection: %w", err)
	}
	if !response.Active {
		return nil, errors.New("token is not active")
	}
	if response.TokenType != "" && !strings.EqualFold(response.TokenType, oidc.BearerToken) {
		return nil, fmt.Errorf("unsupported token type: %s", response.TokenType)
	}
	subject := response.Subject
	if subject == "" {
		subject = response.ClientID
	}
	return &Principal{Subject: subject, Method: MethodIntrospection}, nil
}

func (i IntrospectionAuthenticator) Challenge() string {
	return fmt.Sprintf(`Bearer realm="%s"`, realm)
}

func bearerToken(request *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(request.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
