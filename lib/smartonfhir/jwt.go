// Package smartonfhir acquires access tokens for FHIR servers as a SMART on FHIR backend service
// (client credentials grant with a signed JWT client assertion).
package smartonfhir

import (
	"context"
	"crypto"
	"crypto/rand"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jws"
)

// grantTokenValidity specifies how long the grant token (used to acquire the access token) is valid.
const grantTokenValidity = 5 * time.Minute

// clockSkew is subtracted from the access token lifetime.
const clockSkew = 10 * time.Second

// SigningKey signs JWS payloads. Sign receives the digest of the signing input and returns the signature
// in JWS encoding (r||s for EC keys).
type SigningKey interface {
	crypto.Signer
	SigningAlgorithm() string
	KeyID() string
}

var _ oauth2.TokenSource = &BackendTokenSource{}

// BackendTokenSource is an oauth2.TokenSource for a SMART on FHIR backend client.
type BackendTokenSource struct {
	OAuth2ASTokenEndpoint string
	ClientID              string
	Scope                 string
	SigningKey            SigningKey
	HTTPClient            *http.Client
}

func (p BackendTokenSource) Token() (*oauth2.Token, error) {
	return p.TokenContext(context.Background())
}

// TokenContext requests a new access token from the authorization server.
func (p BackendTokenSource) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	log.Ctx(ctx).Debug().Msg("Refreshing OAuth2 Access Token")
	grantJWT, err := p.createGrant()
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT grant: %w", err)
	}
	token, err := p.exchange(ctx, grantJWT)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve token: %w", err)
	}
	return token, nil
}

func (p BackendTokenSource) exchange(ctx context.Context, grantJWT string) (*oauth2.Token, error) {
	v := url.Values{}
	v.Set("grant_type", "client_credentials")
	v.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	v.Set("client_assertion", grantJWT)
	scope := p.Scope
	if scope == "" {
		scope = "system/*.cruds"
	}
	v.Set("scope", scope)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.OAuth2ASTokenEndpoint, strings.NewReader(v.Encode()))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")
	httpClient := p.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	response, err := httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("cannot fetch token: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, 1024*1024)) // 1mb
	if err != nil {
		return nil, fmt.Errorf("cannot fetch token: %w", err)
	}
	if c := response.StatusCode; c < 200 || c > 299 {
		return nil, &oauth2.RetrieveError{
			Response: response,
			Body:     body,
		}
	}
	return parseTokenResponse(body)
}

func (p BackendTokenSource) createGrant() (string, error) {
	hash, err := hashFor(p.SigningKey.SigningAlgorithm())
	if err != nil {
		return "", err
	}
	// Audience is a single string, some authorization servers don't support an array
	now := time.Now()
	hdr := &jws.Header{
		Algorithm: p.SigningKey.SigningAlgorithm(),
		Typ:       "JWT",
		KeyID:     p.SigningKey.KeyID(),
	}
	claims := &jws.ClaimSet{
		Iss: p.ClientID,
		Aud: p.OAuth2ASTokenEndpoint,
		Exp: now.Add(grantTokenValidity).Unix(),
		Iat: now.Unix(),
		Sub: p.ClientID,
		PrivateClaims: map[string]interface{}{
			"jti": uuid.NewString(),
			"nbf": now.Unix(),
		},
	}
	return jws.EncodeWithSigner(hdr, claims, func(data []byte) ([]byte, error) {
		digest := hash.New()
		digest.Write(data)
		return p.SigningKey.Sign(rand.Reader, digest.Sum(nil), hash)
	})
}

func hashFor(algorithm string) (crypto.Hash, error) {
	switch algorithm {
	case "ES256", "RS256":
		return crypto.SHA256, nil
	case "ES384", "RS384":
		return crypto.SHA384, nil
	case "ES512", "RS512":
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("unsupported signing algorithm: %s", algorithm)
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

func parseTokenResponse(data []byte) (*oauth2.Token, error) {
	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response does not contain access_token")
	}
	return &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
		Expiry:      time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).Add(-clockSkew),
	}, nil
}
