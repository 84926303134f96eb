package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SanteonNL/orca/bserengine/globals"
	"github.com/SanteonNL/orca/bserengine/lib/logging"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// expiryMargin is subtracted from the lifetime of YUSA auth codes and access tokens.
const expiryMargin = 10 * time.Second

const (
	authCodeKey    = "authCode"
	accessTokenKey = "accessToken"
)

// Prefixes of YUSA submission responses.
const (
	yusaAccepted  = "ACCEPTED"
	yusaCompleted = "COMPLETED"
	yusaSuccess   = "SUCCESS"
	yusaFailed    = "FAILED"
)

// YUSAConfig holds the credentials of a YUSA recipient site.
type YUSAConfig struct {
	// AuthenticationURL is called (GET) to obtain an auth code.
	AuthenticationURL string `koanf:"authenticationurl"`
	// AuthorizationURL is called (POST) to exchange the auth code for an access token.
	AuthorizationURL string `koanf:"authorizationurl"`
	APIKey           string `koanf:"apikey"`
	ClientID         string `koanf:"clientid"`
	SubscriptionKey  string `koanf:"subscriptionkey"`
}

func (c YUSAConfig) IsConfigured() bool {
	return c.AuthenticationURL != "" && c.AuthorizationURL != ""
}

// YUSAClient submits referral messages to YUSA sites, which accept them through a plain REST POST instead of
// the FHIR $process-message operation. It is safe for concurrent use.
type YUSAClient struct {
	config     YUSAConfig
	httpClient *http.Client
	cache      *ttlcache.Cache[string, string]
}

func NewYUSAClient(config YUSAConfig) *YUSAClient {
	return &YUSAClient{
		config:     config,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(globals.NewTransport()), Timeout: 2 * time.Minute},
		cache:      ttlcache.New[string, string](ttlcache.WithDisableTouchOnHit[string, string]()),
	}
}

type authenticationResponse struct {
	AuthCode     string `json:"authCode"`
	ExpiresInMin int    `json:"expiresInMin"`
}

type authorizationResponse struct {
	AccessToken  string `json:"accessToken"`
	ExpiresInMin int    `json:"expiresInMin"`
}

// AccessToken returns a valid access token, reusing the cached one or the cached auth code where possible.
func (c *YUSAClient) AccessToken(ctx context.Context) (string, error) {
	if !c.config.IsConfigured() {
		return "", errors.New("YUSA authentication is not configured")
	}
	if item := c.cache.Get(accessTokenKey); item != nil {
		return item.Value(), nil
	}
	authCode := ""
	if item := c.cache.Get(authCodeKey); item != nil {
		authCode = item.Value()
	} else {
		var response authenticationResponse
		if err := c.do(ctx, http.MethodGet, c.config.AuthenticationURL, nil, &response); err != nil {
			return "", fmt.Errorf("YUSA authentication: %w", err)
		}
		authCode = response.AuthCode
		c.cache.Set(authCodeKey, authCode, lifetime(response.ExpiresInMin))
	}
	body, _ := json.Marshal(map[string]string{
		"authCode": authCode,
		"apiKey":   c.config.APIKey,
	})
	var response authorizationResponse
	if err := c.do(ctx, http.MethodPost, c.config.AuthorizationURL, body, &response); err != nil {
		return "", fmt.Errorf("YUSA authorization: %w", err)
	}
	if response.AccessToken == "" {
		return "", errors.New("YUSA authorization: no access token in response")
	}
	c.cache.Set(accessTokenKey, response.AccessToken, lifetime(response.ExpiresInMin))
	return response.AccessToken, nil
}

// Submit posts the referral message to the target URL. The returned text starts with ACCEPTED (202) or COMPLETED
// (other 2xx), followed by the response body. Transport failures are returned as a FAILED text, so they end up in
// the referral warnings. An error is returned if no access token could be acquired or the site rejected the message.
func (c *YUSAClient) Submit(ctx context.Context, targetURL string, message []byte) (string, error) {
	accessToken, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(message))
	if err != nil {
		return "", err
	}
	c.setHeaders(httpRequest)
	httpRequest.Header.Set("Authorization", "Bearer "+accessToken)
	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str(logging.FieldUrl, targetURL).Msg("Submission to YUSA failed")
		return yusaFailed + ": with an exception - " + err.Error(), nil
	}
	defer httpResponse.Body.Close()
	responseBody, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 1<<20))
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		return "", fmt.Errorf("failed to submit Referral Request (status=%d)", httpResponse.StatusCode)
	}
	prefix := yusaCompleted
	if httpResponse.StatusCode == http.StatusAccepted {
		prefix = yusaAccepted
	}
	return fmt.Sprintf("%s: (%d)%s", prefix, httpResponse.StatusCode, string(responseBody)), nil
}

func (c *YUSAClient) do(ctx context.Context, method string, url string, body []byte, target any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	c.setHeaders(httpRequest)
	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return err
	}
	defer httpResponse.Body.Close()
	data, err := io.ReadAll(io.LimitReader(httpResponse.Body, 1<<20))
	if err != nil {
		return err
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		return fmt.Errorf("status=%d: %s", httpResponse.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}

func (c *YUSAClient) setHeaders(httpRequest *http.Request) {
	httpRequest.Header.Set("x-client-id", c.config.ClientID)
	httpRequest.Header.Set("x-api-sub-key", c.config.SubscriptionKey)
	httpRequest.Header.Set("Content-Type", "application/json")
}

func lifetime(expiresInMin int) time.Duration {
	result := time.Duration(expiresInMin)*time.Minute - expiryMargin
	if result <= 0 {
		// Expired on arrival, still usable for the current exchange
		return time.Millisecond
	}
	return result
}

// isYUSASuccess reports whether the YUSA response text tells the message was taken in. Only ACCEPTED and SUCCESS
// count: a COMPLETED answer means YUSA didn't queue the referral for asynchronous processing.
func isYUSASuccess(response string) bool {
	return strings.HasPrefix(response, yusaAccepted) || strings.HasPrefix(response, yusaSuccess)
}
