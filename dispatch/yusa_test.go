package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYUSAClient_Submit(t *testing.T) {
	ctx := context.Background()
	var authentications, authorizations atomic.Int32
	var submittedAuthorization, submittedClientID string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /authenticate", func(w http.ResponseWriter, r *http.Request) {
		authentications.Add(1)
		if r.Header.Get("x-client-id") != "client" || r.Header.Get("x-api-sub-key") != "subscription" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"authCode":"code","expiresInMin":10}`))
	})
	mux.HandleFunc("POST /authorize", func(w http.ResponseWriter, r *http.Request) {
		authorizations.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["authCode"] != "code" || body["apiKey"] != "key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"accessToken":"token","expiresInMin":10}`))
	})
	mux.HandleFunc("POST /referrals", func(w http.ResponseWriter, r *http.Request) {
		submittedAuthorization = r.Header.Get("Authorization")
		submittedClientID = r.Header.Get("x-client-id")
		_, _ = w.Write([]byte(`done`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	config := YUSAConfig{
		AuthenticationURL: server.URL + "/authenticate",
		AuthorizationURL:  server.URL + "/authorize",
		APIKey:            "key",
		ClientID:          "client",
		SubscriptionKey:   "subscription",
	}

	t.Run("token is acquired once", func(t *testing.T) {
		client := NewYUSAClient(config)

		first, err := client.Submit(ctx, server.URL+"/referrals", []byte(`{}`))
		require.NoError(t, err)
		second, err := client.Submit(ctx, server.URL+"/referrals", []byte(`{}`))
		require.NoError(t, err)

		assert.Equal(t, "COMPLETED: (200)done", first)
		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), authentications.Load())
		assert.Equal(t, int32(1), authorizations.Load())
		assert.Equal(t, "Bearer token", submittedAuthorization)
		assert.Equal(t, "client", submittedClientID)
	})
	t.Run("authentication rejected", func(t *testing.T) {
		invalid := config
		invalid.ClientID = "other"
		client := NewYUSAClient(invalid)

		_, err := client.Submit(ctx, server.URL+"/referrals", []byte(`{}`))

		assert.ErrorContains(t, err, "YUSA authentication: status=401")
	})
	t.Run("authorization rejected", func(t *testing.T) {
		invalid := config
		invalid.APIKey = "other"
		client := NewYUSAClient(invalid)

		_, err := client.AccessToken(ctx)

		assert.ErrorContains(t, err, "YUSA authorization: status=403")
	})
	t.Run("not configured", func(t *testing.T) {
		_, err := NewYUSAClient(YUSAConfig{}).AccessToken(ctx)

		assert.EqualError(t, err, "YUSA authentication is not configured")
	})
	t.Run("site unreachable", func(t *testing.T) {
		client := NewYUSAClient(config)
		closed := httptest.NewServer(http.NotFoundHandler())
		closed.Close()

		response, err := client.Submit(ctx, closed.URL+"/referrals", []byte(`{}`))

		require.NoError(t, err)
		assert.Contains(t, response, "FAILED: with an exception - ")
		assert.False(t, isYUSASuccess(response))
	})
}

func TestIsYUSASuccess(t *testing.T) {
	assert.True(t, isYUSASuccess("ACCEPTED: (202)"))
	assert.True(t, isYUSASuccess("SUCCESS"))
	assert.False(t, isYUSASuccess("COMPLETED: (200)"))
	assert.False(t, isYUSASuccess("FAILED: with an exception - timeout"))
	assert.False(t, isYUSASuccess(""))
}
