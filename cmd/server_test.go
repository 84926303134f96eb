package cmd

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/SanteonNL/orca/bserengine/globals"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStart(t *testing.T) {
	t.Run("serves the FHIR operations", func(t *testing.T) {
		cfg := validConfig()
		baseURL, stop := startServer(t, &cfg)
		defer stop()

		t.Run("strict mode is enabled by default", func(t *testing.T) {
			require.True(t, globals.StrictMode)
		})
		t.Run("operations require authentication", func(t *testing.T) {
			for _, operation := range []string{"$referral-request", "$submit-referral", "$process-message"} {
				httpResponse, err := http.Post(baseURL+"/fhir/"+operation, "application/fhir+json", nil)
				require.NoError(t, err)
				_ = httpResponse.Body.Close()
				assert.Equal(t, http.StatusUnauthorized, httpResponse.StatusCode, operation)
				assert.Equal(t, `Bearer realm="bser"`, httpResponse.Header.Get("WWW-Authenticate"), operation)
			}
		})
		t.Run("capability statement is public", func(t *testing.T) {
			httpResponse, err := http.Get(baseURL + "/fhir/metadata")
			require.NoError(t, err)
			defer httpResponse.Body.Close()
			require.Equal(t, http.StatusOK, httpResponse.StatusCode)
		})
		t.Run("no JWKS without SMART signing key", func(t *testing.T) {
			httpResponse, err := http.Get(baseURL + "/jwks")
			require.NoError(t, err)
			defer httpResponse.Body.Close()
			require.Equal(t, http.StatusNotFound, httpResponse.StatusCode)
		})
	})
	t.Run("SIGINT triggers graceful shutdown", func(t *testing.T) {
		cfg := validConfig()
		_, stop := startServer(t, &cfg)
		defer stop()

		process, err := os.FindProcess(os.Getpid())
		require.NoError(t, err)
		require.NoError(t, process.Signal(os.Interrupt))
	})
	t.Run("address already in use", func(t *testing.T) {
		cfg := validConfig()
		_, stop := startServer(t, &cfg)
		defer stop()

		err := Start(context.Background(), cfg)

		require.EqualError(t, err, "failed to start HTTP server: listen tcp "+cfg.Public.Address+": bind: address already in use")
	})
	t.Run("invalid config", func(t *testing.T) {
		cfg := validConfig()
		cfg.FHIRStore.BaseURL = ""

		err := Start(context.Background(), cfg)

		require.EqualError(t, err, "invalid FHIR store configuration: FHIR base URL is not configured")
	})
}

// startServer starts the engine on a free port (updating cfg) and waits until it accepts requests.
// The returned function stops the server and waits for Start to return without error.
func startServer(t *testing.T, cfg *Config) (string, func()) {
	cfg.Public.Address = "localhost:" + strconv.Itoa(freeTCPPort(t))
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- Start(ctx, *cfg)
	}()
	baseURL := "http://" + cfg.Public.Address
	require.Eventually(t, func() bool {
		httpResponse, err := http.Get(baseURL)
		if err != nil {
			return false
		}
		_ = httpResponse.Body.Close()
		return httpResponse.StatusCode == http.StatusNotFound
	}, 5*time.Second, 10*time.Millisecond)
	return baseURL, func() {
		cancel()
		select {
		case err := <-result:
			require.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Fatal("server did not shut down")
		}
	}
}

func freeTCPPort(t *testing.T) int {
	listener, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}
