package globals

import (
	"crypto/tls"
	"net/http"

	"github.com/SanteonNL/orca/bserengine/lib/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	log.Logger = log.Logger.Hook(logging.TracingHook{})
	zerolog.DefaultContextLogger = &log.Logger
}

// StrictMode is a global variable that can be set to true to enable strict mode. If strict mode is enabled,
// potentially unsafe behavior is disabled.
var StrictMode bool

// DefaultTLSConfig returns a default, secure TLS configuration. If you want to customize the configuration for a specific
// TLS client, you should clone it before doing so.
var DefaultTLSConfig = &tls.Config{
	MinVersion: tls.VersionTLS12,
}

// NewTransport returns a copy of the default HTTP transport that uses DefaultTLSConfig.
func NewTransport() *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = DefaultTLSConfig.Clone()
	return transport
}
