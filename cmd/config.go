package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/SanteonNL/orca/bserengine/dispatch"
	"github.com/SanteonNL/orca/bserengine/lib/auth"
	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/SanteonNL/orca/bserengine/lib/otel"
	"github.com/SanteonNL/orca/bserengine/lib/smartonfhir"
	"github.com/SanteonNL/orca/bserengine/messaging"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

const envPrefix = "BSER_"

type Config struct {
	// Public holds the configuration for the public interface.
	Public InterfaceConfig `koanf:"public"`
	// FHIRStore is the FHIR server the referral records are kept in.
	FHIRStore coolfhir.ClientConfig `koanf:"fhirstore"`
	// Recipient configures how referrals are delivered to recipients.
	Recipient dispatch.Config `koanf:"recipient"`
	// SMART configures the SMART backend-services tokens used to call recipients and EHRs.
	SMART      smartonfhir.Config `koanf:"smart"`
	Auth       auth.Config        `koanf:"auth"`
	Messaging  messaging.Config   `koanf:"messaging"`
	Tracing    otel.Config        `koanf:"tracing"`
	LogLevel   zerolog.Level      `koanf:"loglevel"`
	StrictMode bool               `koanf:"strictmode"`
}

func (c Config) Validate() error {
	if c.Public.URL == "" {
		return errors.New("public base URL is not configured")
	}
	if parsed, err := url.Parse(c.Public.URL); err != nil || !parsed.IsAbs() {
		return errors.New("invalid public base URL")
	}
	if err := c.FHIRStore.Validate(); err != nil {
		return fmt.Errorf("invalid FHIR store configuration: %w", err)
	}
	if err := c.Recipient.Validate(); err != nil {
		return fmt.Errorf("invalid recipient configuration: %w", err)
	}
	if err := c.SMART.Validate(); err != nil {
		return fmt.Errorf("invalid SMART configuration: %w", err)
	}
	if err := c.Auth.Validate(c.StrictMode); err != nil {
		return fmt.Errorf("invalid auth configuration: %w", err)
	}
	if err := c.Messaging.Validate(c.StrictMode); err != nil {
		return fmt.Errorf("invalid messaging configuration: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("invalid tracing configuration: %w", err)
	}
	return nil
}

// InterfaceConfig holds the configuration for an HTTP interface.
type InterfaceConfig struct {
	// Address holds the address to listen on.
	Address string `koanf:"address"`
	// URL holds the base URL the interface is reachable at. Recipients send their messages to the $process-message
	// operation under it, so it must be absolute.
	URL string `koanf:"url"`
}

func (i InterfaceConfig) ParseURL() *url.URL {
	u, _ := url.Parse(i.URL)
	return u
}

// LoadConfig loads the configuration from the environment.
func LoadConfig() (*Config, error) {
	result := DefaultConfig()
	err := loadConfigInto(&result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func loadConfigInto(target any) error {
	k := koanf.New(".")
	err := k.Load(env.ProviderWithValue(envPrefix, ".", func(key string, value string) (string, interface{}) {
		key = envKey(key)
		if len(value) == 0 {
			return key, nil
		}
		sliceValues := splitWithEscaping(value, ",", "\\")
		for i, s := range sliceValues {
			sliceValues[i] = strings.TrimSpace(s)
		}
		var parsedValue any = sliceValues
		if len(sliceValues) == 1 {
			parsedValue = sliceValues[0]
		}
		return key, parsedValue
	}), nil)
	if err != nil {
		return err
	}
	return k.Unmarshal("", target)
}

// envKey maps an environment variable name to a configuration key: _ separates levels, __ is a literal underscore.
func envKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, envPrefix))
	key = strings.ReplaceAll(key, "__", "\x00")
	key = strings.ReplaceAll(key, "_", ".")
	return strings.ReplaceAll(key, "\x00", "_")
}

func splitWithEscaping(s, separator, escape string) []string {
	s = strings.ReplaceAll(s, escape+separator, "\x00")
	tokens := strings.Split(s, separator)
	for i, token := range tokens {
		tokens[i] = strings.ReplaceAll(token, "\x00", separator)
	}
	return tokens
}

// DefaultConfig returns sensible, but not complete, default configuration values.
func DefaultConfig() Config {
	return Config{
		LogLevel:   zerolog.InfoLevel,
		StrictMode: true,
		Public: InterfaceConfig{
			Address: ":8080",
		},
		Tracing: otel.DefaultConfig(),
	}
}
