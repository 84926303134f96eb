package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SanteonNL/orca/bserengine/dispatch"
	"github.com/SanteonNL/orca/bserengine/engine"
	"github.com/SanteonNL/orca/bserengine/events"
	"github.com/SanteonNL/orca/bserengine/feedback"
	"github.com/SanteonNL/orca/bserengine/gateway"
	"github.com/SanteonNL/orca/bserengine/globals"
	"github.com/SanteonNL/orca/bserengine/healthcheck"
	"github.com/SanteonNL/orca/bserengine/lib/auth"
	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	libotel "github.com/SanteonNL/orca/bserengine/lib/otel"
	"github.com/SanteonNL/orca/bserengine/lib/smartonfhir"
	"github.com/SanteonNL/orca/bserengine/messaging"
	"github.com/SanteonNL/orca/bserengine/referral"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
)

const (
	tracerName      = "github.com/SanteonNL/orca/bserengine"
	shutdownTimeout = 10 * time.Second
)

// Start wires the services and serves them on the public interface, until ctx is cancelled or the process receives
// SIGINT or SIGTERM.
func Start(ctx context.Context, config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	globals.StrictMode = config.StrictMode
	zerolog.SetGlobalLevel(config.LogLevel)

	tracerProvider, err := libotel.Initialize(ctx, config.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("Failed to shut down tracer provider")
		}
	}()
	tracer := otel.Tracer(tracerName)

	// Set up dependencies
	_, storeClient, err := coolfhir.NewAuthRoundTripper(config.FHIRStore, coolfhir.Config())
	if err != nil {
		return fmt.Errorf("failed to create FHIR store client: %w", err)
	}
	store := coolfhir.NewTracedFHIRClient(storeClient, tracer)
	var tokens gateway.TokenProvider
	var keySet jwk.Set
	if config.SMART.Enabled() {
		key, err := smartonfhir.LoadSigningKey(config.SMART.Key, config.StrictMode)
		if err != nil {
			return fmt.Errorf("failed to load SMART signing key: %w", err)
		}
		if keySet, err = smartonfhir.PublicKeySet(key); err != nil {
			return fmt.Errorf("failed to create JWK set: %w", err)
		}
		tokens = smartonfhir.NewTokenProvider(config.SMART, key)
	}
	clientFactory := gateway.DefaultClientFactory(tracer)
	gw := gateway.New(config.FHIRStore.ParseURL(), store, clientFactory, tokens)

	messageBroker, err := messaging.New(config.Messaging, []messaging.Topic{events.ReferralTopic})
	if err != nil {
		return fmt.Errorf("failed to create message broker: %w", err)
	}
	defer func() {
		if err := messageBroker.Close(context.Background()); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("Failed to close message broker")
		}
	}()
	authenticator, err := auth.New(ctx, config.Auth)
	if err != nil {
		return fmt.Errorf("failed to create authenticator: %w", err)
	}

	// Register services
	httpHandler := http.NewServeMux()
	services := []Service{
		engine.New(
			config.Public.ParseURL(),
			gw,
			referral.NewAssembler(!config.Recipient.NotReady),
			dispatch.New(config.Recipient, tokens, clientFactory),
			feedback.New(),
			events.NewManager(messageBroker),
			authenticator,
			keySet,
		),
		healthcheck.New(gw),
	}
	for _, service := range services {
		service.RegisterHandlers(httpHandler)
	}

	// Start HTTP server
	listener, err := net.Listen("tcp", config.Public.Address)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	httpServer := &http.Server{
		Handler:           httpHandler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return log.Logger.WithContext(context.Background())
		},
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()
	log.Ctx(ctx).Info().Msgf("Public interface listens on %s (%s)", config.Public.Address, config.Public.URL)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Ctx(ctx).Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}

type Service interface {
	RegisterHandlers(mux *http.ServeMux)
}
