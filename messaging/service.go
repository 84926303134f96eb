//go:generate mockgen -destination=./service_mock.go -package=messaging -source=service.go

// Package messaging publishes and receives messages on topics of a message broker.
package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

const defaultSubscription = "bser-engine"

// New creates the Broker as configured. If no broker is configured, an in-memory broker is used,
// which delivers messages only to handlers in this process.
func New(config Config, topics []Topic) (Broker, error) {
	var broker Broker
	var err error
	switch {
	case config.AzureServiceBus.Enabled():
		broker, err = newAzureServiceBusBroker(config.AzureServiceBus, topics, config.EntityPrefix, config.subscription())
		if err != nil {
			return nil, fmt.Errorf("azure service bus: %w", err)
		}
	case config.AMQP.Enabled():
		broker, err = newAMQPBroker(config.AMQP, topics, config.EntityPrefix, config.subscription())
		if err != nil {
			return nil, fmt.Errorf("amqp: %w", err)
		}
	default:
		log.Info().Msg("Messaging: no message broker configured, using in-memory broker")
		broker = NewMemoryBroker()
	}
	if config.HTTP.Endpoint != "" {
		log.Info().Msgf("Messaging: sending messages over HTTP to %s", config.HTTP.Endpoint)
		broker = NewHTTPBroker(config.HTTP, broker)
	}
	return broker, nil
}

// Config holds the configuration for messaging.
type Config struct {
	// AzureServiceBus holds the configuration for messaging using Azure ServiceBus.
	AzureServiceBus AzureServiceBusConfig `koanf:"azureservicebus"`
	// AMQP holds the configuration for messaging using an AMQP 0-9-1 broker (e.g. RabbitMQ).
	AMQP AMQPConfig       `koanf:"amqp"`
	HTTP HTTPBrokerConfig `koanf:"http"`
	// EntityPrefix is prepended to topic names, to share a broker between environments.
	EntityPrefix string `koanf:"entityprefix"`
	// Subscription is the name under which this process receives messages from topics.
	Subscription string `koanf:"subscription"`
}

func (c Config) Validate(strictMode bool) error {
	if strictMode && c.HTTP.Endpoint != "" {
		return errors.New("http endpoint is not allowed in strict mode")
	}
	if c.AzureServiceBus.Enabled() && c.AMQP.Enabled() {
		return errors.New("only one of azureservicebus and amqp can be configured")
	}
	return nil
}

func (c Config) subscription() string {
	if c.Subscription == "" {
		return defaultSubscription
	}
	return c.Subscription
}

// Topic is a named publish/subscribe channel on the broker.
type Topic struct {
	Name string
}

// FullName returns the name of the topic on the broker.
func (t Topic) FullName(prefix string) string {
	return prefix + t.Name
}

type Message struct {
	// ID identifies the message, so brokers that support it can drop duplicates.
	ID            string
	Body          []byte
	ContentType   string
	CorrelationID *string
	// Properties are delivered alongside the body, allowing subscribers to filter without parsing it.
	Properties map[string]string
}

// Handler processes a received message. If it returns an error, the broker makes the message available for redelivery.
type Handler func(ctx context.Context, message Message) error

// Broker defines an interface for interacting with a message broker, including sending messages and closing connections.
type Broker interface {
	Close(ctx context.Context) error
	SendMessage(ctx context.Context, topic Topic, message *Message) error
	// Receive starts delivering messages published on the topic to the handler, until the broker is closed.
	Receive(topic Topic, handler Handler) error
}
