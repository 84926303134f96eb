package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"
)

const (
	// azureReceiveBatchSize is the maximum number of messages fetched from a subscription at once.
	azureReceiveBatchSize = 10
	azureReceiveBackoff   = time.Minute
)

var _ Broker = &AzureServiceBusBroker{}

// AzureServiceBusConfig configures the connection to an Azure Service Bus namespace.
// Hostname authenticates using the default Azure credential (e.g. managed identity), ConnectionString using a shared access key.
type AzureServiceBusConfig struct {
	Hostname         string `koanf:"hostname"`
	ConnectionString string `koanf:"connectionstring"`
}

func (a AzureServiceBusConfig) Enabled() bool {
	return a.Hostname != "" || a.ConnectionString != ""
}

func (a AzureServiceBusConfig) newClient() (*azservicebus.Client, error) {
	if a.ConnectionString != "" {
		return azservicebus.NewClientFromConnectionString(a.ConnectionString, nil)
	}
	if a.Hostname == "" {
		return nil, errors.New("configuration is missing hostname or connection string")
	}
	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, err
	}
	return azservicebus.NewClient(a.Hostname, credential, nil)
}

// AzureServiceBusBroker publishes each topic to the Service Bus topic of the same (prefixed) name,
// and receives through the topic's subscription named after this engine.
type AzureServiceBusBroker struct {
	client       *azservicebus.Client
	senders      map[string]*azservicebus.Sender
	sendersLock  sync.RWMutex
	entityPrefix string
	subscription string
	ctx          context.Context
	ctxCancel    context.CancelFunc
	receivers    sync.WaitGroup
}

func newAzureServiceBusBroker(conf AzureServiceBusConfig, topics []Topic, entityPrefix string, subscription string) (*AzureServiceBusBroker, error) {
	client, err := conf.newClient()
	if err != nil {
		return nil, err
	}
	broker := &AzureServiceBusBroker{
		client:       client,
		senders:      map[string]*azservicebus.Sender{},
		entityPrefix: entityPrefix,
		subscription: subscription,
	}
	for _, topic := range topics {
		sender, err := client.NewSender(topic.FullName(entityPrefix), nil)
		if err != nil {
			_ = client.Close(context.Background())
			return nil, fmt.Errorf("create sender (topic=%s): %w", topic.FullName(entityPrefix), err)
		}
		broker.senders[topic.Name] = sender
	}
	broker.ctx, broker.ctxCancel = context.WithCancel(context.Background())
	return broker, nil
}

func (c *AzureServiceBusBroker) SendMessage(ctx context.Context, topic Topic, message *Message) error {
	c.sendersLock.RLock()
	defer c.sendersLock.RUnlock()
	sender, ok := c.senders[topic.Name]
	if !ok {
		return fmt.Errorf("AzureServiceBus: sender not found (topic=%s)", topic.Name)
	}
	return sender.SendMessage(ctx, toServiceBusMessage(message), nil)
}

func toServiceBusMessage(message *Message) *azservicebus.Message {
	result := &azservicebus.Message{
		Body:          message.Body,
		CorrelationID: message.CorrelationID,
	}
	if message.ContentType != "" {
		result.ContentType = &message.ContentType
	}
	if message.ID != "" {
		result.MessageID = &message.ID
	}
	if len(message.Properties) > 0 {
		result.ApplicationProperties = make(map[string]any, len(message.Properties))
		for key, value := range message.Properties {
			result.ApplicationProperties[key] = value
		}
	}
	return result
}

func fromServiceBusMessage(message *azservicebus.ReceivedMessage) Message {
	result := Message{
		ID:            message.MessageID,
		Body:          message.Body,
		CorrelationID: message.CorrelationID,
	}
	if message.ContentType != nil {
		result.ContentType = *message.ContentType
	}
	for key, value := range message.ApplicationProperties {
		if str, ok := value.(string); ok {
			if result.Properties == nil {
				result.Properties = map[string]string{}
			}
			result.Properties[key] = str
		}
	}
	return result
}

func (c *AzureServiceBusBroker) Receive(topic Topic, handler Handler) error {
	fullName := topic.FullName(c.entityPrefix)
	receiver, err := c.client.NewReceiverForSubscription(fullName, c.subscription, nil)
	if err != nil {
		return fmt.Errorf("AzureServiceBus: create receiver (topic=%s, subscription=%s): %w", fullName, c.subscription, err)
	}
	c.receivers.Add(1)
	go func() {
		defer c.receivers.Done()
		defer receiver.Close(context.Background())
		for c.ctx.Err() == nil {
			messages, err := receiver.ReceiveMessages(c.ctx, azureReceiveBatchSize, nil)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Ctx(c.ctx).Err(err).Msgf("AzureServiceBus: receive failed, backing off for %s (src: %s)", azureReceiveBackoff, fullName)
				}
				select {
				case <-c.ctx.Done():
				case <-time.After(azureReceiveBackoff):
				}
				continue
			}
			for _, message := range messages {
				c.settle(receiver, message, fullName, handler(c.ctx, fromServiceBusMessage(message)))
			}
		}
	}()
	return nil
}

// settle completes the message if it was handled, or abandons it for redelivery (recording the failure on the message).
// Service Bus dead-letters the message once its delivery count exceeds the subscription's maximum.
func (c *AzureServiceBusBroker) settle(receiver *azservicebus.Receiver, message *azservicebus.ReceivedMessage, source string, handlerErr error) {
	if handlerErr == nil {
		if err := receiver.CompleteMessage(c.ctx, message, nil); err != nil {
			log.Ctx(c.ctx).Err(err).Msgf("AzureServiceBus: complete message failed (src: %s)", source)
		}
		return
	}
	log.Ctx(c.ctx).Warn().Err(handlerErr).Msgf("AzureServiceBus: message handler failed (src: %s, delivery: %d), abandoning message", source, message.DeliveryCount)
	options := &azservicebus.AbandonMessageOptions{
		PropertiesToModify: map[string]any{
			"deliveryfailure-" + strconv.Itoa(int(message.DeliveryCount)): handlerErr.Error(),
		},
	}
	if err := receiver.AbandonMessage(c.ctx, message, options); err != nil {
		log.Ctx(c.ctx).Err(err).Msgf("AzureServiceBus: abandon message failed (src: %s)", source)
	}
}

// Close stops the receivers, then closes the senders and the client.
func (c *AzureServiceBusBroker) Close(ctx context.Context) error {
	c.ctxCancel()
	c.receivers.Wait()

	c.sendersLock.Lock()
	defer c.sendersLock.Unlock()
	var errs []error
	for topic, sender := range c.senders {
		if err := sender.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sender (topic=%s): %w", topic, err))
		}
	}
	c.senders = map[string]*azservicebus.Sender{}
	if err := c.client.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("AzureServiceBus: close: %w", errors.Join(errs...))
	}
	log.Ctx(ctx).Debug().Msg("AzureServiceBus: closed")
	return nil
}
