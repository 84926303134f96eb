package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/SanteonNL/orca/bserengine/messaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Type is an event published on a topic of the message broker.
type Type interface {
	Topic() messaging.Topic
	// Instance returns a pointer to a new, empty event of the same type, to unmarshal received events into.
	Instance() Type
}

// Correlated is implemented by events that relate to a FHIR message, so consumers can trace them back to it.
type Correlated interface {
	CorrelationID() string
}

// Filterable is implemented by events that expose properties subscribers can filter on without parsing the body.
type Filterable interface {
	Properties() map[string]string
}

type Manager interface {
	Subscribe(eventType Type, handler HandleFunc) error
	Notify(ctx context.Context, instance Type) error
}

type HandleFunc func(ctx context.Context, event Type) error

var _ Manager = &DefaultManager{}

// DefaultManager publishes events as JSON messages on the broker.
type DefaultManager struct {
	broker messaging.Broker
}

func NewManager(broker messaging.Broker) *DefaultManager {
	return &DefaultManager{broker: broker}
}

func (d DefaultManager) Subscribe(eventType Type, handler HandleFunc) error {
	return d.broker.Receive(eventType.Topic(), func(ctx context.Context, message messaging.Message) error {
		event := eventType.Instance()
		if err := json.Unmarshal(message.Body, event); err != nil {
			return fmt.Errorf("event %T unmarshal: %w", eventType, err)
		}
		if err := handler(ctx, event); err != nil {
			return fmt.Errorf("event handler %T: %w", event, err)
		}
		return nil
	})
}

func (d DefaultManager) Notify(ctx context.Context, instance Type) error {
	body, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("event %T marshal: %w", instance, err)
	}
	message := &messaging.Message{
		ID:          uuid.NewString(),
		Body:        body,
		ContentType: "application/json",
	}
	if correlated, ok := instance.(Correlated); ok && correlated.CorrelationID() != "" {
		correlationID := correlated.CorrelationID()
		message.CorrelationID = &correlationID
	}
	if filterable, ok := instance.(Filterable); ok {
		message.Properties = filterable.Properties()
	}
	if err := d.broker.SendMessage(ctx, instance.Topic(), message); err != nil {
		return fmt.Errorf("event send %T: %w", instance, err)
	}
	log.Ctx(ctx).Debug().Msgf("Published %T (message: %s, topic: %s)", instance, message.ID, instance.Topic().Name)
	return nil
}

// NotifyOrLog publishes the event, logging a warning instead of failing if it can't be published.
// Publishing is best effort: the referral records in the FHIR store are authoritative.
func NotifyOrLog(ctx context.Context, manager Manager, instance Type) {
	if manager == nil {
		return
	}
	if err := manager.Notify(ctx, instance); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msgf("Unable to publish %T", instance)
	}
}
