// Package events defines the referral lifecycle events published on the message broker.
package events

import (
	"time"

	"github.com/SanteonNL/orca/bserengine/messaging"
)

// ReferralTopic carries all referral lifecycle events. Consumers tell them apart by ReferralEvent.Type.
var ReferralTopic = messaging.Topic{Name: "bser.referral-events"}

const (
	ReferralSubmitted     = "referral-submitted"
	ReferralStatusChanged = "referral-status-changed"
)

var (
	_ Type       = ReferralEvent{}
	_ Correlated = ReferralEvent{}
	_ Filterable = ReferralEvent{}
)

// ReferralEvent reports a change to a referral. References are relative to the FHIR store.
type ReferralEvent struct {
	Type           string `json:"type"`
	Task           string `json:"task"`
	ServiceRequest string `json:"serviceRequest,omitempty"`
	Patient        string `json:"patient,omitempty"`
	ServiceType    string `json:"serviceType,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
	TaskStatus     string `json:"taskStatus"`
	BusinessStatus string `json:"businessStatus,omitempty"`
	PreviousStatus string `json:"previousStatus,omitempty"`
	// Submitted is set for ReferralSubmitted, and is false if the message was not handed over to the recipient.
	Submitted bool      `json:"submitted,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (r ReferralEvent) Topic() messaging.Topic {
	return ReferralTopic
}

func (r ReferralEvent) Instance() Type {
	return &ReferralEvent{}
}

func (r ReferralEvent) CorrelationID() string {
	return r.MessageID
}

func (r ReferralEvent) Properties() map[string]string {
	return map[string]string{"type": r.Type}
}
