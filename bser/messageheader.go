package bser

import (
	"slices"

	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Response codes of MessageHeader.response.code
const (
	ResponseOK             = "ok"
	ResponseTransientError = "transient-error"
	ResponseFatalError     = "fatal-error"
)

// MessageHeader is the wire form of a FHIR R4 MessageHeader, limited to the elements BSeR messaging uses.
// The event[x] choice is carried as eventCoding.
type MessageHeader struct {
	ResourceType string               `json:"resourceType"`
	ID           *string              `json:"id,omitempty"`
	Meta         *fhir.Meta           `json:"meta,omitempty"`
	EventCoding  *fhir.Coding         `json:"eventCoding,omitempty"`
	EventUri     *string              `json:"eventUri,omitempty"`
	Destination  []MessageDestination `json:"destination,omitempty"`
	Sender       *fhir.Reference      `json:"sender,omitempty"`
	Source       MessageSource        `json:"source"`
	Response     *MessageResponse     `json:"response,omitempty"`
	Focus        []fhir.Reference     `json:"focus,omitempty"`
}

type MessageDestination struct {
	Name     *string         `json:"name,omitempty"`
	Target   *fhir.Reference `json:"target,omitempty"`
	Endpoint string          `json:"endpoint"`
	Receiver *fhir.Reference `json:"receiver,omitempty"`
}

type MessageSource struct {
	Name     *string `json:"name,omitempty"`
	Endpoint string  `json:"endpoint"`
}

type MessageResponse struct {
	Identifier string          `json:"identifier"`
	Code       string          `json:"code"`
	Details    *fhir.Reference `json:"details,omitempty"`
}

// NewReferralMessageHeader creates the header of a referral message: it is sent by the initiator (sender) to the
// recipient (destination) and focuses on the referral Task.
func NewReferralMessageHeader(destination fhir.Reference, sender fhir.Reference, task fhir.Reference, sourceEndpoint string, targetEndpoint string) MessageHeader {
	event := MessageEvent()
	return MessageHeader{
		ResourceType: "MessageHeader",
		Meta:         &fhir.Meta{Profile: []string{ReferralMessageHeaderProfile}},
		EventCoding:  &event,
		Destination: []MessageDestination{
			{
				Name:     to.Ptr("BSeR Referral Recipient"),
				Endpoint: targetEndpoint,
				Receiver: &destination,
			},
		},
		Sender: &sender,
		Source: MessageSource{
			Name:     to.Ptr("BSeR Referral Initiator"),
			Endpoint: sourceEndpoint,
		},
		Focus: []fhir.Reference{task},
	}
}

// IsReferralMessageHeader reports whether the header describes a REF/RRI patient referral message.
func (h MessageHeader) IsReferralMessageHeader() bool {
	if h.ResourceType != "MessageHeader" {
		return false
	}
	if h.EventCoding != nil && to.EmptyString(h.EventCoding.System) == MessageEventSystem && to.EmptyString(h.EventCoding.Code) == MessageEventCode {
		return true
	}
	return h.Meta != nil && slices.Contains(h.Meta.Profile, ReferralMessageHeaderProfile)
}

// IsResponse reports whether the message is a response to a previously sent message.
func (h MessageHeader) IsResponse() bool {
	return h.Response != nil && (h.Response.Identifier != "" || h.Response.Code != "")
}

// IsErrorResponse reports whether the response code signals a transient or fatal error.
func (h MessageHeader) IsErrorResponse() bool {
	return h.Response != nil && (h.Response.Code == ResponseFatalError || h.Response.Code == ResponseTransientError)
}
