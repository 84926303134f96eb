package bser

import (
	"encoding/json"
	"testing"

	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

func TestNewReferralMessageHeader(t *testing.T) {
	header := NewReferralMessageHeader(
		fhir.Reference{Reference: to.Ptr("PractitionerRole/recipient")},
		fhir.Reference{Reference: to.Ptr("PractitionerRole/initiator")},
		fhir.Reference{Reference: to.Ptr("Task/1")},
		"http://bser.example.com/fhir/$process-message",
		"http://recipient.example.com/fhir",
	)
	data, err := json.Marshal(header)
	require.NoError(t, err)

	var actual map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &actual))
	assert.Equal(t, "MessageHeader", actual["resourceType"])
	assert.Equal(t, "I12", actual["eventCoding"].(map[string]interface{})["code"])
	assert.NotContains(t, actual, "eventUri")
	assert.NotContains(t, actual, "response")
	assert.Equal(t, "http://bser.example.com/fhir/$process-message", actual["source"].(map[string]interface{})["endpoint"])
	assert.True(t, header.IsReferralMessageHeader())
	assert.False(t, header.IsResponse())
}

func TestMessageHeader_IsReferralMessageHeader(t *testing.T) {
	t.Run("by profile", func(t *testing.T) {
		header := MessageHeader{ResourceType: "MessageHeader", Meta: &fhir.Meta{Profile: []string{ReferralMessageHeaderProfile}}}
		assert.True(t, header.IsReferralMessageHeader())
	})
	t.Run("other event", func(t *testing.T) {
		header := MessageHeader{ResourceType: "MessageHeader", EventCoding: &fhir.Coding{System: to.Ptr(MessageEventSystem), Code: to.Ptr("A01")}}
		assert.False(t, header.IsReferralMessageHeader())
	})
	t.Run("not a MessageHeader", func(t *testing.T) {
		header := MessageHeader{ResourceType: "Patient", EventCoding: to.Ptr(MessageEvent())}
		assert.False(t, header.IsReferralMessageHeader())
	})
}

func TestMessageHeader_IsErrorResponse(t *testing.T) {
	for code, expected := range map[string]bool{ResponseOK: false, ResponseTransientError: true, ResponseFatalError: true} {
		header := MessageHeader{Response: &MessageResponse{Identifier: "1", Code: code}}
		assert.True(t, header.IsResponse())
		assert.Equal(t, expected, header.IsErrorResponse(), code)
	}
}
