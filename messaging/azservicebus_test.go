package messaging

import (
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAzureServiceBusConfig_Enabled(t *testing.T) {
	assert.False(t, AzureServiceBusConfig{}.Enabled())
	assert.True(t, AzureServiceBusConfig{Hostname: "bser.servicebus.windows.net"}.Enabled())
	assert.True(t, AzureServiceBusConfig{ConnectionString: "Endpoint=sb://localhost"}.Enabled())
}

func Test_toServiceBusMessage(t *testing.T) {
	t.Run("all fields", func(t *testing.T) {
		message := toServiceBusMessage(&Message{
			ID:            "1",
			Body:          []byte(`{}`),
			ContentType:   "application/json",
			CorrelationID: to.Ptr("message-header-1"),
			Properties:    map[string]string{"type": "referral-submitted"},
		})

		assert.Equal(t, "1", *message.MessageID)
		assert.Equal(t, "application/json", *message.ContentType)
		assert.Equal(t, "message-header-1", *message.CorrelationID)
		assert.Equal(t, map[string]any{"type": "referral-submitted"}, message.ApplicationProperties)
	})
	t.Run("optional fields absent", func(t *testing.T) {
		message := toServiceBusMessage(&Message{Body: []byte(`{}`)})

		assert.Nil(t, message.MessageID)
		assert.Nil(t, message.ContentType)
		assert.Nil(t, message.ApplicationProperties)
	})
}

func Test_fromServiceBusMessage(t *testing.T) {
	message := fromServiceBusMessage(&azservicebus.ReceivedMessage{
		MessageID:   "1",
		Body:        []byte(`{}`),
		ContentType: to.Ptr("application/json"),
		ApplicationProperties: map[string]any{
			"type":              "referral-status-changed",
			"deliveryfailure-1": "timeout",
			"count":             int64(2),
		},
	})

	assert.Equal(t, "1", message.ID)
	assert.Equal(t, "application/json", message.ContentType)
	require.Len(t, message.Properties, 2)
	assert.Equal(t, "referral-status-changed", message.Properties["type"])
}
