//go:build slowtests

package messaging

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"
)

const sqlServerPassword = "Z4perS3!cr3!t"

func TestAzureServiceBusBroker(t *testing.T) {
	topic := Topic{Name: "bser.referral-events"}
	endpoint := setupServiceBusEmulator(t)
	broker, err := newAzureServiceBusBroker(AzureServiceBusConfig{
		ConnectionString: "Endpoint=sb://" + endpoint + ";SharedAccessKeyName=RootManageSharedAccessKey;SharedAccessKey=SAS_KEY_VALUE;UseDevelopmentEmulator=true;",
	}, []Topic{topic, {Name: "not-existing-in-servicebus"}}, "", defaultSubscription)
	require.NoError(t, err)
	// The emulator signals ready before it accepts messages, see https://github.com/Azure/azure-service-bus-emulator-installer/issues/35
	time.Sleep(3 * time.Second)
	t.Cleanup(func() {
		_ = broker.Close(context.Background())
	})

	t.Run("failed message is redelivered", func(t *testing.T) {
		received := make(chan Message, 1)
		var attempts atomic.Int32
		require.NoError(t, broker.Receive(topic, func(_ context.Context, message Message) error {
			if attempts.Add(1) == 1 {
				return errors.New("first delivery fails")
			}
			received <- message
			return nil
		}))

		err := broker.SendMessage(context.Background(), topic, &Message{
			ID:          "event-1",
			Body:        []byte(`{"task": "Task/123"}`),
			ContentType: "application/json",
			Properties:  map[string]string{"type": "referral-submitted"},
		})
		require.NoError(t, err)

		select {
		case message := <-received:
			require.JSONEq(t, `{"task": "Task/123"}`, string(message.Body))
			require.Equal(t, "event-1", message.ID)
			require.Equal(t, "referral-submitted", message.Properties["type"])
			require.Equal(t, int32(2), attempts.Load())
		case <-time.After(30 * time.Second):
			t.Fatal("message not received")
		}
	})
	t.Run("topic not configured in engine", func(t *testing.T) {
		err := broker.SendMessage(context.Background(), Topic{Name: "unknown-topic"}, &Message{Body: []byte(`{}`)})
		require.EqualError(t, err, "AzureServiceBus: sender not found (topic=unknown-topic)")
	})
	t.Run("topic not configured in Service Bus", func(t *testing.T) {
		err := broker.SendMessage(context.Background(), Topic{Name: "not-existing-in-servicebus"}, &Message{Body: []byte(`{}`)})
		require.ErrorContains(t, err, "amqp:not-found")
	})
	t.Run("close", func(t *testing.T) {
		require.NoError(t, broker.Close(context.Background()))
	})
}

// setupServiceBusEmulator starts the Service Bus emulator (and the SQL Server it stores its state in),
// configured with servicebus-emulator.json. It returns the AMQP endpoint of the emulator.
func setupServiceBusEmulator(t *testing.T) string {
	ctx := context.Background()
	dockerNetwork, err := network.New(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = dockerNetwork.Remove(ctx)
	})
	start := func(request tc.ContainerRequest) tc.Container {
		request.Networks = []string{dockerNetwork.Name}
		container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: request, Started: true})
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = container.Terminate(ctx)
		})
		return container
	}

	t.Log("Starting SQL Server...")
	sqlServer := start(tc.ContainerRequest{
		Image:        "mcr.microsoft.com/mssql/server:2022-latest",
		ExposedPorts: []string{"1433/tcp"},
		Env: map[string]string{
			"ACCEPT_EULA":       "Y",
			"MSSQL_SA_PASSWORD": sqlServerPassword,
		},
	})
	sqlServerName, err := sqlServer.Name(ctx)
	require.NoError(t, err)

	t.Log("Starting Azure Service Bus emulator...")
	const amqpPort = "5672/tcp"
	const httpPort = "5300/tcp"
	emulator := start(tc.ContainerRequest{
		Image:        "mcr.microsoft.com/azure-messaging/servicebus-emulator:1.1.2",
		ExposedPorts: []string{amqpPort, httpPort},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort(amqpPort),
			wait.ForHTTP("/health").WithPort(httpPort),
		),
		Files: []tc.ContainerFile{{
			HostFilePath:      "servicebus-emulator.json",
			ContainerFilePath: "/ServiceBus_Emulator/ConfigFiles/Config.json",
			FileMode:          0444,
		}},
		Env: map[string]string{
			"SQL_SERVER":        strings.TrimPrefix(sqlServerName, "/"),
			"MSSQL_SA_PASSWORD": sqlServerPassword,
			"ACCEPT_EULA":       "Y",
			"SQL_WAIT_INTERVAL": "0",
		},
	})
	endpoint, err := emulator.PortEndpoint(ctx, amqpPort, "")
	require.NoError(t, err)
	return endpoint
}
