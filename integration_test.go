//go:build integration

package relay_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	relay "github.com/fbchat/relay"
	"github.com/fbchat/relay/contracts"
	"github.com/fbchat/relay/internal/rabbitmq"
	"github.com/fbchat/relay/messaging"
	"github.com/fbchat/relay/relogin"
	"github.com/fbchat/relay/session"
)

// startRabbitMQ runs a broker container and returns settings pointing at it
func startRabbitMQ(t *testing.T) rabbitmq.BrokerSettings {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor: wait.ForLog("Server startup complete").
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start RabbitMQ container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672/tcp")
	require.NoError(t, err)

	settings := rabbitmq.DefaultBrokerSettings()
	settings.Host = host
	settings.Port = port.Int()
	return settings
}

func TestIntegrationCredentialRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	settings := startRabbitMQ(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	loginSide := relay.NewClient(settings, relay.WithLogger(quiet), relay.WithServiceName("mini-fb-service"))
	defer loginSide.Close()
	login := relogin.LoginFunc(func(ctx context.Context, accountID, reason string) (string, error) {
		return "c_user=" + accountID + "; xs=integration", nil
	})
	service := relogin.NewService(login, loginSide.Publisher(), relogin.WithServiceLogger(quiet))
	_, err := loginSide.Subscribe(contracts.EventMessengerDisconnected, service)
	require.NoError(t, err)

	chatSide := relay.NewClient(settings, relay.WithLogger(quiet), relay.WithServiceName("fbchat-bot"))
	defer chatSide.Close()
	sink := session.NewFileCredentialSink(filepath.Join(t.TempDir(), "cookie.txt"), session.WithFileSinkLogger(quiet))
	monitor := session.NewMonitor("42", chatSide.Publisher(), sink, session.WithMonitorLogger(quiet))
	_, err = chatSide.Subscribe(contracts.EventCookieChanged, monitor)
	require.NoError(t, err)

	go loginSide.Run(ctx)
	go chatSide.Run(ctx)

	require.Eventually(t, func() bool {
		return loginSide.Health().Check(ctx).Status == "healthy" && chatSide.Health().Check(ctx).Status == "healthy"
	}, 30*time.Second, 100*time.Millisecond)

	_, err = monitor.ReportDisconnect(ctx, "mqtt closed")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := monitor.Tracker().Get("42")
		return ok && status.State == relogin.StateActive
	}, 30*time.Second, 100*time.Millisecond)

	cookie, err := sink.Cookie()
	require.NoError(t, err)
	assert.Equal(t, "c_user=42; xs=integration", cookie)
	assert.FileExists(t, sink.ReconnectPath())
	assert.Empty(t, monitor.Pending())
}

func TestIntegrationRejectedEventIsNotRedelivered(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	settings := startRabbitMQ(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	client := relay.NewClient(settings, relay.WithLogger(quiet), relay.WithDeadLetter(true))
	defer client.Close()

	calls := make(chan string, 10)
	_, err := client.Subscribe(contracts.EventMatchEnded,
		messaging.EventHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			calls <- env.EventID
			return messaging.Reject(assert.AnError)
		}))
	require.NoError(t, err)
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		return client.Health().Check(ctx).Status == "healthy"
	}, 30*time.Second, 100*time.Millisecond)

	err = client.Publisher().PublishMatchEnded(ctx, contracts.MatchEnded{
		MatchID:      "EUW1_7012345678",
		PUUID:        "puuid-42",
		SummonerName: "Faker",
		GameDuration: 1820,
		Win:          true,
		Champion:     "Ahri",
		Kills:        7,
		Deaths:       2,
		Assists:      9,
		KDA:          8,
	})
	require.NoError(t, err)

	select {
	case <-calls:
	case <-time.After(30 * time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case id := <-calls:
		t.Fatalf("rejected event %s was redelivered", id)
	case <-time.After(2 * time.Second):
	}
}
