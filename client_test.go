package relay_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relay "github.com/fbchat/relay"
	"github.com/fbchat/relay/contracts"
	"github.com/fbchat/relay/health"
	"github.com/fbchat/relay/internal/rabbitmq"
	"github.com/fbchat/relay/internal/rabbitmq/rabbitmqtest"
	"github.com/fbchat/relay/messaging"
	"github.com/fbchat/relay/metrics"
)

var quiet = slog.New(slog.DiscardHandler)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newClient(srv *rabbitmqtest.Server, options ...relay.ClientOption) *relay.Client {
	options = append([]relay.ClientOption{
		relay.WithLogger(quiet),
		relay.WithDialer(srv.Dialer()),
		relay.WithSleeper(noSleep),
		relay.WithServiceName("mini-fb-service"),
	}, options...)
	return relay.NewClient(rabbitmq.DefaultBrokerSettings(), options...)
}

func TestClientPublishAndSubscribe(t *testing.T) {
	srv := rabbitmqtest.NewServer()
	client := newClient(srv)
	defer client.Close()

	received := make(chan contracts.MessengerDisconnected, 1)
	sub, err := client.Subscribe(contracts.EventMessengerDisconnected,
		messaging.HandlerFor(func(ctx context.Context, env *contracts.Envelope, payload contracts.MessengerDisconnected) error {
			received <- payload
			return nil
		}))
	require.NoError(t, err)
	assert.Equal(t, "mini-fb-service.messenger.disconnected", sub.Queue())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool {
		return srv.HasBinding("mini-fb-service.messenger.disconnected", "fbchat.events", "messenger.disconnected")
	}, time.Second, time.Millisecond)

	_, err = client.Publisher().PublishMessengerDisconnected(context.Background(), "42", "mqtt closed")
	require.NoError(t, err)

	select {
	case payload := <-received:
		assert.Equal(t, "42", payload.AccountID)
		assert.Equal(t, "mqtt closed", payload.Reason)
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery, events: %v", srv.Events())
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	published := srv.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "mini-fb-service", published[0].Msg.AppId)
}

func TestClientSubscribeErrors(t *testing.T) {
	srv := rabbitmqtest.NewServer()
	client := newClient(srv)

	noop := messaging.EventHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error { return nil })

	_, err := client.Subscribe("poke", noop)
	assert.ErrorIs(t, err, contracts.ErrUnknownEventType)

	_, err = client.Subscribe(contracts.EventCookieChanged, noop)
	require.NoError(t, err)
	_, err = client.Subscribe(contracts.EventCookieChanged, noop)
	assert.ErrorContains(t, err, "already subscribed")

	_, err = client.Subscribe(contracts.EventCookieChanged, noop, relay.WithQueue("cookie.changed"))
	assert.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err = client.Subscribe(contracts.EventMatchEnded, noop)
	assert.ErrorIs(t, err, relay.ErrClientClosed)
	assert.ErrorIs(t, client.Run(context.Background()), relay.ErrClientClosed)
}

func TestClientHealth(t *testing.T) {
	srv := rabbitmqtest.NewServer()
	client := newClient(srv)
	defer client.Close()

	_, err := client.Subscribe(contracts.EventCookieChanged,
		messaging.EventHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error { return nil }))
	require.NoError(t, err)

	ctx := context.Background()
	report := client.Health().Check(ctx)
	assert.Equal(t, health.StatusUnhealthy, report.Status)
	assert.Equal(t, "mini-fb-service", report.Metadata["service"])

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go client.Run(runCtx)

	require.Eventually(t, func() bool {
		return client.Health().Check(ctx).Status == health.StatusHealthy
	}, 2*time.Second, 5*time.Millisecond)

	report = client.Health().Check(ctx)
	assert.Contains(t, report.Checks, "consumer.mini-fb-service.cookie.changed")
	assert.Contains(t, report.Checks, "broker.consume:mini-fb-service.cookie.changed")
}

func TestClientMetrics(t *testing.T) {
	srv := rabbitmqtest.NewServer()
	reg := prometheus.NewRegistry()
	client := newClient(srv, relay.WithMetrics(metrics.NewCollector(reg)), relay.WithProducer("fbchat-bot"))
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	_, err := client.Publisher().PublishMessengerDisconnected(context.Background(), "42", "timeout")
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "fbrelay_events_published_total", "fbrelay_broker_connected")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, "fbchat-bot", srv.Published()[0].Msg.AppId)
}
