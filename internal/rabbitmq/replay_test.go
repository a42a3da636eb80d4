package rabbitmq_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fbchat/relay/internal/rabbitmq"
	"github.com/fbchat/relay/internal/rabbitmq/rabbitmqtest"
)

func parkMessages(t *testing.T, srv *rabbitmqtest.Server, queue string, pubs ...amqp.Publishing) {
	t.Helper()
	consumer := rabbitmq.NewConsumer(newManager(srv), queue, "cookie.changed",
		rabbitmq.WithDeadLetter(true),
		rabbitmq.WithConsumerLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, consumer.SetupQueue(context.Background()))

	for _, pub := range pubs {
		srv.Inject("fbchat.events.dlx", rabbitmq.DeadLetterQueueName(queue), pub)
	}
	require.Equal(t, len(pubs), srv.Ready(rabbitmq.DeadLetterQueueName(queue)))
}

func TestReplayer(t *testing.T) {
	ctx := context.Background()
	quietLog := slog.New(slog.DiscardHandler)

	t.Run("moves parked messages back under their event type", func(t *testing.T) {
		srv := rabbitmqtest.NewServer()
		parkMessages(t, srv, "fbchat-bot.cookie.changed",
			amqp.Publishing{Type: "cookie.changed", MessageId: "e1", Body: []byte(`{"n":1}`)},
			amqp.Publishing{Type: "cookie.changed", MessageId: "e2", Body: []byte(`{"n":2}`)},
			amqp.Publishing{Type: "cookie.changed", MessageId: "e3", Body: []byte(`{"n":3}`)},
		)

		cm := newManager(srv)
		replayer := rabbitmq.NewReplayer(cm, rabbitmq.NewPublisher(cm, rabbitmq.WithPublisherLogger(quietLog)), quietLog)

		n, err := replayer.Replay(ctx, "fbchat-bot.cookie.changed", 2)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, 1, srv.Ready("fbchat-bot.cookie.changed.dlq"))
		assert.Equal(t, 2, srv.Ready("fbchat-bot.cookie.changed"))

		n, err = replayer.Replay(ctx, "fbchat-bot.cookie.changed", 0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Zero(t, srv.Ready("fbchat-bot.cookie.changed.dlq"))

		n, err = replayer.Replay(ctx, "fbchat-bot.cookie.changed", 0)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("uses x-death routing keys for untyped messages", func(t *testing.T) {
		srv := rabbitmqtest.NewServer()
		parkMessages(t, srv, "fbchat-bot.cookie.changed", amqp.Publishing{
			MessageId: "e1",
			Headers: amqp.Table{
				"x-death": []interface{}{amqp.Table{"routing-keys": []interface{}{"cookie.changed"}}},
				"trace":   "abc",
			},
		})

		cm := newManager(srv)
		replayer := rabbitmq.NewReplayer(cm, rabbitmq.NewPublisher(cm, rabbitmq.WithPublisherLogger(quietLog)), quietLog)

		n, err := replayer.Replay(ctx, "fbchat-bot.cookie.changed", 0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		published := srv.Published()
		last := published[len(published)-1]
		assert.Equal(t, "cookie.changed", last.RoutingKey)
		assert.Equal(t, amqp.Table{"trace": "abc"}, last.Msg.Headers)
	})

	t.Run("a failed publish leaves the message parked", func(t *testing.T) {
		srv := rabbitmqtest.NewServer()
		parkMessages(t, srv, "fbchat-bot.cookie.changed",
			amqp.Publishing{Type: "cookie.changed", MessageId: "e1"})

		cm := newManager(srv)
		failing := publisherFunc(func(ctx context.Context, key string, msg amqp.Publishing) error {
			return errors.New("channel closed")
		})
		replayer := rabbitmq.NewReplayer(cm, failing, quietLog)

		n, err := replayer.Replay(ctx, "fbchat-bot.cookie.changed", 0)
		assert.ErrorContains(t, err, "failed to replay message e1")
		assert.Zero(t, n)
		assert.True(t, srv.WaitFor(time.Second, func() bool {
			return srv.Ready("fbchat-bot.cookie.changed.dlq") == 1
		}))
	})

	t.Run("queue without dead-lettering", func(t *testing.T) {
		srv := rabbitmqtest.NewServer()
		cm := newManager(srv)
		replayer := rabbitmq.NewReplayer(cm, rabbitmq.NewPublisher(cm), quietLog)

		_, err := replayer.Replay(ctx, "fbchat-bot.match.ended", 0)
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidTopology)
	})
}

type publisherFunc func(ctx context.Context, key string, msg amqp.Publishing) error

func (f publisherFunc) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	return f(ctx, key, msg)
}
