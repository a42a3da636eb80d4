package rabbitmq_test

import (
	"context"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fbchat/relay/internal/rabbitmq"
	"github.com/fbchat/relay/internal/rabbitmq/rabbitmqtest"
)

func TestQueueInspector(t *testing.T) {
	srv := rabbitmqtest.NewServer()
	ctx := context.Background()

	setup := newManager(srv)
	consumer := rabbitmq.NewConsumer(setup, "fbchat-bot.cookie.changed", "cookie.changed", rabbitmq.WithConsumerLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, consumer.SetupQueue(ctx))
	srv.Inject("fbchat.events", "cookie.changed", amqp.Publishing{Body: []byte(`{}`)})
	srv.Inject("fbchat.events", "cookie.changed", amqp.Publishing{Body: []byte(`{}`)})

	inspector := rabbitmq.NewQueueInspector(newManager(srv))

	info, err := inspector.InspectQueue(ctx, "fbchat-bot.cookie.changed")
	require.NoError(t, err)
	assert.Equal(t, rabbitmq.QueueInfo{Name: "fbchat-bot.cookie.changed", Exists: true, Messages: 2}, info)

	infos, err := inspector.InspectQueues(ctx, "missing", "fbchat-bot.cookie.changed")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, rabbitmq.QueueInfo{Name: "missing"}, infos[0])
	assert.True(t, infos[1].Exists, "inspector recovers the channel closed by the missing queue")
}
