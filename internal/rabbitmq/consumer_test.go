package rabbitmq_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fbchat/relay/internal/rabbitmq"
	"github.com/fbchat/relay/internal/rabbitmq/rabbitmqtest"
)

const testExchange = "fbchat.events"

func newConsumer(cm *rabbitmq.ConnectionManager, queue, key string, opts ...rabbitmq.ConsumerOption) *rabbitmq.Consumer {
	base := []rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(slog.New(slog.DiscardHandler))}
	return rabbitmq.NewConsumer(cm, queue, key, append(base, opts...)...)
}

// consumeAsync runs Consume in the background and returns its result channel
func consumeAsync(ctx context.Context, c *rabbitmq.Consumer, h rabbitmq.DeliveryHandler) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx, h) }()
	return done
}

func TestConsumerSetupQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("declares durable queue, binding and prefetch 1", func(t *testing.T) {
		srv := rabbitmqtest.NewServer()
		cm := newManager(srv)
		c := newConsumer(cm, "cookie.changed", "cookie.changed")

		require.NoError(t, c.SetupQueue(ctx))

		args, ok := srv.QueueArgs("cookie.changed")
		assert.True(t, ok)
		assert.Nil(t, args)
		assert.True(t, srv.HasBinding("cookie.changed", testExchange, "cookie.changed"))

		ch, err := cm.Channel(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, ch.(*rabbitmqtest.Channel).Prefetch())
	})

	t.Run("setup is idempotent", func(t *testing.T) {
		srv := rabbitmqtest.NewServer()
		cm := newManager(srv)
		c := newConsumer(cm, "q", "message.send")

		require.NoError(t, c.SetupQueue(ctx))
		require.NoError(t, c.SetupQueue(ctx))
	})

	t.Run("dead letter pair", func(t *testing.T) {
		srv := rabbitmqtest.NewServer()
		cm := newManager(srv)
		c := newConsumer(cm, "svc.messenger.disconnected", "messenger.disconnected",
			rabbitmq.WithDeadLetter(true),
			rabbitmq.WithSingleActiveConsumer(true))

		require.NoError(t, c.SetupQueue(ctx))

		kind, ok := srv.ExchangeKind("fbchat.events.dlx")
		assert.True(t, ok)
		assert.Equal(t, "direct", kind)
		assert.True(t, srv.HasBinding("svc.messenger.disconnected.dlq", "fbchat.events.dlx", "svc.messenger.disconnected.dlq"))

		args, _ := srv.QueueArgs("svc.messenger.disconnected")
		assert.Equal(t, "fbchat.events.dlx", args["x-dead-letter-exchange"])
		assert.Equal(t, "svc.messenger.disconnected.dlq", args["x-dead-letter-routing-key"])
		assert.Equal(t, true, args["x-single-active-consumer"])
	})

	t.Run("declare failure is returned", func(t *testing.T) {
		srv := rabbitmqtest.NewServer()
		srv.FailDeclares(1, errors.New("access refused"))
		cm := newManager(srv)
		c := newConsumer(cm, "q", "message.send")

		var topoErr *rabbitmq.TopologyError
		assert.ErrorAs(t, c.SetupQueue(ctx), &topoErr)
	})

	t.Run("broker down", func(t *testing.T) {
		srv := rabbitmqtest.NewServer()
		srv.FailDials(1, errors.New("refused"))
		cm := newManager(srv)
		c := newConsumer(cm, "q", "message.send")

		assert.ErrorIs(t, c.SetupQueue(ctx), rabbitmq.ErrNotConnected)
	})
}

func TestConsumerConsume(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, opts ...rabbitmq.ConsumerOption) (*rabbitmqtest.Server, *rabbitmq.ConnectionManager, *rabbitmq.Consumer) {
		srv := rabbitmqtest.NewServer()
		cm := newManager(srv)
		c := newConsumer(cm, "q", "message.send", opts...)
		require.NoError(t, c.SetupQueue(ctx))
		return srv, cm, c
	}

	inject := func(srv *rabbitmqtest.Server, body string) {
		srv.Inject(testExchange, "message.send", amqp.Publishing{Body: []byte(body), MessageId: body})
	}

	t.Run("ack settles the delivery", func(t *testing.T) {
		srv, _, c := setup(t)
		got := make(chan string, 1)
		done := consumeAsync(ctx, c, func(ctx context.Context, d amqp.Delivery) rabbitmq.Outcome {
			got <- string(d.Body)
			return rabbitmq.Ack
		})

		inject(srv, "m1")
		assert.Equal(t, "m1", <-got)
		require.True(t, srv.WaitFor(time.Second, func() bool { return srv.Unacked() == 0 }))
		assert.Contains(t, srv.Events(), "ack q")

		c.Stop()
		assert.NoError(t, <-done)
	})

	t.Run("requeue redelivers with the redelivered flag", func(t *testing.T) {
		srv, _, c := setup(t)

		var calls atomic.Int32
		redelivered := make(chan bool, 1)
		done := consumeAsync(ctx, c, func(ctx context.Context, d amqp.Delivery) rabbitmq.Outcome {
			if calls.Add(1) == 1 {
				return rabbitmq.Requeue
			}
			redelivered <- d.Redelivered
			return rabbitmq.Ack
		})

		inject(srv, "m1")
		assert.True(t, <-redelivered)
		assert.Equal(t, int32(2), calls.Load())

		c.Stop()
		assert.NoError(t, <-done)
		assert.Equal(t, []string{"publish fbchat.events message.send", "requeue q", "ack q"}, srv.Events())
	})

	t.Run("discard drops without requeue", func(t *testing.T) {
		srv, _, c := setup(t)
		var calls atomic.Int32
		done := consumeAsync(ctx, c, func(ctx context.Context, d amqp.Delivery) rabbitmq.Outcome {
			calls.Add(1)
			return rabbitmq.Discard
		})

		inject(srv, "poison")
		require.True(t, srv.WaitFor(time.Second, func() bool { return len(srv.Events()) == 2 }))
		assert.Equal(t, "discard q", srv.Events()[1])
		assert.Zero(t, srv.Ready("q"))

		c.Stop()
		<-done
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("discard lands in the dead letter queue when enabled", func(t *testing.T) {
		srv, _, c := setup(t, rabbitmq.WithDeadLetter(true))
		done := consumeAsync(ctx, c, func(ctx context.Context, d amqp.Delivery) rabbitmq.Outcome {
			return rabbitmq.Discard
		})

		inject(srv, "poison")
		assert.True(t, srv.WaitFor(time.Second, func() bool { return srv.Ready("q.dlq") == 1 }))

		c.Stop()
		<-done
	})

	t.Run("handler panic requeues", func(t *testing.T) {
		srv, _, c := setup(t)
		var calls atomic.Int32
		done := consumeAsync(ctx, c, func(ctx context.Context, d amqp.Delivery) rabbitmq.Outcome {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			return rabbitmq.Ack
		})

		inject(srv, "m1")
		assert.True(t, srv.WaitFor(time.Second, func() bool { return calls.Load() == 2 }))

		c.Stop()
		assert.NoError(t, <-done)
		assert.Contains(t, srv.Events(), "requeue q")
	})

	t.Run("deliveries are handled one at a time", func(t *testing.T) {
		srv, _, c := setup(t)

		var inFlight, maxInFlight, handled atomic.Int32
		done := consumeAsync(ctx, c, func(ctx context.Context, d amqp.Delivery) rabbitmq.Outcome {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			handled.Add(1)
			return rabbitmq.Ack
		})

		for i := 0; i < 5; i++ {
			inject(srv, "m")
		}
		require.True(t, srv.WaitFor(2*time.Second, func() bool { return handled.Load() == 5 }))
		assert.Equal(t, int32(1), maxInFlight.Load())

		c.Stop()
		<-done
	})

	t.Run("context cancellation ends consumption", func(t *testing.T) {
		_, _, c := setup(t)
		cctx, cancel := context.WithCancel(ctx)
		done := consumeAsync(cctx, c, func(ctx context.Context, d amqp.Delivery) rabbitmq.Outcome {
			return rabbitmq.Ack
		})

		require.Eventually(t, c.IsConsuming, time.Second, time.Millisecond)
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
		assert.False(t, c.IsConsuming())
	})

	t.Run("lost connection reconnects and reports cancellation", func(t *testing.T) {
		srv, cm, c := setup(t)
		done := consumeAsync(ctx, c, func(ctx context.Context, d amqp.Delivery) rabbitmq.Outcome {
			return rabbitmq.Ack
		})

		require.Eventually(t, c.IsConsuming, time.Second, time.Millisecond)
		srv.DropConnections()

		err := <-done
		assert.ErrorIs(t, err, rabbitmq.ErrConsumerCancelled)
		assert.True(t, cm.IsConnected())
		assert.Equal(t, 2, srv.Dials())
	})

	t.Run("stop is idempotent and sticky", func(t *testing.T) {
		_, _, c := setup(t)
		done := consumeAsync(ctx, c, func(ctx context.Context, d amqp.Delivery) rabbitmq.Outcome {
			return rabbitmq.Ack
		})
		require.Eventually(t, c.IsConsuming, time.Second, time.Millisecond)

		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Stop()
			}()
		}
		wg.Wait()

		assert.NoError(t, <-done)
		assert.NoError(t, c.Consume(ctx, nil))
	})

	t.Run("second concurrent consume is refused", func(t *testing.T) {
		_, _, c := setup(t)
		done := consumeAsync(ctx, c, func(ctx context.Context, d amqp.Delivery) rabbitmq.Outcome {
			return rabbitmq.Ack
		})
		require.Eventually(t, c.IsConsuming, time.Second, time.Millisecond)

		assert.ErrorIs(t, c.Consume(ctx, nil), rabbitmq.ErrAlreadyConsuming)

		c.Stop()
		<-done
	})

	t.Run("stop aborts the reconnect after a lost connection", func(t *testing.T) {
		srv := rabbitmqtest.NewServer()
		sleeping := make(chan struct{}, 1)
		cm := newManager(srv, rabbitmq.WithSleeper(func(ctx context.Context, d time.Duration) error {
			select {
			case sleeping <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return ctx.Err()
		}))
		c := newConsumer(cm, "q", "message.send")
		require.NoError(t, c.SetupQueue(ctx))

		done := consumeAsync(ctx, c, func(ctx context.Context, d amqp.Delivery) rabbitmq.Outcome {
			return rabbitmq.Ack
		})
		require.Eventually(t, c.IsConsuming, time.Second, time.Millisecond)
		srv.DropConnections()

		select {
		case <-sleeping:
		case <-time.After(time.Second):
			t.Fatal("consumer did not start reconnecting")
		}
		c.Stop()
		cm.Disconnect()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Consume did not return after Stop")
		}

		require.NoError(t, c.SetupQueue(ctx))
		assert.False(t, cm.IsConnected())
		assert.Equal(t, 1, srv.Dials())
	})

	t.Run("exclusive consumer keeps the queue to itself", func(t *testing.T) {
		srv, cm, first := setup(t, rabbitmq.WithExclusive(true))
		done := consumeAsync(ctx, first, func(ctx context.Context, d amqp.Delivery) rabbitmq.Outcome {
			return rabbitmq.Ack
		})
		require.Eventually(t, first.IsConsuming, time.Second, time.Millisecond)

		second := newConsumer(newManager(srv), "q", "message.send")
		err := second.Consume(ctx, nil)
		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.AccessRefused, amqpErr.Code)
		assert.Equal(t, 1, srv.Consumers("q"))
		assert.True(t, cm.IsConnected())

		first.Stop()
		<-done
	})
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ack", rabbitmq.Ack.String())
	assert.Equal(t, "requeue", rabbitmq.Requeue.String())
	assert.Equal(t, "discard", rabbitmq.Discard.String())
	assert.Equal(t, "outcome(9)", rabbitmq.Outcome(9).String())
}
