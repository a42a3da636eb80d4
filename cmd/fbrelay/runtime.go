package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	relay "github.com/fbchat/relay"
	"github.com/fbchat/relay/config"
	"github.com/fbchat/relay/internal/logging"
	"github.com/fbchat/relay/internal/ops"
	"github.com/fbchat/relay/internal/reliability"
	"github.com/fbchat/relay/metrics"
)

// runtime is the wiring shared by every subcommand
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	collector *metrics.Collector
	client    *relay.Client
	attempts  reliability.AttemptTracker
}

func newRuntime(ctx context.Context, configPath string, role config.Role) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(role); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", role, err)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Service.Name, level, cfg.Logging.Format).With("role", string(role))
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	rt := &runtime{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		collector: collector,
	}

	options := []relay.ClientOption{
		relay.WithLogger(logger),
		relay.WithServiceName(cfg.Service.Name),
		relay.WithProducer(cfg.Service.Producer),
		relay.WithMetrics(collector),
		relay.WithDeadLetter(cfg.Subscriber.DeadLetter),
		relay.WithSingleActiveConsumer(cfg.Subscriber.SingleActiveConsumer),
	}
	if cfg.RabbitMQ.ConfirmPublishes {
		options = append(options, relay.WithPublisherConfirms(cfg.RabbitMQ.ConfirmTimeout))
	}
	if cfg.Subscriber.MaxRedeliveries > 0 {
		attempts, err := newAttemptTracker(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		rt.attempts = attempts
		options = append(options, relay.WithRedeliveryLimit(cfg.Subscriber.MaxRedeliveries, attempts))
	}

	rt.client = relay.NewClient(cfg.BrokerSettings(), options...)
	return rt, nil
}

func newAttemptTracker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (reliability.AttemptTracker, error) {
	if cfg.Redis.URL == "" {
		return reliability.NewMemoryAttemptTracker(cfg.Subscriber.AttemptTTL), nil
	}

	tracker, err := reliability.DialRedisAttemptTracker(ctx, cfg.Redis.URL, cfg.Subscriber.AttemptTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect attempt store: %w", err)
	}
	logger.Info("redelivery attempts stored in redis", "maxRedeliveries", cfg.Subscriber.MaxRedeliveries)
	return tracker, nil
}

// serve runs the client's subscriptions, the ops server and extra until ctx
// is done or one of them fails
func (rt *runtime) serve(ctx context.Context, opsOptions []ops.Option, extra ...func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rt.client.Run(gctx)
	})

	if rt.cfg.Ops.Addr != "" {
		opsOptions = append([]ops.Option{
			ops.WithGatherer(rt.registry),
			ops.WithLogger(rt.logger),
		}, opsOptions...)
		server := ops.NewServer(rt.cfg.Ops.Addr, opsOptions...)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	for _, fn := range extra {
		g.Go(func() error {
			return fn(gctx)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		rt.logger.Info("shutting down", "reason", context.Cause(ctx))
		return nil
	}
	return err
}

func (rt *runtime) Close() error {
	err := rt.client.Close()
	if closer, ok := rt.attempts.(io.Closer); ok {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
