package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fbchat/relay/config"
	"github.com/fbchat/relay/contracts"
	"github.com/fbchat/relay/internal/rabbitmq"
)

func newQueuesCommand(configPath *string) *cobra.Command {
	var (
		services []string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "queues [queue-names...]",
		Short: "Show depth and consumers of the relay queues",
		Long: `Inspects queues with passive declares. Without arguments every event type
is checked for each --service, including dead-letter queues when enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx, *configPath, config.RoleAdmin)
			if err != nil {
				return err
			}
			defer rt.Close()

			if len(services) == 0 {
				services = []string{rt.cfg.Service.Name}
			}
			names := args
			if len(names) == 0 {
				names = relayQueues(services, rt.cfg.Subscriber.DeadLetter)
			}

			cm := rabbitmq.NewConnectionManager(rt.cfg.BrokerSettings(), rabbitmq.WithLogger(rt.logger))
			defer cm.Disconnect()
			inspector := rabbitmq.NewQueueInspector(cm)

			for {
				infos, err := inspector.InspectQueues(ctx, names...)
				if err != nil {
					return err
				}
				printQueues(cmd.OutOrStdout(), infos)

				if interval <= 0 {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
		},
	}

	cmd.Flags().StringSliceVarP(&services, "service", "s", nil, "Service names whose queues to list (default service.name)")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "Repeat every interval until interrupted")
	return cmd
}

// botQueues are consumed under their bare event type names
var botQueues = []string{
	string(contracts.EventCookieChanged),
	string(contracts.EventMessageSend),
}

func relayQueues(services []string, deadLetter bool) []string {
	var names []string
	for _, queue := range botQueues {
		names = append(names, queue)
		if deadLetter {
			names = append(names, rabbitmq.DeadLetterQueueName(queue))
		}
	}
	for _, service := range services {
		for _, eventType := range contracts.EventTypes {
			queue := rabbitmq.QueueName(service, string(eventType))
			names = append(names, queue)
			if deadLetter {
				names = append(names, rabbitmq.DeadLetterQueueName(queue))
			}
		}
	}
	return names
}

func printQueues(w io.Writer, queues []rabbitmq.QueueInfo) {
	fmt.Fprintf(w, "%-50s %-10s %-10s %s\n", "Name", "Messages", "Consumers", "State")
	fmt.Fprintln(w, strings.Repeat("-", 83))

	for _, q := range queues {
		state := "missing"
		switch {
		case q.Exists && q.Consumers == 0:
			state = "idle"
		case q.Exists:
			state = "running"
		}
		fmt.Fprintf(w, "%-50s %-10d %-10d %s\n", truncate(q.Name, 50), q.Messages, q.Consumers, state)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}


func newReplayCommand(configPath *string) *cobra.Command {
	var (
		limit   int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "replay-dead-letters <queue>",
		Short: "Republish messages parked in a queue's dead-letter queue",
		Long: `Moves messages from <queue>.dlq back onto the exchange under their event
type. Messages that cannot be republished stay parked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			rt, err := newRuntime(ctx, *configPath, config.RoleAdmin)
			if err != nil {
				return err
			}
			defer rt.Close()

			cm := rabbitmq.NewConnectionManager(rt.cfg.BrokerSettings(), rabbitmq.WithLogger(rt.logger))
			defer cm.Disconnect()
			publisher := rabbitmq.NewPublisher(cm, rabbitmq.WithPublisherLogger(rt.logger))

			replayed, err := rabbitmq.NewReplayer(cm, publisher, rt.logger).Replay(ctx, args[0], limit)
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d message(s) from %s\n", replayed, rabbitmq.DeadLetterQueueName(args[0]))
			return err
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Replay at most this many messages (0 for all)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", time.Minute, "Give up after this long")
	return cmd
}
