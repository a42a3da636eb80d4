package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/fbchat/relay/commands"
	"github.com/fbchat/relay/config"
	"github.com/fbchat/relay/internal/ops"
	"github.com/fbchat/relay/session"
)

func newDispatchCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Publish inbound chat messages and answer chat commands",
		Long: `Follows session.inbound_file, publishes every new message as
message.received and runs prefixed chat commands, replying with message.send.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx, *configPath, config.RoleDispatch)
			if err != nil {
				return err
			}
			defer rt.Close()

			registry, err := commands.NewRegistry(commands.Builtins()...)
			if err != nil {
				return err
			}

			publisher := rt.client.Publisher()
			pool := commands.NewPool(registry, commands.NewPublishingSink(publisher),
				commands.WithWorkers(rt.cfg.Commands.Workers),
				commands.WithRecorder(rt.collector),
				commands.WithPoolLogger(rt.logger))
			defer pool.Close()

			intake := session.NewIntake(publisher, pool,
				session.WithSelfID(rt.cfg.Commands.SelfID),
				session.WithPrefix(rt.cfg.Commands.Prefix),
				session.WithIntakeLogger(rt.logger))

			inbound := rt.cfg.Session.InboundFile
			interval := rt.cfg.Session.PollInterval
			rt.logger.Info("dispatching chat messages", "inboundFile", inbound, "workers", pool.Workers())
			return rt.serve(ctx, []ops.Option{
				ops.WithHealth(rt.client.Health()),
				ops.WithCommands(registry),
			}, func(ctx context.Context) error {
				return intake.Watch(ctx, inbound, interval)
			})
		},
	}
}
