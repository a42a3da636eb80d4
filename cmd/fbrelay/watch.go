package main

import (
	"github.com/spf13/cobra"

	relay "github.com/fbchat/relay"
	"github.com/fbchat/relay/config"
	"github.com/fbchat/relay/contracts"
	"github.com/fbchat/relay/health"
	"github.com/fbchat/relay/internal/ops"
	"github.com/fbchat/relay/relogin"
	"github.com/fbchat/relay/session"
)

// cookieQueue keeps the chat bot's queue name from before the relay
const cookieQueue = string(contracts.EventCookieChanged)

func newWatchCookiesCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch-cookies",
		Short: "Install refreshed cookies for the chat process",
		Long: `Consumes cookie.changed for the configured account, writes the cookie to
session.cookie_file and leaves a reconnect marker next to it when asked to.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx, *configPath, config.RoleWatchCookies)
			if err != nil {
				return err
			}
			defer rt.Close()

			tracker := relogin.NewStateTracker(rt.collector)
			sink := session.NewFileCredentialSink(rt.cfg.Session.CookieFile, session.WithFileSinkLogger(rt.logger))
			monitor := session.NewMonitor(rt.cfg.Account.ID, rt.client.Publisher(), sink,
				session.WithMonitorLogger(rt.logger),
				session.WithMonitorStateTracker(tracker))

			if _, err := rt.client.Subscribe(contracts.EventCookieChanged, monitor, relay.WithQueue(cookieQueue)); err != nil {
				return err
			}

			checks := rt.client.Health()
			checks.Register(health.NewCredentialChecker(tracker))

			rt.logger.Info("watching cookies", "accountId", monitor.AccountID(), "cookieFile", sink.Path())
			return rt.serve(ctx, []ops.Option{
				ops.WithHealth(checks),
				ops.WithStateTracker(tracker),
			})
		},
	}
}
