package main

import (
	"github.com/spf13/cobra"

	relay "github.com/fbchat/relay"
	"github.com/fbchat/relay/config"
	"github.com/fbchat/relay/contracts"
	"github.com/fbchat/relay/health"
	"github.com/fbchat/relay/internal/ops"
	"github.com/fbchat/relay/internal/reliability"
	"github.com/fbchat/relay/messaging"
	"github.com/fbchat/relay/relogin"
)

func newReloginCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "relogin",
		Short: "Log the account in again whenever the chat reports a disconnect",
		Long: `Consumes messenger.disconnected, runs the configured login command and
publishes the new cookie as cookie.changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx, *configPath, config.RoleRelogin)
			if err != nil {
				return err
			}
			defer rt.Close()

			account := rt.cfg.Account
			login := &relogin.CommandLogin{
				Path:     account.LoginCommand,
				Args:     account.LoginArgs,
				Username: account.Username,
				Secret:   account.Secret,
				Timeout:  account.LoginTimeout,
				Logger:   rt.logger,
			}

			var provider relogin.LoginProvider = login
			if account.FailureThreshold > 0 {
				provider = relogin.NewGuardedLogin(login, reliability.NewCircuitBreaker(
					reliability.WithName("login"),
					reliability.WithFailureThreshold(account.FailureThreshold),
					reliability.WithCooldown(account.FailureCooldown),
					reliability.WithStateListener(rt.collector)))
			}

			tracker := relogin.NewStateTracker(rt.collector)
			service := relogin.NewService(provider, rt.client.Publisher(),
				relogin.WithServiceLogger(rt.logger),
				relogin.WithStateTracker(tracker),
				relogin.WithAccounts(account.ID))

			if _, err := subscribeRelogin(rt.client, service); err != nil {
				return err
			}

			checks := rt.client.Health()
			checks.Register(health.NewCredentialChecker(tracker))

			rt.logger.Info("relogin service starting", "accountId", account.ID, "loginCommand", account.LoginCommand)
			return rt.serve(ctx, []ops.Option{
				ops.WithHealth(checks),
				ops.WithStateTracker(tracker),
			})
		},
	}
}

// subscribeRelogin attaches handler as the only consumer of the disconnect
// queue, so a second relogin process cannot log the account in concurrently
func subscribeRelogin(client *relay.Client, handler messaging.EventHandler) (*messaging.EventSubscriber, error) {
	return client.Subscribe(contracts.EventMessengerDisconnected, handler, relay.WithExclusiveConsumer())
}
