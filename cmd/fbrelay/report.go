package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fbchat/relay/config"
	"github.com/fbchat/relay/session"
)

func newReportDisconnectCommand(configPath *string) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "report-disconnect",
		Short: "Publish messenger.disconnected for the configured account",
		Long: `Publishes one messenger.disconnected event and prints its event id, which
the answering cookie.changed carries as correlation id.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx, *configPath, config.RoleReportDisconnect)
			if err != nil {
				return err
			}
			defer rt.Close()

			sink := session.NewFileCredentialSink(rt.cfg.Session.CookieFile, session.WithFileSinkLogger(rt.logger))
			monitor := session.NewMonitor(rt.cfg.Account.ID, rt.client.Publisher(), sink, session.WithMonitorLogger(rt.logger))

			eventID, err := monitor.ReportDisconnect(ctx, reason)
			if err != nil {
				return fmt.Errorf("failed to report disconnect: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), eventID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Why the chat connection was lost")
	return cmd
}
