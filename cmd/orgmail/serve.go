package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and, when configured, the background poller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := setupLogger(rt.debug)
			defer func() { _ = log.Sync() }()

			a, err := rt.openApp(ctx, log)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Serve(ctx, log)
		},
	}
}
