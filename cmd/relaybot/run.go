package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"chanrelay/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay until SIGINT or SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		a, err := app.New(ctx, cfgPath)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			_ = a.Stop(context.Background(), app.StopFatalError)
			return errors.Wrap(err, "start")
		}
		// Not running under systemd is fine; SdNotify reports false then.
		_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

		reason := app.StopUnknown
		select {
		case sig := <-sigs:
			reason = app.StopSIGTERM
			if sig == os.Interrupt {
				reason = app.StopSIGINT
			}
		case <-a.Done():
			reason = app.StopFatalError
		}
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		_ = a.Stop(context.Background(), reason)
		return a.Err()
	},
}
