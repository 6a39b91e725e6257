package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"chronod/internal/app"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon",
	Long:  "Start the scheduler, worker pool, and optional listeners, then block until SIGINT or SIGTERM.",
	RunE:  runHandler,
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "path to the config file (yaml or json); omit for built-in defaults")
}

func runHandler(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(runConfigPath)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	// Under systemd Type=notify this flips the unit to active; elsewhere
	// SdNotify is a no-op.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	defer daemon.SdNotify(false, daemon.SdNotifyStopping) //nolint:errcheck

	return a.Run(ctx)
}
