package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/heimdall/internal/notify"
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Check notification channels",
}

var notifyTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send a test message to every configured channel",
	Args:  cobra.NoArgs,
	RunE:  runNotifyTest,
}

func init() {
	rootCmd.AddCommand(notifyCmd)
	notifyCmd.AddCommand(notifyTestCmd)

	notifyTestCmd.Flags().Duration("timeout", 30*time.Second, "give up on a channel after this long")
}

func runNotifyTest(cmd *cobra.Command, _ []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer := commandLogger(cfg)
	defer func() { _ = closer.Close() }()

	if !cfg.Notify.Enabled {
		fmt.Fprintln(cmd.OutOrStdout(), "notifications are disabled (notify.enabled: false)")
	}
	fanout, err := notify.New(cfg.Notify, logger)
	if err != nil {
		return err
	}
	if len(fanout.Channels()) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no notification channels configured")
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	failed := 0
	for _, r := range fanout.Deliver(ctx, notify.TestMessage()) {
		if r.Error != "" {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s  FAILED  %s\n", r.Channel, r.Error)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-24s  ok\n", r.Channel)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d channels failed", failed, len(fanout.Channels()))
	}
	return nil
}
