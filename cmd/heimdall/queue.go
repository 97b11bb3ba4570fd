package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/heimdall/internal/daemon"
	"github.com/msageha/heimdall/internal/status"
	"github.com/msageha/heimdall/internal/uds"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth, worker state, heartbeat and counters",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop workers from claiming new entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return togglePause(cmd, (*uds.Client).Pause)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Let workers claim entries again",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return togglePause(cmd, (*uds.Client).Resume)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)

	statusCmd.Flags().Bool("json", false, "output as JSON")
	statusCmd.Flags().Bool("prom", false, "output in Prometheus text format")
	statusCmd.MarkFlagsMutuallyExclusive("json", "prom")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	asProm, _ := cmd.Flags().GetBool("prom")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer := commandLogger(cfg)
	defer func() { _ = closer.Close() }()

	snap, err := status.Collect(cfg, daemon.SocketPath(cfg), time.Now(), logger)
	if err != nil {
		return err
	}
	format := status.FormatText
	switch {
	case asJSON:
		format = status.FormatJSON
	case asProm:
		format = status.FormatPrometheus
	}
	return status.Render(cmd.OutOrStdout(), snap, format)
}

func togglePause(cmd *cobra.Command, toggle func(*uds.Client) (uds.ToggleResult, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	res, err := toggle(daemonClient(cfg))
	if err != nil {
		return err
	}
	state := "running"
	if res.Paused {
		state = "paused"
	}
	if res.Changed {
		fmt.Fprintf(cmd.OutOrStdout(), "queue %s\n", state)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "queue already %s\n", state)
	}
	return nil
}
