package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/msageha/heimdall/internal/scheduler"
	"github.com/msageha/heimdall/internal/status"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect cron schedules",
	Long: `Inspect the persisted schedule table. Schedules are created and removed
by submitting schedule tasks.`,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules with their next fire time",
	Args:  cobra.NoArgs,
	RunE:  runScheduleList,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleListCmd)

	scheduleListCmd.Flags().Bool("json", false, "output as JSON")
}

func runScheduleList(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer := commandLogger(cfg)
	defer func() { _ = closer.Close() }()

	sched, err := scheduler.New(cfg.StateDir, nil, logger)
	if err != nil {
		return err
	}
	entries := sched.List()
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	status.PrintSchedules(cmd.OutOrStdout(), entries)
	return nil
}
