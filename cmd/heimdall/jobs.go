package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/heimdall/internal/jobrunner"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage job run directories",
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply run retention now",
	Long: `Apply jobs.keep_runs and jobs.max_age to one job's runs, or to every job.
With jobs.archive on, pruned runs are zipped and archives are trimmed to
jobs.max_archive_bytes.`,
	Args: cobra.NoArgs,
	RunE: runJobsPrune,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsPruneCmd)

	jobsPruneCmd.Flags().String("name", "", "prune only this job")
	jobsPruneCmd.Flags().Bool("json", false, "output as JSON")
}

func runJobsPrune(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("name")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer := commandLogger(cfg)
	defer func() { _ = closer.Close() }()

	runner := jobrunner.New(cfg.Jobs, logger)
	var report jobrunner.PruneReport
	if name != "" {
		report, err = runner.Prune(name)
	} else {
		report, err = runner.PruneAll()
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			return encErr
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "removed=%d archived=%d archives_dropped=%d\n",
			len(report.Removed), len(report.Archived), len(report.ArchivesDropped))
	}
	return err
}
