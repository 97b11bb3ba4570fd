package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/heimdall/internal/daemon"
	"github.com/msageha/heimdall/internal/logging"
	"github.com/msageha/heimdall/internal/setup"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the queue daemon in the foreground",
	Long: `Run the worker pool, scheduler, alert watcher, control socket and HTTP
surface until SIGINT/SIGTERM or 'heimdall stop'. A second signal forces exit.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the running daemon to shut down gracefully",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write heimdall.yaml and create the queue, state and output directories",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().String("root", "", "root_dir for queue and state (default heimdall)")
	initCmd.Flags().Bool("live", false, "write dry_run: false so generated code lands in the real dirs")
	initCmd.Flags().Bool("force", false, "overwrite an existing heimdall.yaml")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer := logging.New(cfg.Logging)
	defer func() {
		_ = logger.Sync()
		_ = closer.Close()
	}()

	logger.Info("starting daemon",
		zap.String("version", versionInfo.Version),
		zap.String("queue_dir", cfg.QueueDir),
		zap.Bool("dry_run", cfg.DryRun))
	return daemon.New(cfg, logger).Run(cmd.Context())
}

func runStop(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := daemonClient(cfg).Shutdown(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := argOrEmpty(args)
	if dir == "" {
		dir = "."
	}
	root, _ := cmd.Flags().GetString("root")
	live, _ := cmd.Flags().GetBool("live")
	force, _ := cmd.Flags().GetBool("force")

	path, err := setup.Run(dir, setup.Options{RootDir: root, Live: live, Force: force})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
