package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/heimdall/internal/config"
	"github.com/msageha/heimdall/internal/daemon"
	"github.com/msageha/heimdall/internal/logging"
	"github.com/msageha/heimdall/internal/model"
	"github.com/msageha/heimdall/internal/uds"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{}

func setVersionInfo(v, c, d string) {
	versionInfo.Version = v
	versionInfo.Commit = c
	versionInfo.BuildDate = d
}

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "heimdall",
	Short: "Durable file-backed task queue and worker daemon",
	Long: `heimdall watches a queue directory for YAML/JSON task documents,
validates them, and runs each one exactly once through a pool of workers.

Tasks scaffold routes, models and CRUD handlers, run migrations, run jobs,
fan out bundles and specs, and manage cron schedules.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "heimdall %s (commit %s, built %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./heimdall.yaml when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at info level for one-shot commands")
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (model.Config, error) {
	return config.Load(configPath)
}

// commandLogger builds the logger for short-lived commands. Only warnings
// reach stderr unless --verbose is set.
func commandLogger(cfg model.Config) (*zap.Logger, io.Closer) {
	lc := cfg.Logging
	if !verbose {
		lc.Level = "warn"
	}
	return logging.New(lc)
}

func daemonClient(cfg model.Config) *uds.Client {
	return uds.NewClient(daemon.SocketPath(cfg))
}

// readInput reads a task document from path, or from in when path is "-"
// or empty.
func readInput(path string, in io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(in)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func argOrEmpty(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
