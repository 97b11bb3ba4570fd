package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/heimdall/internal/model"
	"github.com/msageha/heimdall/internal/queue"
	"github.com/msageha/heimdall/internal/uds"
	"github.com/msageha/heimdall/internal/validate"
)

var (
	errRejected   = errors.New("task rejected")
	errLintFailed = errors.New("task has errors")
)

var submitCmd = &cobra.Command{
	Use:   "submit [file|-]",
	Short: "Validate a task document and enqueue it",
	Long: `Submit a YAML or JSON task document through the running daemon. When no
daemon is reachable the entry is written to the queue directory directly and
runs on the next daemon start.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

var lintCmd = &cobra.Command{
	Use:   "lint [file|-]",
	Short: "Validate a task document without enqueuing it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLint,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(lintCmd)

	submitCmd.Flags().String("source", "cli", "source recorded in the entry metadata")
	submitCmd.Flags().Bool("offline", false, "write to the queue directory without contacting the daemon")
	lintCmd.Flags().Bool("json", false, "print the lint result as JSON")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	raw, err := readInput(argOrEmpty(args), cmd.InOrStdin())
	if err != nil {
		return err
	}
	source, _ := cmd.Flags().GetString("source")
	offline, _ := cmd.Flags().GetBool("offline")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer := commandLogger(cfg)
	defer func() { _ = closer.Close() }()

	if !offline {
		res, err := daemonClient(cfg).Submit(uds.SubmitParams{Raw: string(raw), Source: source})
		switch {
		case err == nil:
			printSubmitted(cmd, res)
			return nil
		case !errors.Is(err, uds.ErrDaemonUnavailable):
			if detail, ok := uds.IsRejected(err); ok {
				for _, d := range detail.Details {
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", d)
				}
				return errRejected
			}
			return err
		}
		logger.Warn("daemon not reachable, writing entry directly", zap.Error(err))
	}

	rec, err := submitOffline(cfg, raw, source, logger)
	if err != nil {
		var rejected *queue.RejectedError
		if errors.As(err, &rejected) {
			fmt.Fprint(cmd.ErrOrStderr(), validate.FormatStderr(rejected.Errors, nil))
			return errRejected
		}
		return err
	}
	printSubmitted(cmd, uds.SubmitResult{
		Entry:    rec.Entry.File,
		Type:     string(rec.Task.Type),
		Warnings: validate.Messages(rec.Warnings),
	})
	return nil
}

func submitOffline(cfg model.Config, raw []byte, source string, logger *zap.Logger) (queue.Receipt, error) {
	store := queue.NewStore(cfg.QueueDir, queue.SuffixesFrom(cfg), logger)
	if err := store.Init(); err != nil {
		return queue.Receipt{}, err
	}
	return store.SubmitRaw(raw, source)
}

func printSubmitted(cmd *cobra.Command, res uds.SubmitResult) {
	for _, w := range res.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s (%s)\n", res.Entry, res.Type)
}

func runLint(cmd *cobra.Command, args []string) error {
	raw, err := readInput(argOrEmpty(args), cmd.InOrStdin())
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	return printLint(cmd.OutOrStdout(), cmd.ErrOrStderr(), validate.Lint(raw), asJSON)
}

func printLint(stdout, stderr io.Writer, res validate.LintResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprint(stderr, validate.FormatStderr(res.Errors, res.Warnings))
		if res.OK {
			taskType := ""
			if res.Task != nil {
				taskType = string(res.Task.Type)
			}
			fmt.Fprintln(stdout, strings.TrimSpace("ok "+taskType))
		}
	}
	if !res.OK {
		return errLintFailed
	}
	return nil
}
