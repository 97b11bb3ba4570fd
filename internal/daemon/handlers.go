package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/msageha/heimdall/internal/metrics"
	"github.com/msageha/heimdall/internal/queue"
	"github.com/msageha/heimdall/internal/uds"
	"github.com/msageha/heimdall/internal/validate"
)

type noParams struct{}

// registerHandlers binds the UDS commands.
func (d *Daemon) registerHandlers() {
	uds.HandleTyped(d.server, uds.CmdPing, func(context.Context, noParams) (uds.PingResult, error) {
		return uds.PingResult{Status: "ok", Pid: os.Getpid()}, nil
	})
	uds.HandleTyped(d.server, uds.CmdStatus, func(context.Context, noParams) (metrics.Report, error) {
		report, err := d.Report()
		if err != nil {
			return metrics.Report{}, fmt.Errorf("build report: %w", err)
		}
		return report, nil
	})
	uds.HandleTyped(d.server, uds.CmdPause, func(context.Context, noParams) (uds.ToggleResult, error) {
		return uds.ToggleResult{Paused: true, Changed: d.Pause()}, nil
	})
	uds.HandleTyped(d.server, uds.CmdResume, func(context.Context, noParams) (uds.ToggleResult, error) {
		return uds.ToggleResult{Paused: false, Changed: d.Resume()}, nil
	})
	uds.HandleTyped(d.server, uds.CmdSubmit, d.handleSubmit)
	uds.HandleTyped(d.server, uds.CmdLint, func(_ context.Context, p uds.LintParams) (validate.LintResult, error) {
		return validate.Lint([]byte(p.Raw)), nil
	})
	uds.HandleTyped(d.server, uds.CmdShutdown, func(context.Context, noParams) (map[string]string, error) {
		d.logger.Info("shutdown requested via UDS")
		go d.Shutdown()
		return map[string]string{"status": "shutdown_accepted"}, nil
	})
}

// handleSubmit accepts a decoded document or raw text. Documents that fail
// to parse or validate come back REJECTED with one detail per error.
func (d *Daemon) handleSubmit(_ context.Context, p uds.SubmitParams) (uds.SubmitResult, error) {
	source := p.Source
	if source == "" {
		source = "cli"
	}

	doc := p.Doc
	if doc == nil {
		decoded, err := validate.Decode([]byte(p.Raw))
		if err != nil {
			return uds.SubmitResult{}, uds.Rejected(err.Error())
		}
		doc = decoded
	}

	rec, err := d.Submit(doc, source)
	var rejected *queue.RejectedError
	switch {
	case errors.As(err, &rejected):
		return uds.SubmitResult{}, uds.Rejected(validate.Messages(rejected.Errors)...)
	case err != nil:
		d.logger.Error("submit", zap.String("source", source), zap.Error(err))
		return uds.SubmitResult{}, err
	}
	return uds.SubmitResult{
		Entry:    rec.Entry.File,
		Type:     string(rec.Task.Type),
		Warnings: validate.Messages(rec.Warnings),
	}, nil
}
