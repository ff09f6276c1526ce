package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gateci/internal/core"
	"gateci/internal/logging"
	"gateci/internal/pipeline"
	"gateci/internal/report"
)

type runFlags struct {
	failFast     bool
	workers      int
	reportFormat string
	metricsFile  string
}

var targetHelp = map[string]string{
	"build":              "Compile, analyze and format-check the module",
	"test":               "Build, then run the tests and enforce the coverage threshold",
	"package":            "Verify the module and assemble its archives",
	"publish":            "Verify, package and publish the module",
	pipeline.FormatApply: "Rewrite every file the formatters would change",
}

func targetCmds(opts *options) []*cobra.Command {
	var cmds []*cobra.Command
	for _, target := range pipeline.TargetNames() {
		flags := &runFlags{}
		cmd := &cobra.Command{
			Use:   target,
			Short: targetHelp[target],
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.runTarget(cmd, target, flags)
			},
		}
		cmd.Flags().BoolVar(&flags.failFast, "fail-fast", false, "skip stages not yet started once one fails")
		cmd.Flags().IntVar(&flags.workers, "workers", 0, "stages run concurrently (default scheduler.workers, else one per CPU)")
		cmd.Flags().StringVar(&flags.reportFormat, "report-format", "text", "report written to stdout: text, json or yaml")
		cmd.Flags().StringVar(&flags.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile")
		cmds = append(cmds, cmd)
	}
	return cmds
}

func (o *options) runTarget(cmd *cobra.Command, target string, flags *runFlags) error {
	format, err := report.ParseFormat(flags.reportFormat)
	if err != nil {
		return &core.ConfigurationError{Reason: "--report-format", Err: err}
	}
	cfg, err := o.load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("fail-fast") {
		cfg.Scheduler.FailFast = flags.failFast
	}
	if cmd.Flags().Changed("workers") {
		if flags.workers < 0 {
			return &core.ConfigurationError{Reason: "--workers must not be negative"}
		}
		cfg.Scheduler.Workers = flags.workers
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return &core.ConfigurationError{Reason: "logging", Err: err}
	}
	defer logging.Sync(logger)

	p, err := pipeline.New(cfg, core.NewExecutor(), logger)
	if err != nil {
		return err
	}
	runner, err := pipeline.NewRunner(p)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rep, err := runner.Run(ctx, target)
	if err != nil {
		return err
	}

	if err := report.Render(cmd.OutOrStdout(), rep, format); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	if flags.metricsFile != "" {
		if err := p.Metrics.WriteTextfile(flags.metricsFile); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	if rep.ExitCode != 0 {
		return &exitError{code: rep.ExitCode}
	}
	return nil
}
