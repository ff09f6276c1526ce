package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gateci/internal/core"
	"gateci/internal/report"
	"gateci/internal/server"
)

type submitFlags struct {
	server       string
	target       string
	wait         bool
	interval     time.Duration
	reportFormat string
}

func submitCmd(opts *options) *cobra.Command {
	flags := &submitFlags{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Run a target on a gateci server",
		Long: `Submit the configuration file to a gateci server, which plans and runs the
target in the background. Unless --wait=false, poll until the run finishes
and print its report.

Examples:
  # Verify remotely and wait for the verdict
  gateci submit --server http://ci.internal:8080 --target test

  # Fire and forget
  gateci submit --target publish --wait=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.submit(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.server, "server", "http://localhost:8080", "gateci server URL")
	cmd.Flags().StringVar(&flags.target, "target", "test", "target to run")
	cmd.Flags().BoolVar(&flags.wait, "wait", true, "wait for the run to finish")
	cmd.Flags().DurationVar(&flags.interval, "interval", 2*time.Second, "poll interval while waiting")
	cmd.Flags().StringVar(&flags.reportFormat, "report-format", "text", "report written to stdout: text, json or yaml")
	return cmd
}

func (o *options) submit(cmd *cobra.Command, flags *submitFlags) error {
	format, err := report.ParseFormat(flags.reportFormat)
	if err != nil {
		return &core.ConfigurationError{Reason: "--report-format", Err: err}
	}
	if flags.interval <= 0 {
		return &core.ConfigurationError{Reason: "--interval must be positive"}
	}
	data, err := os.ReadFile(o.configPath)
	if err != nil {
		return &core.ConfigurationError{Reason: "read " + o.configPath, Err: err}
	}
	base := strings.TrimRight(flags.server, "/")
	client := &http.Client{Timeout: 30 * time.Second}

	resp, err := client.Post(base+"/runs/?target="+url.QueryEscape(flags.target), "application/x-yaml", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to submit: %w", err)
	}
	var submitted struct {
		ID    string `json:"id"`
		Error string `json:"error"`
	}
	err = decode(resp, &submitted)
	switch {
	case err != nil:
		return err
	case resp.StatusCode == http.StatusBadRequest:
		return &core.ConfigurationError{Reason: "rejected by " + base, Err: fmt.Errorf("%s", submitted.Error)}
	case resp.StatusCode != http.StatusAccepted:
		return fmt.Errorf("submit: %s: %s", resp.Status, submitted.Error)
	}

	out := cmd.OutOrStdout()
	if !flags.wait {
		fmt.Fprintln(out, submitted.ID)
		return nil
	}

	view, err := poll(cmd.Context(), client, base+"/runs/"+submitted.ID, flags.interval)
	if err != nil {
		return err
	}
	if view.Status == "error" {
		return fmt.Errorf("run %s: %s", view.ID, view.Error)
	}
	if err := report.Render(out, view.Report, format); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	if view.Report.ExitCode != 0 {
		return &exitError{code: view.Report.ExitCode}
	}
	return nil
}

func poll(ctx context.Context, client *http.Client, runURL string, interval time.Duration) (*server.RunView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, runURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to poll run: %w", err)
		}
		var view server.RunView
		if err := decode(resp, &view); err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("GET %s: %s: %s", runURL, resp.Status, view.Error)
		}
		if view.Status != "running" {
			return &view, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func decode(resp *http.Response, into any) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("unexpected response (%s): %w", resp.Status, err)
	}
	return nil
}
