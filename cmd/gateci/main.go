// Package main implements gateci, the command that verifies a Go module
// through the quality-gate pipeline and manages its run ledger.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"gateci/internal/config"
	"gateci/internal/core"
)

// version is set at link time.
var version = "dev"

// exitError carries a process exit code for a run that completed with a
// verdict. It is not printed.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// options are the persistent flags shared by every command.
type options struct {
	configPath string
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	code := exitCode(err)
	var exit *exitError
	if err != nil && !errors.As(err, &exit) {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return code
}

// exitCode maps an error to 0 (passed), 1 (a gate or stage failed) or 2
// (the configuration is unusable).
func exitCode(err error) int {
	var exit *exitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exit):
		return exit.code
	case core.IsConfigurationError(err):
		return 2
	default:
		return 1
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "gateci",
		Short: "Verify a Go module through a graph of quality gates",
		Long: `gateci compiles, analyzes, format-checks, tests and measures the coverage
of a Go module, then packages and publishes it once every gate has passed.

Exit status is 0 when every planned stage passed, 1 when a gate or stage
failed and 2 when the configuration is unusable.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &core.ConfigurationError{Reason: "flags", Err: err}
	})
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "gateci.yaml", "configuration file (YAML or JSONC)")

	for _, cmd := range targetCmds(opts) {
		root.AddCommand(cmd)
	}
	root.AddCommand(ledgerCmd(opts))
	root.AddCommand(keysCmd(opts))
	root.AddCommand(configCmd(opts))
	root.AddCommand(submitCmd(opts))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the gateci version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "gateci", version)
		},
	})
	return root
}

func (o *options) load() (*config.Config, error) {
	return config.Load(o.configPath)
}
