package analysis

import (
	"context"
	"fmt"
	"strings"

	"gateci/internal/core"
)

// vetAnalyzer runs `go vet` with the pinned toolchain. Flags are passed to
// vet verbatim.
type vetAnalyzer struct {
	flags    []string
	severity core.Severity
	runner   core.CommandRunner
}

func newVet(cfg Config, runner core.CommandRunner) (Analyzer, error) {
	sev, err := core.ParseSeverity(cfg.Severity)
	if err != nil {
		return nil, err
	}
	return &vetAnalyzer{flags: cfg.Flags, severity: sev, runner: runner}, nil
}

func (a *vetAnalyzer) ID() string { return "vet" }

func (a *vetAnalyzer) Analyze(ctx context.Context, in Input) ([]core.Violation, error) {
	pkgs := in.Packages
	if len(pkgs) == 0 {
		pkgs = []string{"./..."}
	}
	args := append([]string{"vet"}, a.flags...)
	args = append(args, pkgs...)

	out, err := a.runner.Run(ctx, in.Toolchain.Command(in.Root, args...))
	if err != nil {
		return nil, err
	}
	if out.ExitCode == 0 {
		return nil, nil
	}
	vs := ParseDiagnostics(out.Combined(), in.Root, "vet", a.severity)
	if len(vs) == 0 {
		return nil, fmt.Errorf("go vet exited %d: %s", out.ExitCode, strings.TrimSpace(out.Combined()))
	}
	return vs, nil
}

// commandAnalyzer runs an arbitrary tool through the shell and parses its
// diagnostics. A non-zero exit with no parsable output is an error.
type commandAnalyzer struct {
	id       string
	line     string
	severity core.Severity
	runner   core.CommandRunner
}

func newCommand(cfg Config, runner core.CommandRunner) (Analyzer, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("analyzer %q needs a command", cfg.ID)
	}
	sev, err := core.ParseSeverity(cfg.Severity)
	if err != nil {
		return nil, err
	}
	line := cfg.Command
	if len(cfg.Flags) > 0 {
		line += " " + strings.Join(cfg.Flags, " ")
	}
	return &commandAnalyzer{id: cfg.ID, line: line, severity: sev, runner: runner}, nil
}

func (a *commandAnalyzer) ID() string { return a.id }

func (a *commandAnalyzer) Analyze(ctx context.Context, in Input) ([]core.Violation, error) {
	cmd := core.Shell(a.line)
	cmd.Dir = in.Root
	cmd.Env = in.Toolchain.Command(in.Root).Env
	out, err := a.runner.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	vs := ParseDiagnostics(out.Combined(), in.Root, a.id, a.severity)
	if out.ExitCode != 0 && len(vs) == 0 {
		return nil, fmt.Errorf("%s exited %d: %s", a.id, out.ExitCode, strings.TrimSpace(out.Combined()))
	}
	return vs, nil
}
