package analysis

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"gateci/internal/core"
	"gateci/internal/toolchain"
)

// Compiled is the output of the compile stage: export data of every
// package, laid out by import path under Dir.
type Compiled struct {
	Dir      string
	Packages []string
}

// Compiler builds the project with the pinned toolchain.
type Compiler interface {
	Compile(ctx context.Context, tc toolchain.Resolution) (Compiled, []core.Violation, error)
}

// GoCompiler runs `go build` then collects export data via `go list -export`.
type GoCompiler struct {
	Root     string
	Packages []string
	Output   string
	Runner   core.CommandRunner
	Logger   *zap.Logger
}

// Compile returns violations for compiler diagnostics. The error is set when
// the build failed or the outputs could not be collected.
func (c *GoCompiler) Compile(ctx context.Context, tc toolchain.Resolution) (Compiled, []core.Violation, error) {
	pkgs := c.Packages
	if len(pkgs) == 0 {
		pkgs = []string{"./..."}
	}

	out, err := c.Runner.Run(ctx, tc.Command(c.Root, append([]string{"build"}, pkgs...)...))
	if err != nil {
		return Compiled{}, nil, fmt.Errorf("go build: %w", err)
	}
	if out.ExitCode != 0 {
		vs := ParseDiagnostics(out.Combined(), c.Root, "compile", core.SeverityError)
		if len(vs) == 0 {
			vs = []core.Violation{{RuleID: "compile", Severity: core.SeverityError, Message: strings.TrimSpace(out.Combined())}}
		}
		return Compiled{}, nil, &core.GateFailure{Kind: core.AnalyzerViolation, Violations: vs}
	}

	list, err := c.Runner.Run(ctx, tc.Command(c.Root,
		append([]string{"list", "-export", "-f", "{{.ImportPath}}\t{{.Export}}"}, pkgs...)...))
	if err != nil {
		return Compiled{}, nil, fmt.Errorf("go list: %w", err)
	}
	if list.ExitCode != 0 {
		return Compiled{}, nil, fmt.Errorf("go list: exit %d: %s", list.ExitCode, strings.TrimSpace(list.Combined()))
	}

	// the output holds exactly this build's packages
	if c.Output == "" || filepath.Clean(c.Output) == filepath.Clean(c.Root) {
		return Compiled{}, nil, fmt.Errorf("refusing to use %q as compile output", c.Output)
	}
	if err := os.RemoveAll(c.Output); err != nil {
		return Compiled{}, nil, fmt.Errorf("clear compile output: %w", err)
	}
	if err := os.MkdirAll(c.Output, 0o755); err != nil {
		return Compiled{}, nil, err
	}
	result := Compiled{Dir: c.Output}
	sc := bufio.NewScanner(strings.NewReader(string(list.Stdout)))
	for sc.Scan() {
		importPath, export, ok := strings.Cut(sc.Text(), "\t")
		if !ok || export == "" {
			continue
		}
		dst := filepath.Join(c.Output, filepath.FromSlash(importPath)+".a")
		if err := copyFile(export, dst); err != nil {
			return Compiled{}, nil, fmt.Errorf("collect %s: %w", importPath, err)
		}
		result.Packages = append(result.Packages, importPath)
	}
	if c.Logger != nil {
		c.Logger.Info("compiled", zap.Int("packages", len(result.Packages)), zap.String("output", c.Output))
	}
	return result, nil, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
