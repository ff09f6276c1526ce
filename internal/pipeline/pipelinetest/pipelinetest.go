// Package pipelinetest provides a throwaway Go project and stand-ins for
// the go command, for exercising whole runs in tests.
package pipelinetest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/tools/cover"

	"gateci/internal/analysis"
	"gateci/internal/config"
	"gateci/internal/core"
	"gateci/internal/pipeline"
	"gateci/internal/testrun"
	"gateci/internal/toolchain"
)

// Module is the import path of the fixture project.
const Module = "example.com/calc"

var files = map[string]string{
	"go.mod":     "module example.com/calc\n\ngo 1.22\n",
	".gitignore": "build/\n",
	"calc.go": `// Package calc adds numbers.
package calc

// Add returns a + b.
func Add(a, b int) int {
	return a + b
}
`,
}

// Toolchain is what the fixture pins instead of probing.
var Toolchain = toolchain.Resolution{Version: "1.22.3", GoBin: "go"}

// Project writes a small, well-formatted module and returns a config for it
// that publishes into a file repository next to it.
func Project(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "calc")
	require.NoError(t, os.MkdirAll(root, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}

	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Project.Root = root
	cfg.Project.Group = "com.example"
	cfg.Project.Name = "calc"
	cfg.Project.Version = "1.0.0"
	cfg.Toolchain.Version = "~1.22"
	cfg.Publish.Destination = "file://" + filepath.ToSlash(filepath.Join(base, "repository"))
	cfg.Scheduler.Workers = 2
	return cfg
}

// RepositoryDir is the file repository Project publishes into.
func RepositoryDir(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Project.Root), "repository")
}

// NoCommands fails every command; the fakes below make it unreachable.
type NoCommands struct{}

func (NoCommands) Run(_ context.Context, cmd core.Command) (core.CommandOutput, error) {
	return core.CommandOutput{}, errors.New("unexpected command " + cmd.String())
}

// Compiler writes fake export data into the configured output directory.
type Compiler struct {
	Output string
}

func (c *Compiler) Compile(_ context.Context, _ toolchain.Resolution) (analysis.Compiled, []core.Violation, error) {
	dir := filepath.Join(c.Output, filepath.FromSlash(Module))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return analysis.Compiled{}, nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "calc.a"), []byte("export data"), 0o644); err != nil {
		return analysis.Compiled{}, nil, err
	}
	return analysis.Compiled{Dir: c.Output, Packages: []string{Module}}, nil, nil
}

// Analyzer reports fixed violations.
type Analyzer struct {
	Name       string
	Violations []core.Violation
}

func (a Analyzer) ID() string { return a.Name }

func (a Analyzer) Analyze(context.Context, analysis.Input) ([]core.Violation, error) {
	return a.Violations, nil
}

// Suite reports Passing of Total tests passed and Covered of Lines lines
// executed.
type Suite struct {
	Total, Passing int
	Lines, Covered int
}

func (s Suite) Run(_ context.Context, _ toolchain.Resolution) (testrun.Execution, error) {
	var e testrun.Execution
	pkg := testrun.TestOutcome{Package: Module, Status: testrun.StatusPassed}
	for i := range s.Total {
		outcome := testrun.TestOutcome{Package: Module, Name: fmt.Sprintf("TestAdd%02d", i), Status: testrun.StatusPassed}
		if i >= s.Passing {
			outcome.Status = testrun.StatusFailed
			outcome.Output = "    calc_test.go:12: want 3, got 4\n"
			pkg.Status = testrun.StatusFailed
			e.ExitCode = 1
		}
		e.Tests = append(e.Tests, outcome)
	}
	e.Packages = []testrun.TestOutcome{pkg}

	profile := &cover.Profile{FileName: Module + "/calc.go", Mode: "count"}
	for l := range s.Lines {
		b := cover.ProfileBlock{StartLine: l + 1, StartCol: 1, EndLine: l + 1, EndCol: 10, NumStmt: 1}
		if l < s.Covered {
			b.Count = 1
		}
		profile.Blocks = append(profile.Blocks, b)
	}
	e.Profiles = []*cover.Profile{profile}
	return e, nil
}

// Pipeline wires cfg with the fakes: a pinned toolchain, the fake
// compiler and suite, and one analyzer reporting vs.
func Pipeline(t *testing.T, cfg *config.Config, suite Suite, vs ...core.Violation) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(cfg, NoCommands{}, nil)
	require.NoError(t, err)
	Fake(p, suite, vs...)
	return p
}

// Fake replaces everything in p that would run the go command.
func Fake(p *pipeline.Pipeline, suite Suite, vs ...core.Violation) {
	p.Toolchain.Pin(Toolchain)
	p.Compiler = &Compiler{Output: p.Config.Path(p.Config.Compile.Output)}
	p.Suite = suite

	set, err := analysis.NewSet(nil, NoCommands{}, nil)
	if err == nil {
		err = set.Add(Analyzer{Name: "static", Violations: vs}, analysis.Config{ID: "static"})
	}
	if err != nil {
		panic(err)
	}
	p.Analyzers = set
}
