// Package testrun executes the project's test suite and collects per-test
// outcomes together with the raw coverage counters.
package testrun

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/tools/cover"

	"gateci/internal/core"
	"gateci/internal/toolchain"
)

// Status of a single test.
type Status string

const (
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// TestOutcome is the result of one test function, or of a whole package
// when Name is empty.
type TestOutcome struct {
	Package string        `json:"package" yaml:"package"`
	Name    string        `json:"name,omitempty" yaml:"name,omitempty"`
	Status  Status        `json:"status" yaml:"status"`
	Elapsed time.Duration `json:"elapsed" yaml:"elapsed"`
	Output  string        `json:"-" yaml:"-"`
}

// Counts summarises an execution.
type Counts struct {
	Passed  int `json:"passed" yaml:"passed"`
	Failed  int `json:"failed" yaml:"failed"`
	Skipped int `json:"skipped" yaml:"skipped"`
}

// Execution is the output of the test stage.
type Execution struct {
	Tests    []TestOutcome
	Packages []TestOutcome
	// Profiles are the raw per-block execution counters.
	Profiles []*cover.Profile
	// Stray is output that could not be attributed to a package, such as a
	// go command setup failure.
	Stray    string
	ExitCode int
}

// Counts tallies test statuses.
func (e Execution) Counts() Counts {
	var c Counts
	for _, t := range e.Tests {
		switch t.Status {
		case StatusPassed:
			c.Passed++
		case StatusFailed:
			c.Failed++
		case StatusSkipped:
			c.Skipped++
		}
	}
	return c
}

// Gate turns the execution into a stage outcome: skipped tests are recorded
// as info violations, any failed test or package fails the stage.
func (e Execution) Gate() (core.Outcome, error) {
	var skipped, failed []core.Violation
	failedPkgs := map[string]bool{}
	for _, t := range e.Tests {
		switch t.Status {
		case StatusSkipped:
			skipped = append(skipped, core.Violation{
				Location: core.Location{File: t.Package},
				RuleID:   "test/skipped",
				Severity: core.SeverityInfo,
				Message:  t.Name + " skipped" + reason(t.Output),
			})
		case StatusFailed, StatusRunning:
			failedPkgs[t.Package] = true
			failed = append(failed, core.Violation{
				Location: core.Location{File: t.Package},
				RuleID:   "test/failed",
				Severity: core.SeverityError,
				Message:  fmt.Sprintf("%s %s%s", t.Name, verb(t.Status), reason(t.Output)),
			})
		}
	}
	// a package that failed without a failing test did not build or exited early
	for _, p := range e.Packages {
		if p.Status == StatusPassed || p.Status == StatusSkipped || failedPkgs[p.Package] {
			continue
		}
		failed = append(failed, core.Violation{
			Location: core.Location{File: p.Package},
			RuleID:   "test/package-failed",
			Severity: core.SeverityError,
			Message:  "package failed" + reason(p.Output),
		})
	}
	if len(failed) == 0 && e.ExitCode != 0 {
		failed = append(failed, core.Violation{
			RuleID:   "test/error",
			Severity: core.SeverityError,
			Message:  fmt.Sprintf("go test exited with status %d%s", e.ExitCode, reason(e.Stray)),
		})
	}

	out := core.Outcome{Violations: core.SortViolations(skipped), Output: e}
	if len(failed) > 0 {
		return out, &core.GateFailure{Kind: core.TestFailure, Violations: core.SortViolations(failed)}
	}
	return out, nil
}

func verb(s Status) string {
	if s == StatusRunning {
		return "did not finish"
	}
	return "failed"
}

// reason picks the most telling lines of a test's output.
func reason(output string) string {
	var keep []string
	for _, line := range strings.Split(output, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "=== ") || strings.HasPrefix(t, "--- ") ||
			t == "FAIL" || t == "PASS" || strings.HasPrefix(t, "FAIL\t") || strings.HasPrefix(t, "ok ") ||
			strings.HasPrefix(t, "coverage:") {
			continue
		}
		keep = append(keep, t)
	}
	if len(keep) > 5 {
		keep = keep[:5]
	}
	if len(keep) == 0 {
		return ""
	}
	return ": " + strings.Join(keep, "; ")
}

// Suite runs the project's tests with a pinned toolchain.
type Suite interface {
	Run(ctx context.Context, tc toolchain.Resolution) (Execution, error)
}

// GoSuite runs `go test -json` with a count-mode cover profile.
type GoSuite struct {
	Root     string
	Packages []string
	Flags    []string
	Timeout  time.Duration
	// ProfileDir receives cover.out.
	ProfileDir string
	Runner     core.CommandRunner
	Logger     *zap.Logger
}

// Run executes the suite. The error is reserved for failures to run the go
// command at all; failing tests are reported in the Execution.
func (s *GoSuite) Run(ctx context.Context, tc toolchain.Resolution) (Execution, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pkgs := s.Packages
	if len(pkgs) == 0 {
		pkgs = []string{"./..."}
	}
	if err := os.MkdirAll(s.ProfileDir, 0o755); err != nil {
		return Execution{}, err
	}
	profile := filepath.Join(s.ProfileDir, "cover.out")

	args := []string{"test", "-json", "-count=1", "-covermode=count", "-coverprofile=" + profile}
	args = append(args, s.Flags...)
	args = append(args, pkgs...)
	cmd := tc.Command(s.Root, args...)
	cmd.Timeout = s.Timeout

	out, err := s.Runner.Run(ctx, cmd)
	if err != nil {
		return Execution{}, fmt.Errorf("go test: %w", err)
	}

	result := Execution{ExitCode: out.ExitCode}
	result.Tests, result.Packages, result.Stray = decode(out.Stdout)
	if len(out.Stderr) > 0 {
		result.Stray += string(out.Stderr)
	}

	result.Profiles, err = cover.ParseProfiles(profile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("no cover profile written", zap.String("path", profile))
	case err != nil:
		return result, fmt.Errorf("parse cover profile: %w", err)
	}

	for _, t := range result.Tests {
		fields := []zap.Field{zap.String("package", t.Package), zap.String("test", t.Name), zap.Duration("elapsed", t.Elapsed)}
		switch t.Status {
		case StatusPassed:
			logger.Debug("test passed", fields...)
		case StatusSkipped:
			logger.Info("test skipped", fields...)
		default:
			logger.Warn("test failed", fields...)
		}
	}
	c := result.Counts()
	logger.Info("tests finished",
		zap.Int("passed", c.Passed), zap.Int("failed", c.Failed), zap.Int("skipped", c.Skipped),
		zap.Int("profiles", len(result.Profiles)))
	return result, nil
}
