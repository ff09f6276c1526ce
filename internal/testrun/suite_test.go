package testrun

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"gateci/internal/core"
	"gateci/internal/toolchain"
)

// scriptedRunner plays back a go test run and writes the cover profile the
// real command would have written.
type scriptedRunner struct {
	stdout   string
	exitCode int
	profile  string
	got      core.Command
}

func (r *scriptedRunner) Run(_ context.Context, cmd core.Command) (core.CommandOutput, error) {
	r.got = cmd
	if r.profile != "" {
		for _, a := range cmd.Args {
			if path, ok := strings.CutPrefix(a, "-coverprofile="); ok {
				if err := os.WriteFile(path, []byte(r.profile), 0o644); err != nil {
					return core.CommandOutput{}, err
				}
			}
		}
	}
	return core.CommandOutput{Stdout: []byte(r.stdout), ExitCode: r.exitCode}, nil
}

func jsonLines(lines ...string) string { return strings.Join(lines, "\n") + "\n" }

var passingRun = jsonLines(
	`{"Action":"start","Package":"example.com/calc"}`,
	`{"Action":"run","Package":"example.com/calc","Test":"TestAdd"}`,
	`{"Action":"output","Package":"example.com/calc","Test":"TestAdd","Output":"=== RUN   TestAdd\n"}`,
	`{"Action":"pass","Package":"example.com/calc","Test":"TestAdd","Elapsed":0.01}`,
	`{"Action":"run","Package":"example.com/calc","Test":"TestDiv"}`,
	`{"Action":"output","Package":"example.com/calc","Test":"TestDiv","Output":"    calc_test.go:20: needs network\n"}`,
	`{"Action":"skip","Package":"example.com/calc","Test":"TestDiv","Elapsed":0}`,
	`{"Action":"output","Package":"example.com/calc","Output":"coverage: 100.0% of statements\n"}`,
	`{"Action":"pass","Package":"example.com/calc","Elapsed":0.2}`,
)

const profile = `mode: count
example.com/calc/calc.go:3.24,5.2 1 4
example.com/calc/calc.go:7.24,9.2 1 0
`

var tc = toolchain.Resolution{Version: "1.22.3", GoBin: "go"}

func TestGoSuite_Passing(t *testing.T) {
	runner := &scriptedRunner{stdout: passingRun, profile: profile}
	obs, logs := observer.New(zap.DebugLevel)
	s := &GoSuite{Root: "/src", ProfileDir: t.TempDir(), Runner: runner, Logger: zap.New(obs)}

	exec, err := s.Run(context.Background(), tc)
	require.NoError(t, err)

	assert.Equal(t, []string{"go", "test", "-json", "-count=1", "-covermode=count"}, runner.got.Args[:5])
	assert.Equal(t, "./...", runner.got.Args[len(runner.got.Args)-1])
	require.Len(t, exec.Tests, 2)
	assert.Equal(t, StatusPassed, exec.Tests[0].Status)
	assert.Equal(t, "TestDiv", exec.Tests[1].Name)
	assert.Equal(t, StatusSkipped, exec.Tests[1].Status)
	assert.Equal(t, Counts{Passed: 1, Skipped: 1}, exec.Counts())

	require.Len(t, exec.Profiles, 1)
	assert.Equal(t, "example.com/calc/calc.go", exec.Profiles[0].FileName)
	assert.Len(t, exec.Profiles[0].Blocks, 2)

	out, err := exec.Gate()
	require.NoError(t, err)
	require.Len(t, out.Violations, 1, "skipped tests are reported")
	assert.Equal(t, "test/skipped", out.Violations[0].RuleID)
	assert.Contains(t, out.Violations[0].Message, "needs network")

	assert.Equal(t, 1, logs.FilterMessage("test passed").Len())
	assert.Equal(t, 1, logs.FilterMessage("test skipped").Len())
}

func TestGoSuite_OneFailingTest(t *testing.T) {
	var lines []string
	for i := 0; i < 9; i++ {
		lines = append(lines, `{"Action":"pass","Package":"example.com/calc","Test":"TestOk`+string(rune('A'+i))+`"}`)
	}
	lines = append(lines,
		`{"Action":"output","Package":"example.com/calc","Test":"TestSub","Output":"--- FAIL: TestSub (0.00s)\n"}`,
		`{"Action":"output","Package":"example.com/calc","Test":"TestSub","Output":"    calc_test.go:31: got 3, want 4\n"}`,
		`{"Action":"fail","Package":"example.com/calc","Test":"TestSub","Elapsed":0.001}`,
		`{"Action":"fail","Package":"example.com/calc","Elapsed":0.3}`,
	)
	runner := &scriptedRunner{stdout: jsonLines(lines...), exitCode: 1, profile: profile}
	s := &GoSuite{Root: "/src", ProfileDir: t.TempDir(), Runner: runner}

	exec, err := s.Run(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, Counts{Passed: 9, Failed: 1}, exec.Counts())

	_, err = exec.Gate()
	var gate *core.GateFailure
	require.ErrorAs(t, err, &gate)
	assert.Equal(t, core.TestFailure, gate.Kind)
	require.Len(t, gate.Violations, 1, "the package failure is explained by its test")
	assert.Equal(t, "test/failed", gate.Violations[0].RuleID)
	assert.Equal(t, "TestSub failed: calc_test.go:31: got 3, want 4", gate.Violations[0].Message)
}

func TestGoSuite_BuildFailure(t *testing.T) {
	stdout := jsonLines(
		`{"ImportPath":"example.com/calc [example.com/calc.test]","Action":"build-output","Output":"./calc_test.go:5:2: undefined: Mul\n"}`,
		`{"ImportPath":"example.com/calc [example.com/calc.test]","Action":"build-fail"}`,
		`{"Action":"start","Package":"example.com/calc"}`,
		`{"Action":"output","Package":"example.com/calc","Output":"FAIL\texample.com/calc [build failed]\n"}`,
		`{"Action":"fail","Package":"example.com/calc","Elapsed":0}`,
	)
	runner := &scriptedRunner{stdout: stdout, exitCode: 1}
	s := &GoSuite{Root: "/src", ProfileDir: t.TempDir(), Runner: runner}

	exec, err := s.Run(context.Background(), tc)
	require.NoError(t, err, "a missing profile is not fatal")
	assert.Empty(t, exec.Profiles)

	_, err = exec.Gate()
	var gate *core.GateFailure
	require.ErrorAs(t, err, &gate)
	require.Len(t, gate.Violations, 2)
	assert.Equal(t, "test/package-failed", gate.Violations[0].RuleID)
	assert.Contains(t, gate.Violations[0].Message+gate.Violations[1].Message, "undefined: Mul")
}

func TestGate_NonZeroExitWithoutEvents(t *testing.T) {
	_, err := Execution{ExitCode: 2, Stray: "go: cannot find main module\n"}.Gate()
	var gate *core.GateFailure
	require.ErrorAs(t, err, &gate)
	assert.Equal(t, "test/error", gate.Violations[0].RuleID)
	assert.Contains(t, gate.Violations[0].Message, "cannot find main module")
}

func TestDecode_InterruptedTest(t *testing.T) {
	tests, _, _ := decode([]byte(jsonLines(
		`{"Action":"run","Package":"p","Test":"TestHang"}`,
		`not json at all`,
	)))
	require.Len(t, tests, 1)
	assert.Equal(t, StatusRunning, tests[0].Status)

	_, err := Execution{Tests: tests, ExitCode: 1}.Gate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not finish")
}
