package core

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortViolations_StableAndDeduplicated(t *testing.T) {
	in := []Violation{
		{Location: Location{File: "b.go", Line: 2}, RuleID: "vet"},
		{Location: Location{File: "a.go", Line: 10}, RuleID: "vet"},
		{Location: Location{File: "a.go", Line: 2, Column: 5}, RuleID: "nolint"},
		{Location: Location{File: "a.go", Line: 2, Column: 5}, RuleID: "imports"},
		{Location: Location{File: "b.go", Line: 2}, RuleID: "vet"},
	}
	got := SortViolations(in)
	require.Len(t, got, 4)
	assert.Equal(t, "imports", got[0].RuleID)
	assert.Equal(t, "nolint", got[1].RuleID)
	assert.Equal(t, 10, got[2].Location.Line)
	assert.Equal(t, "b.go", got[3].Location.File)
	// input untouched
	assert.Equal(t, "b.go", in[0].Location.File)
}

func TestParseSeverity(t *testing.T) {
	tests := map[string]Severity{
		"info":    SeverityInfo,
		"WARNING": SeverityWarning,
		"warn":    SeverityWarning,
		"error":   SeverityError,
		"":        SeverityError,
	}
	for in, want := range tests {
		got, err := ParseSeverity(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSeverity("fatal")
	assert.Error(t, err)
}

func TestStageResultJSON(t *testing.T) {
	res := StageResult{
		Stage:  "coverage",
		Status: StatusFailed,
		Violations: []Violation{{
			RuleID:   "coverage",
			Severity: SeverityError,
			Message:  "coverage 0.9900 below minimum 1.0000 (shortfall 0.0100)",
		}},
	}
	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"failed"`)
	assert.Contains(t, string(data), `"severity":"error"`)

	var back StageResult
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, res.Status, back.Status)
	assert.Equal(t, res.Violations, back.Violations)
}

func TestLocationString(t *testing.T) {
	assert.Equal(t, "-", Location{}.String())
	assert.Equal(t, "a.go", Location{File: "a.go"}.String())
	assert.Equal(t, "a.go:3", Location{File: "a.go", Line: 3}.String())
	assert.Equal(t, "a.go:3:7", Location{File: "a.go", Line: 3, Column: 7}.String())
}

func TestExecutor_Run(t *testing.T) {
	e := NewExecutor()
	out, err := e.Run(context.Background(), Shell("echo building; echo oops >&2; exit 3"))
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "building\n", string(out.Stdout))
	assert.Equal(t, "oops\n", string(out.Stderr))

	_, err = e.Run(context.Background(), Command{})
	assert.Error(t, err)
}
