package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateci/internal/core"
)

func runPlan(t *testing.T, m *Metrics) *core.Run {
	t.Helper()
	pass := func(context.Context, *core.Run) (core.Outcome, error) {
		return core.Outcome{Violations: []core.Violation{{RuleID: "w", Severity: core.SeverityWarning}}}, nil
	}
	fail := func(context.Context, *core.Run) (core.Outcome, error) { return core.Outcome{}, errors.New("boom") }
	plan, err := core.NewPlan([]*core.Stage{
		{Name: "compile", Action: pass},
		{Name: "test", DependsOn: []string{"compile"}, Action: fail},
		{Name: "package", DependsOn: []string{"test"}, Action: pass},
	})
	require.NoError(t, err)

	run := core.NewRun("package", plan)
	s := core.NewScheduler(nil)
	s.Observers = append(s.Observers, m)
	require.NoError(t, s.Execute(context.Background(), plan, run))
	m.RunFinished(run)
	return run
}

func TestObserver(t *testing.T) {
	m := New()
	runPlan(t, m)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StagesTotal.WithLabelValues("compile", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StagesTotal.WithLabelValues("test", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StagesTotal.WithLabelValues("package", "skipped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StagesRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ViolationsTotal.WithLabelValues("compile", "warning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ViolationsTotal.WithLabelValues("test", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("package", "failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.StageDuration), "skipped stages have no duration")
}

func TestInstancesDoNotCollide(t *testing.T) {
	a, b := New(), New()
	a.CoverageRatio.Set(0.5)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CoverageRatio))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.CoverageRatio.Set(0.75)
	path := filepath.Join(t.TempDir(), "gateci.prom")

	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "gateci_coverage_ratio 0.75")
}

func TestHandler(t *testing.T) {
	m := New()
	runPlan(t, m)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `gateci_stages_total{stage="test",status="failed"} 1`))
}
