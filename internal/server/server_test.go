package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateci/internal/artifact"
	"gateci/internal/config"
	"gateci/internal/core"
	"gateci/internal/pipeline"
	"gateci/internal/pipeline/pipelinetest"
	"gateci/internal/publish"
)

func newTestServer(t *testing.T, ledger bool) (*Server, *httptest.Server) {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Project.Root = t.TempDir()
	cfg.Ledger.Enabled = ledger

	s, err := New(cfg, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func get(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, false)
	var body map[string]string
	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRepository_PublishOverHTTP(t *testing.T) {
	s, ts := newTestServer(t, false)

	dir := t.TempDir()
	zipPath := filepath.Join(dir, "calc-1.2.0.zip")
	require.NoError(t, os.WriteFile(zipPath, []byte("archive"), 0o644))
	arts := []artifact.Artifact{{Kind: artifact.KindPrimary, Name: "calc-1.2.0.zip", Path: zipPath, SHA256: strings.Repeat("b", 64)}}

	pub := &publish.Publisher{
		Repo:        publish.NewHTTPRepository(ts.URL, ts.Client()),
		Destination: ts.URL,
		Coordinates: publish.Coordinates{Group: "com.example", Name: "calc", Version: "1.2.0"},
	}
	rels, err := pub.Publish(context.Background(), uuid.NewString(), arts)
	require.NoError(t, err)
	assert.Equal(t, []string{"com/example/calc/1.2.0/calc-1.2.0.zip", "com/example/calc/1.2.0/calc-1.2.0.zip.sha256"}, rels)

	resp, err := http.Get(ts.URL + "/repository/com/example/calc/1.2.0/calc-1.2.0.zip")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "archive", string(body))

	resp, err = http.Head(ts.URL + "/repository/com/example/calc/1.2.0/calc-1.2.0.zip.sha256")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = pub.Publish(context.Background(), uuid.NewString(), arts)
	var perr *core.PublishError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, publish.ErrReleaseExists)

	_, err = os.Stat(filepath.Join(s.Repo.Root, ".staging"))
	if err == nil {
		entries, _ := os.ReadDir(filepath.Join(s.Repo.Root, ".staging"))
		assert.Empty(t, entries, "no staging left behind")
	}
}

func TestRepository_Routes(t *testing.T) {
	_, ts := newTestServer(t, false)
	run := uuid.NewString()
	do := func(method, path string, body io.Reader) int {
		req, err := http.NewRequest(method, ts.URL+path, body)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/repository/com/example/absent.zip", nil))
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/repository/staging/"+run+"/commit", nil), "nothing staged")
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPut, "/repository/staging/not-a-run/a.zip", strings.NewReader("x")))

	assert.Equal(t, http.StatusCreated, do(http.MethodPut, "/repository/staging/"+run+"/g/a.zip", strings.NewReader("x")))
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/repository/.staging/"+run+"/g/a.zip", nil), "staging is private")
	assert.Equal(t, http.StatusNoContent, do(http.MethodDelete, "/repository/staging/"+run, nil))
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/repository/staging/"+run+"/commit", nil), "aborted")
}

func TestRuns_SubmitAndPublishToItself(t *testing.T) {
	s, ts := newTestServer(t, true)
	s.Customize = func(p *pipeline.Pipeline) {
		pipelinetest.Fake(p, pipelinetest.Suite{Total: 4, Passing: 4, Lines: 10, Covered: 10})
	}

	project := pipelinetest.Project(t)
	project.Publish.Destination = ts.URL
	body, err := project.YAML()
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/runs?target=publish", "application/x-yaml", bytes.NewReader(body))
	require.NoError(t, err)
	var submitted map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode, submitted["error"])
	assert.Equal(t, "running", submitted["status"])

	s.Wait()

	var view RunView
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/runs/"+submitted["id"], &view))
	assert.Equal(t, "finished", view.Status)
	require.NotNil(t, view.Report)
	assert.Equal(t, 0, view.Report.ExitCode)
	assert.Len(t, view.Report.Published, 6)

	rep, err := s.Report(submitted["id"])
	require.NoError(t, err)
	assert.True(t, rep.Passed)

	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/repository/com/example/calc/1.0.0/calc-1.0.0-docs.zip", nil))

	var verified map[string]any
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/ledger/verify", &verified))
	assert.Equal(t, "ok", verified["status"])
	assert.Equal(t, 9.0, verified["blocks"])

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	text, _ := io.ReadAll(metrics.Body)
	metrics.Body.Close()
	assert.Contains(t, string(text), `gateci_runs_total{result="passed",target="publish"} 1`)
}

func TestRuns_Rejected(t *testing.T) {
	s, ts := newTestServer(t, false)
	s.Customize = func(p *pipeline.Pipeline) {
		pipelinetest.Fake(p, pipelinetest.Suite{})
	}
	project := pipelinetest.Project(t)
	valid, err := project.YAML()
	require.NoError(t, err)

	tests := []struct {
		name   string
		target string
		body   string
	}{
		{name: "invalid yaml", target: "test", body: "project: [\n"},
		{name: "invalid ratio", target: "test", body: "coverage:\n  minimum_ratio: 2\n"},
		{name: "unknown target", target: "deploy", body: string(valid)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/runs?target="+tt.target, "application/x-yaml", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/runs/"+uuid.NewString(), nil))
	_, err = s.Report("nope")
	assert.Error(t, err)
}

func TestRuns_FinishedRunsExpire(t *testing.T) {
	s, ts := newTestServer(t, false)
	s.Customize = func(p *pipeline.Pipeline) {
		pipelinetest.Fake(p, pipelinetest.Suite{Total: 1, Passing: 1, Lines: 1, Covered: 1})
	}
	assert.Equal(t, time.Hour, s.Retention)

	body, err := pipelinetest.Project(t).YAML()
	require.NoError(t, err)
	submit := func() string {
		resp, err := http.Post(ts.URL+"/runs?target=build", "application/x-yaml", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		var submitted map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
		return submitted["id"]
	}

	first := submit()
	s.Wait()
	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/runs/"+first, nil))

	s.mu.Lock()
	s.prune(time.Now().Add(30 * time.Minute))
	s.mu.Unlock()
	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/runs/"+first, nil), "still within retention")

	s.mu.Lock()
	s.prune(time.Now().Add(2 * time.Hour))
	s.mu.Unlock()
	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/runs/"+first, nil))

	second := submit()
	s.Wait()
	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/runs/"+second, nil))
}

func TestLedgerVerify_Disabled(t *testing.T) {
	_, ts := newTestServer(t, false)
	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/ledger/verify", nil))
}
