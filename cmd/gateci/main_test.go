package main

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateci/internal/blockchain"
	"gateci/internal/config"
	"gateci/internal/core"
	"gateci/internal/pipeline"
	"gateci/internal/pipeline/pipelinetest"
	"gateci/internal/security"
	"gateci/internal/server"
	"gateci/pkg/utils"
)

func gateci(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// writeProject stores the fixture project's configuration as gateci.yaml
// in its root.
func writeProject(t *testing.T, cfg *config.Config) string {
	t.Helper()
	data, err := cfg.YAML()
	require.NoError(t, err)
	path := filepath.Join(cfg.Project.Root, "gateci.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.Equal(t, 1, exitCode(&exitError{code: 1}))
	assert.Equal(t, 2, exitCode(&core.ConfigurationError{Reason: "bad"}))
	assert.Equal(t, 2, exitCode(errors.Join(errors.New("wrapped"), &core.ConfigurationError{Reason: "bad"})))
}

func TestVersion(t *testing.T) {
	code, out, _ := gateci(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "gateci dev\n", out)
}

func TestConfigShow(t *testing.T) {
	path := writeProject(t, pipelinetest.Project(t))
	code, out, _ := gateci(t, "config", "show", "-c", path)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "name: calc")
	assert.Contains(t, out, "minimum_ratio: 1")
}

func TestConfigurationErrorsExitTwo(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "gateci.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("coverage:\n  minimum_ratio: 3\n"), 0o644))

	code, _, stderr := gateci(t, "test", "-c", bad)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "minimum_ratio")

	code, _, _ = gateci(t, "build", "--no-such-flag")
	assert.Equal(t, 2, code)

	code, _, _ = gateci(t, "build", "-c", bad, "--report-format", "html")
	assert.Equal(t, 2, code)
}

func TestFormatApply(t *testing.T) {
	cfg := pipelinetest.Project(t)
	messy := filepath.Join(cfg.Project.Root, "calc.go")
	require.NoError(t, os.WriteFile(messy, []byte("package calc\nfunc Add(a,b int) int{return a+b}\n"), 0o644))
	path := writeProject(t, cfg)

	code, out, _ := gateci(t, "format-apply", "-c", path, "--report-format", "json")
	assert.Equal(t, 0, code, out)
	assert.Contains(t, out, `"target": "format-apply"`)

	data, err := os.ReadFile(messy)
	require.NoError(t, err)
	assert.Equal(t, "package calc\n\nfunc Add(a, b int) int { return a + b }\n", string(data))
}

func TestKeysGenerate(t *testing.T) {
	path := writeProject(t, pipelinetest.Project(t))

	code, out, _ := gateci(t, "keys", "generate", "-c", path)
	require.Equal(t, 0, code)
	assert.Contains(t, out, security.PublicKeyFile)

	code, _, stderr := gateci(t, "keys", "generate", "-c", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "--force")

	code, _, _ = gateci(t, "keys", "generate", "-c", path, "--force")
	assert.Equal(t, 0, code)
}

func TestLedgerVerify(t *testing.T) {
	cfg := pipelinetest.Project(t)
	path := writeProject(t, cfg)

	key, err := security.EnsureKeyPair(cfg.Path(cfg.Ledger.KeysDir))
	require.NoError(t, err)
	ledger, err := blockchain.OpenLedger(cfg.Path(cfg.Ledger.Path))
	require.NoError(t, err)

	reportPath := filepath.Join(t.TempDir(), "compile.json")
	require.NoError(t, os.WriteFile(reportPath, []byte(`{"stage":"compile"}`), 0o644))
	hash, err := utils.HashFile(reportPath)
	require.NoError(t, err)
	run := uuid.NewString()
	_, err = ledger.Append(blockchain.Record{RunID: run, Target: "build", Stage: "compile", Status: "passed", ReportPath: reportPath, ReportHash: hash}, key)
	require.NoError(t, err)

	code, out, _ := gateci(t, "ledger", "verify", "-c", path, "--reports")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "ok: 1 blocks")

	code, out, _ = gateci(t, "ledger", "inspect", "-c", path, "--run", run)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "compile")
	assert.Contains(t, out, "passed")

	require.NoError(t, os.WriteFile(reportPath, []byte(`{"stage":"compile","status":"forged"}`), 0o644))
	code, _, stderr := gateci(t, "ledger", "verify", "-c", path, "--reports")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "was modified")

	// a pair generated after the fact no longer matches the signer
	_, err = security.WriteKeyPair(cfg.Path(cfg.Ledger.KeysDir), true)
	require.NoError(t, err)
	code, _, stderr = gateci(t, "ledger", "verify", "-c", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "untrusted key")
}

func TestSubmit(t *testing.T) {
	serverCfg, err := config.Default()
	require.NoError(t, err)
	serverCfg.Project.Root = t.TempDir()
	s, err := server.New(serverCfg, nil)
	require.NoError(t, err)
	s.Customize = func(p *pipeline.Pipeline) {
		pipelinetest.Fake(p, pipelinetest.Suite{Total: 2, Passing: 1, Lines: 4, Covered: 4})
	}
	ts := httptest.NewServer(s.Handler())
	defer func() {
		ts.Close()
		s.Close()
	}()

	path := writeProject(t, pipelinetest.Project(t))
	code, out, stderr := gateci(t, "submit", "-c", path, "--server", ts.URL, "--target", "test", "--interval", "10ms")
	assert.Equal(t, 1, code, stderr)
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "test")

	code, out, _ = gateci(t, "submit", "-c", path, "--server", ts.URL, "--target", "deploy")
	assert.Equal(t, 2, code)
	assert.Empty(t, out)
}
