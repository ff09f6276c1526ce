package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad(t *testing.T) {
	rs := NewReportStorage(t.TempDir())
	id := uuid.NewString()

	path, err := rs.Save(id, "coverage-report", ".json", []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(rs.BaseDir, id, "coverage-report.json"), path)

	data, err := rs.Load(id, "coverage-report", ".json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
}

func TestSave_RejectsBadRunID(t *testing.T) {
	rs := NewReportStorage(t.TempDir())
	_, err := rs.Save("../escape", "run", ".json", nil)
	require.Error(t, err)

	_, err = os.Stat(filepath.Join(rs.BaseDir, "..", "escape"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRuns(t *testing.T) {
	rs := NewReportStorage(filepath.Join(t.TempDir(), "reports"))
	ids, err := rs.Runs()
	require.NoError(t, err)
	assert.Empty(t, ids, "a missing base dir has no runs")

	a, b := uuid.NewString(), uuid.NewString()
	for _, id := range []string{a, b} {
		_, err := rs.Save(id, "run", ".json", []byte("{}"))
		require.NoError(t, err)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(rs.BaseDir, "not-a-run"), 0o755))

	ids, err = rs.Runs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, ids)
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"coverage-report": "coverage-report",
		"a/b c":           "abc",
		"..":              "stage",
		"":                "stage",
		"run.summary":     "run.summary",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitize(in), in)
	}
}
