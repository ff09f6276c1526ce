// Package storage keeps run reports on disk, one directory per run.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

// ReportStorage manages saving reports to files under BaseDir/<run id>/.
type ReportStorage struct {
	BaseDir string
}

// NewReportStorage creates a new report storage handler
func NewReportStorage(baseDir string) *ReportStorage {
	return &ReportStorage{BaseDir: baseDir}
}

// RunDir is where the reports of one run live.
func (rs *ReportStorage) RunDir(runID string) string {
	return filepath.Join(rs.BaseDir, runID)
}

// Save writes one report file for a run and returns its path. name is
// sanitized; ext is appended as given.
func (rs *ReportStorage) Save(runID, name, ext string, data []byte) (string, error) {
	if _, err := uuid.Parse(runID); err != nil {
		return "", fmt.Errorf("invalid run id %q: %w", runID, err)
	}

	dir := rs.RunDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, sanitize(name)+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads a report written by Save.
func (rs *ReportStorage) Load(runID, name, ext string) ([]byte, error) {
	if _, err := uuid.Parse(runID); err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", runID, err)
	}
	return os.ReadFile(filepath.Join(rs.RunDir(runID), sanitize(name)+ext))
}

// Runs lists the run ids that have reports, sorted.
func (rs *ReportStorage) Runs() ([]string, error) {
	entries, err := os.ReadDir(rs.BaseDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if _, err := uuid.Parse(e.Name()); e.IsDir() && err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// sanitize removes special characters from stage names for filenames
func sanitize(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			clean = append(clean, r)
		}
	}
	if len(clean) == 0 || string(clean) == "." || string(clean) == ".." {
		return "stage"
	}
	return string(clean)
}
