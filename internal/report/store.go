package report

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gateci/internal/storage"
)

// RunFile is the name of the whole-run report in a run directory.
const RunFile = "run"

// Save writes one JSON file per stage, run.json and a plain run.txt under
// the run's directory, returning the paths in that order.
func Save(store *storage.ReportStorage, r *Report) ([]string, error) {
	var paths []string
	for _, st := range r.Stages {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return paths, fmt.Errorf("encode stage %s: %w", st.Stage, err)
		}
		p, err := store.Save(r.ID, st.Stage, ".json", data)
		if err != nil {
			return paths, fmt.Errorf("save stage %s: %w", st.Stage, err)
		}
		paths = append(paths, p)
	}

	var buf bytes.Buffer
	if err := Render(&buf, r, FormatJSON); err != nil {
		return paths, err
	}
	p, err := store.Save(r.ID, RunFile, ".json", buf.Bytes())
	if err != nil {
		return paths, fmt.Errorf("save run report: %w", err)
	}
	paths = append(paths, p)

	buf.Reset()
	if err := Render(&buf, r, FormatText); err != nil {
		return paths, err
	}
	p, err = store.Save(r.ID, RunFile, ".txt", buf.Bytes())
	if err != nil {
		return paths, fmt.Errorf("save run report: %w", err)
	}
	return append(paths, p), nil
}

// Load reads back the run.json of a saved run.
func Load(store *storage.ReportStorage, runID string) (*Report, error) {
	data, err := store.Load(runID, RunFile, ".json")
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode run report %s: %w", runID, err)
	}
	return &r, nil
}
