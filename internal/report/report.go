// Package report renders a finished run for people (styled text) and for
// tools (JSON, YAML), and keeps it under the reports directory.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gateci/internal/artifact"
	"gateci/internal/core"
	"gateci/internal/coverage"
)

// Format selects a rendering.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts text, json and yaml (or yml).
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown report format %q (want text, json or yaml)", s)
	}
}

// Coverage is the measured line coverage next to the minimum it was held to.
type Coverage struct {
	coverage.Summary `yaml:",inline"`
	Minimum          float64 `json:"minimum" yaml:"minimum"`
	Passed           bool    `json:"passed" yaml:"passed"`
}

// Report is the complete outcome of one run.
type Report struct {
	ID        string              `json:"id" yaml:"id"`
	Target    string              `json:"target" yaml:"target"`
	Started   time.Time           `json:"started" yaml:"started"`
	Finished  time.Time           `json:"finished" yaml:"finished"`
	Passed    bool                `json:"passed" yaml:"passed"`
	ExitCode  int                 `json:"exitCode" yaml:"exitCode"`
	Stages    []core.StageResult  `json:"stages" yaml:"stages"`
	Coverage  *Coverage           `json:"coverage,omitempty" yaml:"coverage,omitempty"`
	Artifacts []artifact.Artifact `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Published []string            `json:"published,omitempty" yaml:"published,omitempty"`
}

// New captures a run. Coverage, artifacts and publications are attached by
// the caller, which knows which stages produce them.
func New(run *core.Run) *Report {
	return &Report{
		ID:       run.ID,
		Target:   run.Target,
		Started:  run.Started,
		Finished: run.Finished(),
		Passed:   run.Passed(),
		ExitCode: run.ExitCode(),
		Stages:   run.Results(),
	}
}

// Stage returns the named stage result.
func (r *Report) Stage(name string) (core.StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return core.StageResult{}, false
}

// Counts tallies stages by status name.
func (r *Report) Counts() map[string]int {
	counts := map[string]int{}
	for _, s := range r.Stages {
		counts[s.Status.String()]++
	}
	return counts
}

// Render writes the report in the given format.
func Render(w io.Writer, r *Report, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case FormatText, "":
		return renderText(w, r)
	default:
		return fmt.Errorf("unknown report format %q", f)
	}
}
