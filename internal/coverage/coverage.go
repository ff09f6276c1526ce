// Package coverage derives line coverage from cover profiles and gates the
// run on a minimum ratio.
package coverage

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"golang.org/x/tools/cover"

	"gateci/internal/core"
)

// Report is the line coverage of one module (a Go package) or of the whole
// project.
type Report struct {
	Module       string  `json:"module" yaml:"module"`
	LinesCovered int     `json:"linesCovered" yaml:"linesCovered"`
	LinesTotal   int     `json:"linesTotal" yaml:"linesTotal"`
	Ratio        float64 `json:"ratio" yaml:"ratio"`
}

func newReport(module string, covered, total int) Report {
	r := Report{Module: module, LinesCovered: covered, LinesTotal: total, Ratio: 1}
	if total > 0 {
		r.Ratio = float64(covered) / float64(total)
	}
	return r
}

// Summary is the output of the coverage-report stage.
type Summary struct {
	Overall Report   `json:"overall" yaml:"overall"`
	Modules []Report `json:"modules" yaml:"modules"`
}

// Compute folds block counters into per-package and overall line coverage.
// A line counts once however many blocks span it, and is covered when any
// of them executed.
func Compute(project string, profiles []*cover.Profile) Summary {
	type lines map[int]bool
	byFile := map[string]lines{}
	for _, p := range profiles {
		ls, ok := byFile[p.FileName]
		if !ok {
			ls = lines{}
			byFile[p.FileName] = ls
		}
		for _, b := range p.Blocks {
			if b.NumStmt == 0 {
				continue
			}
			for l := b.StartLine; l <= b.EndLine; l++ {
				ls[l] = ls[l] || b.Count > 0
			}
		}
	}

	type tally struct{ covered, total int }
	byModule := map[string]*tally{}
	var all tally
	for file, ls := range byFile {
		mod := path.Dir(file)
		t, ok := byModule[mod]
		if !ok {
			t = &tally{}
			byModule[mod] = t
		}
		for _, hit := range ls {
			t.total++
			all.total++
			if hit {
				t.covered++
				all.covered++
			}
		}
	}

	s := Summary{Overall: newReport(project, all.covered, all.total)}
	for mod, t := range byModule {
		s.Modules = append(s.Modules, newReport(mod, t.covered, t.total))
	}
	slices.SortFunc(s.Modules, func(a, b Report) int { return strings.Compare(a.Module, b.Module) })
	return s
}

// Write stores coverage.json and coverage.txt in dir and returns their
// paths.
func Write(dir string, s Summary) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	jsonPath := filepath.Join(dir, "coverage.json")
	if err := os.WriteFile(jsonPath, append(data, '\n'), 0o644); err != nil {
		return nil, err
	}

	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "MODULE\tCOVERED\tTOTAL\tRATIO\t")
	for _, r := range s.Modules {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.4f\t\n", r.Module, r.LinesCovered, r.LinesTotal, r.Ratio)
	}
	fmt.Fprintf(tw, "%s (overall)\t%d\t%d\t%.4f\t\n", s.Overall.Module, s.Overall.LinesCovered, s.Overall.LinesTotal, s.Overall.Ratio)
	if err := tw.Flush(); err != nil {
		return nil, err
	}
	txtPath := filepath.Join(dir, "coverage.txt")
	if err := os.WriteFile(txtPath, []byte(b.String()), 0o644); err != nil {
		return nil, err
	}
	return []string{jsonPath, txtPath}, nil
}

// Threshold is the minimum overall ratio, fixed for a run.
type Threshold struct {
	MinimumRatio float64
}

// Validate rejects ratios outside [0, 1].
func (t Threshold) Validate() error {
	if t.MinimumRatio < 0 || t.MinimumRatio > 1 {
		return &core.ConfigurationError{Reason: fmt.Sprintf("coverage.minimum_ratio %v is outside [0, 1]", t.MinimumRatio)}
	}
	return nil
}

// Verdict is the output of the coverage stage.
type Verdict struct {
	Module    string  `json:"module" yaml:"module"`
	Ratio     float64 `json:"ratio" yaml:"ratio"`
	Minimum   float64 `json:"minimum" yaml:"minimum"`
	Shortfall float64 `json:"shortfall,omitempty" yaml:"shortfall,omitempty"`
	Passed    bool    `json:"passed" yaml:"passed"`
}

// Check passes iff the overall ratio is at least the minimum. The failure
// names the measured ratio, the minimum and the shortfall.
func (t Threshold) Check(s Summary) (core.Outcome, error) {
	r := s.Overall
	v := Verdict{Module: r.Module, Ratio: r.Ratio, Minimum: t.MinimumRatio, Passed: r.Ratio >= t.MinimumRatio}
	if v.Passed {
		return core.Outcome{Output: v}, nil
	}
	v.Shortfall = t.MinimumRatio - r.Ratio
	return core.Outcome{Output: v}, &core.GateFailure{
		Kind: core.CoverageBelowThreshold,
		Violations: []core.Violation{{
			Location: core.Location{File: r.Module},
			RuleID:   "coverage/minimum-ratio",
			Severity: core.SeverityError,
			Message: fmt.Sprintf("line coverage %.4f (%d/%d) is below the minimum %.4f: shortfall %.4f",
				r.Ratio, r.LinesCovered, r.LinesTotal, t.MinimumRatio, v.Shortfall),
		}},
	}
}
