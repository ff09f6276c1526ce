package core

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a stage within one run.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusPassed
	StatusFailed
	StatusSkipped
)

var statusNames = [...]string{"pending", "running", "passed", "failed", "skipped"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusPassed || s == StatusFailed || s == StatusSkipped
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if string(text) == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Severity orders violations. Higher is worse.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity accepts info, warning (or warn) and error, case-insensitive.
func ParseSeverity(name string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "info", "note":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "error", "":
		return SeverityError, nil
	default:
		return SeverityError, fmt.Errorf("unknown severity %q", name)
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Location points into a source file. Line and Column are 1-based; zero
// means unknown.
type Location struct {
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
	Line   int    `json:"line,omitempty" yaml:"line,omitempty"`
	Column int    `json:"column,omitempty" yaml:"column,omitempty"`
}

func (l Location) String() string {
	switch {
	case l.File == "":
		return "-"
	case l.Line == 0:
		return l.File
	case l.Column == 0:
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	default:
		return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
	}
}

func (l Location) compare(other Location) int {
	return cmp.Or(
		cmp.Compare(l.File, other.File),
		cmp.Compare(l.Line, other.Line),
		cmp.Compare(l.Column, other.Column),
	)
}

// Violation is a single reported defect: an analysis finding, a format
// diff, a test failure or a coverage shortfall.
type Violation struct {
	Location Location `json:"location" yaml:"location"`
	RuleID   string   `json:"ruleId" yaml:"ruleId"`
	Severity Severity `json:"severity" yaml:"severity"`
	Message  string   `json:"message" yaml:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s [%s] %s", v.Location, v.Severity, v.RuleID, v.Message)
}

// SortViolations orders violations by location then rule id, dropping exact
// duplicates, so identical input always yields an identical report.
func SortViolations(vs []Violation) []Violation {
	out := slices.Clone(vs)
	slices.SortFunc(out, func(a, b Violation) int {
		return cmp.Or(
			a.Location.compare(b.Location),
			cmp.Compare(a.RuleID, b.RuleID),
			cmp.Compare(a.Severity, b.Severity),
			cmp.Compare(a.Message, b.Message),
		)
	})
	return slices.Compact(out)
}

// StageResult is the outcome of one stage. Immutable once terminal.
type StageResult struct {
	Stage      string        `json:"stage" yaml:"stage"`
	Status     Status        `json:"status" yaml:"status"`
	Violations []Violation   `json:"violations,omitempty" yaml:"violations,omitempty"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	// Reason explains a skip, naming the dependency that caused it.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Worst returns the highest severity among the result's violations and
// false when there are none.
func (r StageResult) Worst() (Severity, bool) {
	if len(r.Violations) == 0 {
		return SeverityInfo, false
	}
	worst := SeverityInfo
	for _, v := range r.Violations {
		worst = max(worst, v.Severity)
	}
	return worst, true
}
