// Package analysis compiles the project and runs the configured static
// analyzers against it. Analyzers are opaque: the set only invokes them in
// order and gates on the severity of what they report.
package analysis

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"go.uber.org/zap"

	"gateci/internal/core"
	"gateci/internal/toolchain"
)

// Input is what every analyzer sees.
type Input struct {
	Root      string
	Packages  []string
	Toolchain toolchain.Resolution
	Compiled  Compiled
	Exclude   []string
}

// Analyzer reports violations for a compiled project. The error is reserved
// for an analyzer that could not run at all.
type Analyzer interface {
	ID() string
	Analyze(ctx context.Context, in Input) ([]core.Violation, error)
}

// Config is the per-analyzer configuration.
type Config struct {
	ID string `koanf:"id" yaml:"id"`
	// FailureThreshold is the lowest severity that fails the stage.
	FailureThreshold string `koanf:"failure_threshold" yaml:"failure_threshold"`
	// WarningsAsErrors escalates warnings to errors before gating.
	WarningsAsErrors bool     `koanf:"warnings_as_errors" yaml:"warnings_as_errors"`
	Flags            []string `koanf:"flags" yaml:"flags,omitempty"`
	// Command is a shell command line for the "command" analyzer.
	Command string `koanf:"command" yaml:"command,omitempty"`
	// Severity assigned to diagnostics that do not state one.
	Severity string `koanf:"severity" yaml:"severity,omitempty"`
}

// Factory builds an analyzer from its configuration.
type Factory func(cfg Config, runner core.CommandRunner) (Analyzer, error)

var builtins = map[string]Factory{
	"vet":           newVet,
	"nolint-prefix": newNolintPrefix,
	"command":       newCommand,
}

// Builtins lists the analyzer ids known without registration.
func Builtins() []string {
	ids := make([]string, 0, len(builtins))
	for id := range builtins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type entry struct {
	analyzer  Analyzer
	threshold core.Severity
	escalate  bool
}

// Set runs analyzers in their configured order.
type Set struct {
	entries []entry
	logger  *zap.Logger
}

// NewSet resolves every configured analyzer up front so that an unknown id
// is a configuration error rather than a stage failure. A config with a
// Command but an id that is not built in runs as a command analyzer.
func NewSet(configs []Config, runner core.CommandRunner, logger *zap.Logger) (*Set, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Set{logger: logger}
	seen := make(map[string]bool)
	for _, cfg := range configs {
		if seen[cfg.ID] {
			return nil, &core.ConfigurationError{Reason: fmt.Sprintf("analyzer %q configured twice", cfg.ID)}
		}
		seen[cfg.ID] = true

		factory, ok := builtins[cfg.ID]
		if !ok && cfg.Command != "" {
			factory = newCommand
		}
		if factory == nil {
			return nil, &core.ConfigurationError{Reason: fmt.Sprintf("unknown analyzer %q (builtins: %v)", cfg.ID, Builtins())}
		}
		a, err := factory(cfg, runner)
		if err != nil {
			return nil, &core.ConfigurationError{Reason: fmt.Sprintf("analyzer %q", cfg.ID), Err: err}
		}
		if err := s.add(a, cfg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends an already constructed analyzer.
func (s *Set) Add(a Analyzer, cfg Config) error {
	return s.add(a, cfg)
}

func (s *Set) add(a Analyzer, cfg Config) error {
	threshold, err := core.ParseSeverity(cfg.FailureThreshold)
	if err != nil {
		return &core.ConfigurationError{Reason: fmt.Sprintf("analyzer %q failure threshold", a.ID()), Err: err}
	}
	s.entries = append(s.entries, entry{analyzer: a, threshold: threshold, escalate: cfg.WarningsAsErrors})
	return nil
}

// IDs returns analyzer ids in run order.
func (s *Set) IDs() []string {
	ids := make([]string, len(s.entries))
	for i, e := range s.entries {
		ids[i] = e.analyzer.ID()
	}
	return ids
}

// Findings splits what the analyzers reported by whether it gates.
type Findings struct {
	Warnings []core.Violation
	Failures []core.Violation
}

// Run executes each analyzer in order. Every analyzer runs even after an
// earlier one reported failures.
func (s *Set) Run(ctx context.Context, in Input) Findings {
	var f Findings
	for _, e := range s.entries {
		id := e.analyzer.ID()
		vs, err := e.analyzer.Analyze(ctx, in)
		if err != nil {
			s.logger.Warn("analyzer could not run", zap.String("analyzer", id), zap.Error(err))
			f.Failures = append(f.Failures, core.Violation{
				RuleID:   id + "/error",
				Severity: core.SeverityError,
				Message:  err.Error(),
			})
			continue
		}
		failing := 0
		for _, v := range vs {
			if e.escalate && v.Severity == core.SeverityWarning {
				v.Severity = core.SeverityError
			}
			if v.Severity >= e.threshold {
				f.Failures = append(f.Failures, v)
				failing++
			} else {
				f.Warnings = append(f.Warnings, v)
			}
		}
		s.logger.Info("analyzer finished",
			zap.String("analyzer", id),
			zap.Int("violations", len(vs)),
			zap.Int("failing", failing))
	}
	f.Warnings = core.SortViolations(f.Warnings)
	f.Failures = core.SortViolations(f.Failures)
	return f
}

// Gate converts findings into a stage outcome.
func (f Findings) Gate() (core.Outcome, error) {
	out := core.Outcome{Violations: slices.Clone(f.Warnings)}
	if len(f.Failures) > 0 {
		return out, &core.GateFailure{Kind: core.AnalyzerViolation, Violations: f.Failures}
	}
	return out, nil
}
