// Package format enforces canonical source formatting by running an ordered
// chain of formatters over the project's files, either reporting files that
// differ from their canonical form (check) or rewriting them (apply).
package format

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"gateci/internal/core"
	"gateci/internal/sources"
)

// Mode selects between reporting and rewriting.
type Mode string

const (
	ModeCheck Mode = "check"
	ModeApply Mode = "apply"
)

// ParseMode accepts check (the default when empty) or apply.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeCheck:
		return ModeCheck, nil
	case ModeApply:
		return ModeApply, nil
	default:
		return "", fmt.Errorf("unknown format mode %q (want check or apply)", s)
	}
}

// Gate runs the formatter chain. Order matters: each formatter's output is
// the next one's input.
type Gate struct {
	Root       string
	Exclude    []string
	Formatters []Formatter
	Mode       Mode
	Logger     *zap.Logger
}

// NewGate resolves the configured formatter ids.
func NewGate(root string, ids, miscTargets, exclude []string, mode Mode, logger *zap.Logger) (*Gate, error) {
	fs, err := New(ids, miscTargets)
	if err != nil {
		return nil, &core.ConfigurationError{Reason: "formatters", Err: err}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{Root: root, Exclude: exclude, Formatters: fs, Mode: mode, Logger: logger}, nil
}

// Files lists every file at least one formatter targets.
func (g *Gate) Files() ([]string, error) {
	var include []string
	for _, f := range g.Formatters {
		include = append(include, f.Targets()...)
	}
	return sources.Set{Root: g.Root, Include: include, Exclude: g.Exclude}.Files()
}

// maxPasses bounds how often the chain is repeated on one file.
const maxPasses = 4

// Canonical runs the chain over one file until a pass changes nothing and
// names the formatters that changed something. A later formatter may undo
// an earlier one's output, so one pass is not always enough.
func (g *Gate) Canonical(rel string, src []byte) ([]byte, []string, error) {
	out := src
	var changedBy []string
	for range maxPasses {
		next, by, err := g.pass(rel, out)
		if err != nil {
			return nil, changedBy, err
		}
		if len(by) == 0 {
			return out, changedBy, nil
		}
		for _, id := range by {
			if !slices.Contains(changedBy, id) {
				changedBy = append(changedBy, id)
			}
		}
		out = next
	}
	return nil, changedBy, fmt.Errorf("formatters %s do not converge after %d passes", strings.Join(changedBy, ", "), maxPasses)
}

func (g *Gate) pass(rel string, src []byte) ([]byte, []string, error) {
	out := src
	var changedBy []string
	for _, f := range g.Formatters {
		if !sources.Match(f.Targets(), rel) {
			continue
		}
		next, err := f.Format(rel, out)
		if err != nil {
			return nil, changedBy, fmt.Errorf("%s: %w", f.ID(), err)
		}
		if !bytes.Equal(next, out) {
			changedBy = append(changedBy, f.ID())
		}
		out = next
	}
	return out, changedBy, nil
}

// Run checks or applies according to Mode.
func (g *Gate) Run(ctx context.Context) (core.Outcome, error) {
	if g.Mode == ModeApply {
		changed, err := g.Apply(ctx)
		return core.Outcome{Output: changed}, err
	}
	vs, err := g.Check(ctx)
	if err != nil {
		return core.Outcome{}, err
	}
	if len(vs) > 0 {
		return core.Outcome{}, &core.GateFailure{Kind: core.FormatViolation, Violations: vs}
	}
	return core.Outcome{}, nil
}

// Check reports one violation per file whose on-disk content differs from
// its canonical form, and one per file a formatter could not handle.
func (g *Gate) Check(ctx context.Context) ([]core.Violation, error) {
	files, err := g.Files()
	if err != nil {
		return nil, err
	}
	var vs []core.Violation
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src, err := os.ReadFile(g.abs(rel))
		if err != nil {
			return nil, err
		}
		canonical, changedBy, err := g.Canonical(rel, src)
		if err != nil {
			vs = append(vs, formatterError(rel, err))
			continue
		}
		if len(changedBy) == 0 {
			continue
		}
		vs = append(vs, core.Violation{
			Location: core.Location{File: rel, Line: firstDifference(src, canonical)},
			RuleID:   "format/" + changedBy[0],
			Severity: core.SeverityError,
			Message:  fmt.Sprintf("not in canonical form (changed by %s); run format-apply", strings.Join(changedBy, ", ")),
		})
	}
	g.Logger.Info("format check finished", zap.Int("files", len(files)), zap.Int("violations", len(vs)))
	return core.SortViolations(vs), nil
}

// Apply rewrites every non-canonical file in place and returns the files it
// changed. A formatter error fails the whole apply, after every other file
// was processed.
func (g *Gate) Apply(ctx context.Context) ([]string, error) {
	files, err := g.Files()
	if err != nil {
		return nil, err
	}
	var changed []string
	var failures []core.Violation
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		path := g.abs(rel)
		src, err := os.ReadFile(path)
		if err != nil {
			return changed, err
		}
		canonical, changedBy, err := g.Canonical(rel, src)
		if err != nil {
			failures = append(failures, formatterError(rel, err))
			continue
		}
		if len(changedBy) == 0 {
			continue
		}
		if err := writeAtomic(path, canonical); err != nil {
			return changed, fmt.Errorf("rewrite %s: %w", rel, err)
		}
		g.Logger.Debug("formatted", zap.String("file", rel), zap.Strings("by", changedBy))
		changed = append(changed, rel)
	}
	g.Logger.Info("format apply finished", zap.Int("files", len(files)), zap.Int("changed", len(changed)))
	if len(failures) > 0 {
		return changed, &core.GateFailure{Kind: core.FormatViolation, Violations: core.SortViolations(failures)}
	}
	return changed, nil
}

func (g *Gate) abs(rel string) string {
	return filepath.Join(g.Root, filepath.FromSlash(rel))
}

func formatterError(rel string, err error) core.Violation {
	return core.Violation{
		Location: core.Location{File: rel},
		RuleID:   "format/error",
		Severity: core.SeverityError,
		Message:  err.Error(),
	}
}

// firstDifference returns the 1-based line of the first difference.
func firstDifference(a, b []byte) int {
	line := 1
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return line
		}
		if a[i] == '\n' {
			line++
		}
	}
	return line
}

// writeAtomic replaces path via a temp file in the same directory, keeping
// the original permissions.
func writeAtomic(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".fmt-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
