package analysis

import (
	"context"
	"fmt"
	"go/scanner"
	"go/token"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gateci/internal/core"
	"gateci/internal/sources"
)

const (
	flagRequirePrefix = "require-prefix"
	flagWarnUnneeded  = "warn-unneeded"
)

// nolintPrefix checks suppression directives. With require-prefix a bare
// //nolint (suppressing everything) is an error: the directive must name
// the linters it silences. With warn-unneeded, empty or repeated names are
// reported. "// nolint" with a space is not a directive at all and is
// always reported as a warning.
type nolintPrefix struct {
	requirePrefix bool
	warnUnneeded  bool
}

func newNolintPrefix(cfg Config, _ core.CommandRunner) (Analyzer, error) {
	a := &nolintPrefix{}
	for _, f := range cfg.Flags {
		switch strings.TrimLeft(f, "-") {
		case flagRequirePrefix:
			a.requirePrefix = true
		case flagWarnUnneeded:
			a.warnUnneeded = true
		default:
			return nil, fmt.Errorf("unknown flag %q", f)
		}
	}
	return a, nil
}

func (a *nolintPrefix) ID() string { return "nolint-prefix" }

func (a *nolintPrefix) Analyze(_ context.Context, in Input) ([]core.Violation, error) {
	files, err := sources.GoFiles(in.Root, in.Exclude)
	if err != nil {
		return nil, err
	}
	var out []core.Violation
	for _, rel := range files {
		src, err := os.ReadFile(filepath.Join(in.Root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		out = append(out, a.check(rel, src)...)
	}
	return out, nil
}

func (a *nolintPrefix) check(name string, src []byte) []core.Violation {
	fset := token.NewFileSet()
	file := fset.AddFile(name, -1, len(src))

	var s scanner.Scanner
	// scan errors are the compiler's business
	s.Init(file, src, func(token.Position, string) {}, scanner.ScanComments)

	var out []core.Violation
	for {
		pos, tok, lit := s.Scan()
		if tok == token.EOF {
			break
		}
		if tok != token.COMMENT || !strings.HasPrefix(lit, "//") {
			continue
		}
		p := fset.Position(pos)
		at := core.Location{File: name, Line: p.Line, Column: p.Column}
		text := lit[2:]

		if strings.HasPrefix(strings.TrimSpace(text), "nolint") && !strings.HasPrefix(text, "nolint") {
			out = append(out, core.Violation{
				Location: at, RuleID: "nolint-prefix/malformed", Severity: core.SeverityWarning,
				Message: "malformed directive: write //nolint without a space",
			})
			continue
		}
		if !strings.HasPrefix(text, "nolint") {
			continue
		}

		directive, _, _ := strings.Cut(text, " ")
		names, hasList := strings.CutPrefix(directive, "nolint:")
		switch {
		case directive == "nolint" && a.requirePrefix:
			out = append(out, core.Violation{
				Location: at, RuleID: "nolint-prefix/" + flagRequirePrefix, Severity: core.SeverityError,
				Message: "suppression must name the linters it applies to (//nolint:name)",
			})
		case hasList && a.warnUnneeded:
			out = append(out, unneeded(at, names)...)
		}
	}
	return out
}

func unneeded(at core.Location, list string) []core.Violation {
	var out []core.Violation
	var seen []string
	for _, n := range strings.Split(list, ",") {
		n = strings.TrimSpace(n)
		switch {
		case n == "":
			out = append(out, core.Violation{
				Location: at, RuleID: "nolint-prefix/" + flagWarnUnneeded, Severity: core.SeverityWarning,
				Message: "empty linter name in suppression",
			})
		case slices.Contains(seen, n):
			out = append(out, core.Violation{
				Location: at, RuleID: "nolint-prefix/" + flagWarnUnneeded, Severity: core.SeverityWarning,
				Message: fmt.Sprintf("linter %q suppressed twice", n),
			})
		default:
			seen = append(seen, n)
		}
	}
	return out
}
