package analysis

import (
	"bufio"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gateci/internal/core"
)

// diagnosticLine matches the file:line[:col]: [severity:] message shape
// printed by the go command, vet and most Go linters.
var diagnosticLine = regexp.MustCompile(`^(\S[^:]*?):(\d+)(?::(\d+))?:\s*(?:(error|warning|warn|info|note):\s*)?(.+)$`)

// ParseDiagnostics turns tool output into violations. Lines that do not look
// like diagnostics (package headers, summaries) are ignored. Paths are made
// relative to root.
func ParseDiagnostics(output, root, ruleID string, severity core.Severity) []core.Violation {
	var out []core.Violation
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		m := diagnosticLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		sev := severity
		if m[4] != "" {
			sev, _ = core.ParseSeverity(m[4])
		}
		out = append(out, core.Violation{
			Location: core.Location{File: relPath(root, m[1]), Line: lineNo, Column: col},
			RuleID:   ruleID,
			Severity: sev,
			Message:  strings.TrimSpace(m[5]),
		})
	}
	return out
}

func relPath(root, path string) string {
	if root != "" && filepath.IsAbs(path) {
		if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
			path = rel
		}
	}
	return filepath.ToSlash(filepath.Clean(path))
}
