package format

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateci/internal/core"
)

var allFormatters = []string{
	"imports", "gofmt", "directives",
	"trim-trailing-whitespace", "indent-with-spaces", "end-with-newline",
}

const messyGo = `package demo

import (
	"strings"
	"fmt"
	"os"
)

// go:generate stringer -type=Kind
type Kind int

func Hello(name string) string {
  return fmt.Sprintf("hello %s", strings.TrimSpace(name))
}
`

const cleanGo = `package demo

import "fmt"

func Hello(name string) string {
	return fmt.Sprintf("hello %s", name)
}
`

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func snapshot(t *testing.T, root string, names ...string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for _, n := range names {
		data, err := os.ReadFile(filepath.Join(root, n))
		require.NoError(t, err)
		out[n] = string(data)
	}
	return out
}

func newTestGate(t *testing.T, root string, mode Mode) *Gate {
	t.Helper()
	g, err := NewGate(root, allFormatters, nil, nil, mode, nil)
	require.NoError(t, err)
	return g
}

func TestCheck_ReportsEachDifferingFile(t *testing.T) {
	root := writeProject(t, map[string]string{
		"demo.go":       messyGo,
		"clean/ok.go":   cleanGo,
		".gitignore":    "build/  \n\n\n",
		"settings.toml": "[a]\n\tkey = 1\n",
		"README.md":     "trailing   \n",
	})
	g := newTestGate(t, root, ModeCheck)

	vs, err := g.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, vs, 3)

	assert.Equal(t, ".gitignore", vs[0].Location.File)
	assert.Equal(t, "format/trim-trailing-whitespace", vs[0].RuleID)
	assert.Equal(t, "demo.go", vs[1].Location.File)
	assert.Equal(t, "format/imports", vs[1].RuleID)
	assert.Equal(t, 4, vs[1].Location.Line)
	assert.Equal(t, "settings.toml", vs[2].Location.File)
	assert.Equal(t, 2, vs[2].Location.Line)

	// check mode never touches files
	assert.Equal(t, messyGo, snapshot(t, root, "demo.go")["demo.go"])

	_, err = g.Run(context.Background())
	var gate *core.GateFailure
	require.ErrorAs(t, err, &gate)
	assert.Equal(t, core.FormatViolation, gate.Kind)
}

func TestCheck_CleanTreePasses(t *testing.T) {
	root := writeProject(t, map[string]string{"ok.go": cleanGo, ".gitignore": "build/\n"})
	out, err := newTestGate(t, root, ModeCheck).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out.Violations)
}

func TestApply_IsIdempotent(t *testing.T) {
	files := []string{"demo.go", ".gitignore", "settings.toml"}
	root := writeProject(t, map[string]string{
		"demo.go":       messyGo,
		".gitignore":    "build/  \n\n\n",
		"settings.toml": "[a]\n\tkey = 1",
	})

	g := newTestGate(t, root, ModeApply)
	changed, err := g.Apply(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, files, changed)
	first := snapshot(t, root, files...)

	changed, err = g.Apply(context.Background())
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, first, snapshot(t, root, files...))

	assert.Equal(t, "build/\n", first[".gitignore"])
	assert.Equal(t, "[a]\n    key = 1\n", first["settings.toml"])
	assert.NotContains(t, first["demo.go"], `"os"`)
	assert.Contains(t, first["demo.go"], "//go:generate stringer")
	assert.Contains(t, first["demo.go"], "\treturn fmt.Sprintf")

	vs, err := newTestGate(t, root, ModeCheck).Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestApply_IsIdempotentForDirectiveInsideDocComment(t *testing.T) {
	root := writeProject(t, map[string]string{"a.go": "package a\n\n" +
		"// Kind is a kind.\n// go:generate stringer -type=Kind\n// More words about Kind.\ntype Kind int\n"})

	// gofmt runs before directives here, so a single pass leaves the
	// directive where gofmt would move it
	g := newTestGate(t, root, ModeApply)
	changed, err := g.Apply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, changed)
	first := snapshot(t, root, "a.go")
	assert.Contains(t, first["a.go"], "// More words about Kind.\n//\n//go:generate stringer -type=Kind\ntype Kind int")

	changed, err = g.Apply(context.Background())
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, first, snapshot(t, root, "a.go"))

	vs, err := newTestGate(t, root, ModeCheck).Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, vs)
}

// toggle flips a trailing marker, so it never settles.
type toggle struct{}

func (toggle) ID() string        { return "toggle" }
func (toggle) Targets() []string { return []string{"*.txt"} }
func (toggle) Format(_ string, src []byte) ([]byte, error) {
	if bytes.HasSuffix(src, []byte("!")) {
		return bytes.TrimSuffix(src, []byte("!")), nil
	}
	return append(bytes.Clone(src), '!'), nil
}

func TestCanonical_FailsWhenFormattersDoNotConverge(t *testing.T) {
	g := &Gate{Formatters: []Formatter{toggle{}}}
	_, changedBy, err := g.Canonical("a.txt", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "do not converge")
	assert.Equal(t, []string{"toggle"}, changedBy)
}

func TestApply_KeepsPermissions(t *testing.T) {
	root := writeProject(t, map[string]string{".gitignore": "x \n"})
	path := filepath.Join(root, ".gitignore")
	require.NoError(t, os.Chmod(path, 0o600))

	_, err := newTestGate(t, root, ModeApply).Apply(context.Background())
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFormatterErrorFailsBothModes(t *testing.T) {
	root := writeProject(t, map[string]string{
		"broken.go":  "package broken\nfunc {",
		".gitignore": "x \n",
	})

	vs, err := newTestGate(t, root, ModeCheck).Check(context.Background())
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, "format/error", vs[1].RuleID)

	_, err = newTestGate(t, root, ModeApply).Run(context.Background())
	var gate *core.GateFailure
	require.ErrorAs(t, err, &gate)
	require.Len(t, gate.Violations, 1)
	assert.Equal(t, "broken.go", gate.Violations[0].Location.File)
	// the other file was still formatted
	assert.Equal(t, "x\n", snapshot(t, root, ".gitignore")[".gitignore"])
}

func TestNewGate_UnknownFormatter(t *testing.T) {
	_, err := NewGate(t.TempDir(), []string{"gofmt", "prettier"}, nil, nil, ModeCheck, nil)
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeCheck, m)
	m, err = ParseMode("APPLY")
	require.NoError(t, err)
	assert.Equal(t, ModeApply, m)
	_, err = ParseMode("fix")
	assert.Error(t, err)
}

func TestMiscFormatters(t *testing.T) {
	fs, err := New([]string{"trim-trailing-whitespace", "indent-with-spaces", "end-with-newline"}, []string{"*.toml"})
	require.NoError(t, err)

	src := []byte("a = 1 \t\n\t\tb = 2\n  \tc = 3\n\n\n")
	for _, f := range fs {
		src, err = f.Format("x.toml", src)
		require.NoError(t, err)
	}
	assert.Equal(t, "a = 1\n        b = 2\n      c = 3\n", string(src))
}

func TestDirectivesFormatter(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{in: "// go:generate stringer\n", want: "//go:generate stringer\n"},
		{in: "\t//  nolint:errcheck\n", want: "\t//nolint:errcheck\n"},
		{in: "x() // nolint\n", want: "x() // nolint\n"},
		{in: "// nolint\n", want: "//nolint\n"},
		{in: "// nolint comments must name linters\n", want: "// nolint comments must name linters\n"},
		{in: "// nolintish\n", want: "// nolintish\n"},
	}
	for _, tt := range tests {
		out, err := directivesFormatter{}.Format("a.go", []byte(tt.in))
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(out), tt.in)
	}
}

func TestFirstDifference(t *testing.T) {
	assert.Equal(t, 1, firstDifference([]byte("a\nb"), []byte("x\nb")))
	assert.Equal(t, 2, firstDifference([]byte("a\nb"), []byte("a\nc")))
	assert.Equal(t, 2, firstDifference([]byte("a\n"), []byte("a\nb")))
}
