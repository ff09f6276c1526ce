package format

import (
	"bytes"
	"fmt"
	goformat "go/format"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/tools/imports"
)

// Formatter rewrites one file into its canonical form. It must be
// idempotent: formatting its own output changes nothing.
type Formatter interface {
	ID() string
	// Targets are glob patterns (path or base name) of the files it handles.
	Targets() []string
	Format(path string, src []byte) ([]byte, error)
}

var goTargets = []string{"*.go"}

// DefaultMiscTargets are the non-Go files the misc formatters handle.
var DefaultMiscTargets = []string{".gitattributes", ".gitignore", "*.toml"}

type factory func(misc []string) Formatter

var builtins = map[string]factory{
	"imports":                  func([]string) Formatter { return importsFormatter{} },
	"gofmt":                    func([]string) Formatter { return gofmtFormatter{} },
	"directives":               func([]string) Formatter { return directivesFormatter{} },
	"trim-trailing-whitespace": func(m []string) Formatter { return trimTrailing{targets: m} },
	"indent-with-spaces":       func(m []string) Formatter { return indentWithSpaces{targets: m, width: 4} },
	"end-with-newline":         func(m []string) Formatter { return endWithNewline{targets: m} },
}

// Builtins lists the formatter ids known without registration.
func Builtins() []string {
	ids := make([]string, 0, len(builtins))
	for id := range builtins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// New resolves formatter ids in order.
func New(ids []string, miscTargets []string) ([]Formatter, error) {
	if miscTargets == nil {
		miscTargets = DefaultMiscTargets
	}
	out := make([]Formatter, 0, len(ids))
	for _, id := range ids {
		f, ok := builtins[id]
		if !ok {
			return nil, fmt.Errorf("unknown formatter %q (builtins: %v)", id, Builtins())
		}
		out = append(out, f(miscTargets))
	}
	return out, nil
}

// importsFormatter orders imports and drops unused ones.
type importsFormatter struct{}

func (importsFormatter) ID() string        { return "imports" }
func (importsFormatter) Targets() []string { return goTargets }
func (importsFormatter) Format(path string, src []byte) ([]byte, error) {
	return imports.Process(path, src, &imports.Options{
		Comments:  true,
		TabIndent: true,
		TabWidth:  8,
	})
}

type gofmtFormatter struct{}

func (gofmtFormatter) ID() string        { return "gofmt" }
func (gofmtFormatter) Targets() []string { return goTargets }
func (gofmtFormatter) Format(_ string, src []byte) ([]byte, error) {
	return goformat.Source(src)
}

// misplacedDirective matches "// go:generate", "//   nolint:x" or a bare
// "// nolint" comment that the toolchain and linters would not recognise.
// Prose that merely starts with the word nolint is left alone.
var misplacedDirective = regexp.MustCompile(`(?m)^([ \t]*)//[ \t]+(go:[a-z]|nolint(?::|$))`)

// directivesFormatter puts directive comments in the //name: form.
type directivesFormatter struct{}

func (directivesFormatter) ID() string        { return "directives" }
func (directivesFormatter) Targets() []string { return goTargets }
func (directivesFormatter) Format(_ string, src []byte) ([]byte, error) {
	return misplacedDirective.ReplaceAll(src, []byte("$1//$2")), nil
}

type trimTrailing struct{ targets []string }

func (trimTrailing) ID() string          { return "trim-trailing-whitespace" }
func (t trimTrailing) Targets() []string { return t.targets }
func (trimTrailing) Format(_ string, src []byte) ([]byte, error) {
	return mapLines(src, func(line []byte) []byte {
		return bytes.TrimRight(line, " \t")
	}), nil
}

type indentWithSpaces struct {
	targets []string
	width   int
}

func (indentWithSpaces) ID() string          { return "indent-with-spaces" }
func (t indentWithSpaces) Targets() []string { return t.targets }
func (t indentWithSpaces) Format(_ string, src []byte) ([]byte, error) {
	spaces := strings.Repeat(" ", t.width)
	return mapLines(src, func(line []byte) []byte {
		indent := len(line) - len(bytes.TrimLeft(line, " \t"))
		if bytes.IndexByte(line[:indent], '\t') < 0 {
			return line
		}
		lead := strings.ReplaceAll(string(line[:indent]), "\t", spaces)
		return append([]byte(lead), line[indent:]...)
	}), nil
}

// endWithNewline leaves exactly one trailing newline. Empty files stay
// empty.
type endWithNewline struct{ targets []string }

func (endWithNewline) ID() string          { return "end-with-newline" }
func (t endWithNewline) Targets() []string { return t.targets }
func (endWithNewline) Format(_ string, src []byte) ([]byte, error) {
	trimmed := bytes.TrimRight(src, "\r\n")
	if len(trimmed) == 0 {
		return []byte{}, nil
	}
	out := make([]byte, len(trimmed)+1)
	copy(out, trimmed)
	out[len(trimmed)] = '\n'
	return out, nil
}

// mapLines applies fn to every line, keeping the line terminators.
func mapLines(src []byte, fn func([]byte) []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(src))
	for len(src) > 0 {
		line := src
		var nl []byte
		if i := bytes.IndexByte(src, '\n'); i >= 0 {
			line, nl, src = src[:i], src[i:i+1], src[i+1:]
		} else {
			src = nil
		}
		buf.Write(fn(line))
		buf.Write(nl)
	}
	return buf.Bytes()
}
