package artifact

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/doc"
	"go/format"
	"go/parser"
	"go/token"
	"html"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/mod/modfile"

	"gateci/internal/sources"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// PackageDoc is the rendered documentation of one package.
type PackageDoc struct {
	ImportPath string
	Name       string
	Markdown   []byte
	HTML       []byte
}

// GenerateDocs renders the API documentation of every non-test package
// under root, in import path order. The module path comes from go.mod.
func GenerateDocs(root string, exclude []string) ([]PackageDoc, error) {
	modData, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		return nil, err
	}
	module := modfile.ModulePath(modData)
	if module == "" {
		return nil, fmt.Errorf("%s: no module directive", filepath.Join(root, "go.mod"))
	}

	files, err := sources.GoFiles(root, append(slices.Clone(exclude), "*_test.go"))
	if err != nil {
		return nil, err
	}
	byDir := map[string][]string{}
	var dirs []string
	for _, rel := range files {
		dir := path.Dir(rel)
		if _, ok := byDir[dir]; !ok {
			dirs = append(dirs, dir)
		}
		byDir[dir] = append(byDir[dir], rel)
	}
	slices.Sort(dirs)

	var out []PackageDoc
	for _, dir := range dirs {
		importPath := module
		if dir != "." {
			importPath = module + "/" + dir
		}
		pd, err := packageDoc(root, importPath, byDir[dir])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", importPath, err)
		}
		if pd != nil {
			out = append(out, *pd)
		}
	}
	return out, nil
}

func packageDoc(root, importPath string, rels []string) (*PackageDoc, error) {
	fset := token.NewFileSet()
	var files []*ast.File
	for _, rel := range rels {
		f, err := parser.ParseFile(fset, filepath.Join(root, filepath.FromSlash(rel)), nil, parser.ParseComments)
		if err != nil {
			return nil, err
		}
		// files of another package (build-tagged generators) are left out
		if len(files) > 0 && f.Name.Name != files[0].Name.Name {
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return nil, nil
	}
	p, err := doc.NewFromFiles(fset, files, importPath)
	if err != nil {
		return nil, err
	}

	md := renderMarkdown(fset, p)
	var body bytes.Buffer
	if err := markdown.Convert(md, &body); err != nil {
		return nil, err
	}
	return &PackageDoc{
		ImportPath: importPath,
		Name:       p.Name,
		Markdown:   md,
		HTML:       page(importPath, body.Bytes()),
	}, nil
}

func renderMarkdown(fset *token.FileSet, p *doc.Package) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# package %s\n\n`import %q`\n\n", p.Name, p.ImportPath)
	b.Write(p.Markdown(p.Doc))

	if len(p.Consts)+len(p.Vars) > 0 {
		b.WriteString("\n## Constants and variables\n\n")
		for _, v := range append(slices.Clone(p.Consts), p.Vars...) {
			code(&b, fset, v.Decl)
			b.Write(p.Markdown(v.Doc))
		}
	}
	if len(p.Funcs) > 0 {
		b.WriteString("\n## Functions\n\n")
		for _, f := range p.Funcs {
			function(&b, fset, p, f, "###")
		}
	}
	if len(p.Types) > 0 {
		b.WriteString("\n## Types\n\n")
		for _, t := range p.Types {
			fmt.Fprintf(&b, "### type %s\n\n", t.Name)
			code(&b, fset, t.Decl)
			b.Write(p.Markdown(t.Doc))
			for _, f := range t.Funcs {
				function(&b, fset, p, f, "####")
			}
			for _, m := range t.Methods {
				function(&b, fset, p, m, "####")
			}
		}
	}
	return b.Bytes()
}

func function(b *bytes.Buffer, fset *token.FileSet, p *doc.Package, f *doc.Func, heading string) {
	name := f.Name
	if f.Recv != "" {
		name = "(" + f.Recv + ") " + f.Name
	}
	fmt.Fprintf(b, "%s func %s\n\n", heading, name)
	code(b, fset, f.Decl)
	b.Write(p.Markdown(f.Doc))
}

// code prints a declaration without its doc comment, which is rendered
// separately.
func code(b *bytes.Buffer, fset *token.FileSet, node any) {
	switch d := node.(type) {
	case *ast.FuncDecl:
		c := *d
		c.Doc = nil
		node = &c
	case *ast.GenDecl:
		c := *d
		c.Doc = nil
		node = &c
	}
	var src bytes.Buffer
	if err := format.Node(&src, fset, node); err != nil {
		return
	}
	b.WriteString("\n```go\n")
	b.Write(src.Bytes())
	b.WriteString("\n```\n\n")
}

func page(title string, body []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n</head>\n<body>\n", html.EscapeString(title))
	b.Write(body)
	b.WriteString("</body>\n</html>\n")
	return b.Bytes()
}

// docEntries lays the pages out by import path plus an index.
func docEntries(docs []PackageDoc) []entry {
	if len(docs) == 0 {
		return nil
	}
	var index bytes.Buffer
	index.WriteString("# API documentation\n\n")
	var out []entry
	for _, d := range docs {
		name := strings.ReplaceAll(d.ImportPath, "/", "_") + ".html"
		out = append(out, entry{name: name, data: d.HTML})
		fmt.Fprintf(&index, "- [%s](%s)\n", d.ImportPath, name)
	}
	var body bytes.Buffer
	if err := markdown.Convert(index.Bytes(), &body); err == nil {
		out = append(out, entry{name: "index.html", data: page("API documentation", body.Bytes())})
	}
	return out
}
