// Package artifact packages the compiled output, the sources and the
// generated API docs into deterministic archives carrying a manifest.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"go.uber.org/zap"

	"gateci/internal/core"
	"gateci/internal/sources"
	"gateci/pkg/utils"
)

// Kind of artifact.
type Kind string

const (
	KindPrimary Kind = "primary"
	KindSources Kind = "sources"
	KindDocs    Kind = "docs"
)

// ErrEmptyInput marks an input directory with nothing to package.
var ErrEmptyInput = errors.New("no files")

// Artifact is one archive produced by a run.
type Artifact struct {
	Kind     Kind              `json:"kind" yaml:"kind"`
	Name     string            `json:"name" yaml:"name"`
	Path     string            `json:"path" yaml:"path"`
	Size     int64             `json:"size" yaml:"size"`
	SHA256   string            `json:"sha256" yaml:"sha256"`
	BLAKE3   string            `json:"blake3" yaml:"blake3"`
	Manifest map[string]string `json:"manifest" yaml:"manifest"`
}

// Inputs locates what goes into the archives.
type Inputs struct {
	// CompiledDir holds the compile stage's export data.
	CompiledDir string
	SourceRoot  string
	Exclude     []string
}

// Assembler builds <name>-<version>.zip, -sources.zip and -docs.zip.
type Assembler struct {
	Name     string
	Version  string
	Manifest map[string]string
	Output   string
	Logger   *zap.Logger
}

// Assemble produces all three archives or none: on error the archives
// written so far are removed. Every failure is a *core.PackagingError.
func (a *Assembler) Assemble(ctx context.Context, in Inputs) (artifacts []Artifact, err error) {
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if a.Name == "" || a.Version == "" {
		return nil, &core.PackagingError{Input: "project coordinates", Err: errors.New("name and version are required")}
	}
	manifest, err := Manifest(a.Manifest)
	if err != nil {
		return nil, &core.PackagingError{Input: "manifest", Err: err}
	}
	if err := os.MkdirAll(a.Output, 0o755); err != nil {
		return nil, &core.PackagingError{Input: a.Output, Err: err}
	}
	defer func() {
		if err != nil {
			for _, art := range artifacts {
				os.Remove(art.Path)
			}
			artifacts = nil
		}
	}()

	type job struct {
		kind    Kind
		input   string
		entries func() ([]entry, error)
	}
	jobs := []job{
		{KindPrimary, in.CompiledDir, func() ([]entry, error) { return dirEntries(in.CompiledDir) }},
		{KindSources, in.SourceRoot, func() ([]entry, error) { return sourceEntries(in.SourceRoot, in.Exclude) }},
		{KindDocs, in.SourceRoot, func() ([]entry, error) {
			docs, err := GenerateDocs(in.SourceRoot, in.Exclude)
			if err != nil {
				return nil, err
			}
			return docEntries(docs), nil
		}},
	}
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return artifacts, err
		}
		entries, err := j.entries()
		if err == nil && len(entries) == 0 {
			err = ErrEmptyInput
		}
		if err != nil {
			return artifacts, &core.PackagingError{Input: fmt.Sprintf("%s (%s)", j.kind, j.input), Err: err}
		}

		name := a.fileName(j.kind)
		path := filepath.Join(a.Output, name)
		if err := writeArchive(path, manifest, entries); err != nil {
			return artifacts, &core.PackagingError{Input: string(j.kind), Err: err}
		}
		d, err := utils.DigestFile(path)
		if err != nil {
			return artifacts, &core.PackagingError{Input: string(j.kind), Err: err}
		}
		art := Artifact{Kind: j.kind, Name: name, Path: path, Size: d.Size, SHA256: d.SHA256, BLAKE3: d.BLAKE3, Manifest: a.Manifest}
		artifacts = append(artifacts, art)
		logger.Info("artifact assembled",
			zap.String("kind", string(j.kind)), zap.String("path", path),
			zap.Int("entries", len(entries)), zap.Int64("size", d.Size), zap.String("sha256", d.SHA256))
	}
	return artifacts, nil
}

func (a *Assembler) fileName(k Kind) string {
	base := a.Name + "-" + a.Version
	if k == KindPrimary {
		return base + ".zip"
	}
	return base + "-" + string(k) + ".zip"
}

// dirEntries archives every regular file under dir.
func dirEntries(dir string) ([]entry, error) {
	if dir == "" {
		return nil, errors.New("no directory given")
	}
	var out []entry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, entry{name: filepath.ToSlash(rel), path: path})
		return nil
	})
	return out, err
}

func sourceEntries(root string, exclude []string) ([]entry, error) {
	set := sources.Set{
		Root:    root,
		Include: []string{"*.go", "go.mod", "go.sum"},
		Exclude: append(slices.Clone(exclude), "*_test.go"),
	}
	files, err := set.Files()
	if err != nil {
		return nil, err
	}
	out := make([]entry, 0, len(files))
	for _, rel := range files {
		out = append(out, entry{name: rel, path: filepath.Join(root, filepath.FromSlash(rel))})
	}
	return out, nil
}
