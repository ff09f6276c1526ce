// Package sources enumerates the files of the project under verification.
package sources

import (
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
)

// skippedDirs are never descended into, matching what the go command
// ignores plus version-control metadata.
var skippedDirs = map[string]bool{
	".git":     true,
	".hg":      true,
	".svn":     true,
	"vendor":   true,
	"testdata": true,
}

// Set selects project files by glob.
type Set struct {
	Root string
	// Include patterns match the slash-separated path relative to Root or
	// the base name ("*.go", ".gitignore", "docs/*.md").
	Include []string
	Exclude []string
}

// Files returns the matching files relative to Root, sorted.
func (s Set) Files() ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == "." {
				return nil
			}
			name := d.Name()
			if skippedDirs[name] || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || Match(s.Exclude, rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if Match(s.Include, rel) && !Match(s.Exclude, rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

// Match reports whether rel (slash-separated) matches any pattern, either
// as a whole path or by base name.
func Match(patterns []string, rel string) bool {
	base := rel
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		base = rel[i+1:]
	}
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		// "dir/" excludes a whole tree
		if strings.HasSuffix(p, "/") && strings.HasPrefix(rel+"/", p) {
			return true
		}
	}
	return false
}

// GoFiles lists the Go sources under root.
func GoFiles(root string, exclude []string) ([]string, error) {
	return Set{Root: root, Include: []string{"*.go"}, Exclude: exclude}.Files()
}
