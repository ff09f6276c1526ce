// Package publish pushes assembled artifacts to a repository in two
// phases: everything is staged under the run id, then committed at once.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"gateci/internal/core"
)

var (
	// ErrReleaseExists is returned when a file of the release is already
	// published. Releases are never overwritten.
	ErrReleaseExists = errors.New("release already published")
	// ErrNothingStaged is returned by Commit for an unknown or empty staging
	// area.
	ErrNothingStaged = errors.New("nothing staged")
)

// Repository stores published files under slash-separated relative paths.
type Repository interface {
	// Exists reports whether rel is published.
	Exists(ctx context.Context, rel string) (bool, error)
	// Stage stores a file in the staging area of run. Staged files are not
	// visible until Commit.
	Stage(ctx context.Context, run, rel string, r io.Reader) error
	// Commit publishes everything staged for run, or nothing.
	Commit(ctx context.Context, run string) error
	// Abort discards the staging area of run.
	Abort(ctx context.Context, run string) error
}

// Open returns the repository for a destination URL: file:///path for a
// local directory, http(s)://host[/prefix] for a gateci server.
func Open(destination string) (Repository, error) {
	if destination == "" {
		return nil, &core.ConfigurationError{Reason: "publish.destination is not set"}
	}
	u, err := url.Parse(destination)
	if err != nil {
		return nil, &core.ConfigurationError{Reason: "publish.destination", Err: err}
	}
	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return nil, &core.ConfigurationError{Reason: fmt.Sprintf("publish.destination %q has no path", destination)}
		}
		return NewFileRepository(filepath.FromSlash(u.Path)), nil
	case "http", "https":
		return NewHTTPRepository(destination, nil), nil
	default:
		return nil, &core.ConfigurationError{Reason: fmt.Sprintf("publish.destination scheme %q is not supported", u.Scheme)}
	}
}

// Coordinates place a release in the repository.
type Coordinates struct {
	Group   string
	Name    string
	Version string
}

// Dir is <group as dirs>/<name>/<version>.
func (c Coordinates) Dir() string {
	parts := strings.Split(c.Group, ".")
	parts = append(parts, c.Name, c.Version)
	return path.Join(parts...)
}

// Validate requires every coordinate.
func (c Coordinates) Validate() error {
	if c.Group == "" || c.Name == "" || c.Version == "" {
		return fmt.Errorf("incomplete coordinates %q:%q:%q", c.Group, c.Name, c.Version)
	}
	return nil
}

// CheckRel rejects paths that escape the repository root.
func CheckRel(rel string) error {
	if rel == "" || strings.HasPrefix(rel, "/") || !filepath.IsLocal(filepath.FromSlash(rel)) {
		return fmt.Errorf("invalid repository path %q", rel)
	}
	return nil
}

// CheckRun accepts run ids as issued by the pipeline.
func CheckRun(run string) error {
	if _, err := uuid.Parse(run); err != nil {
		return fmt.Errorf("invalid run id %q", run)
	}
	return nil
}
