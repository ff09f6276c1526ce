package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// stagingDir is hidden from the published tree.
const stagingDir = ".staging"

// FileRepository is a repository in a local directory.
type FileRepository struct {
	Root string
	// commits are serialised so that the overwrite check holds
	mu sync.Mutex
}

func NewFileRepository(root string) *FileRepository {
	return &FileRepository{Root: root}
}

func (r *FileRepository) published(rel string) string {
	return filepath.Join(r.Root, filepath.FromSlash(rel))
}

func (r *FileRepository) staging(run string) string {
	return filepath.Join(r.Root, stagingDir, run)
}

// Open reads a published file.
func (r *FileRepository) Open(rel string) (*os.File, error) {
	if err := CheckRel(rel); err != nil {
		return nil, err
	}
	return os.Open(r.published(rel))
}

func (r *FileRepository) Exists(_ context.Context, rel string) (bool, error) {
	if err := CheckRel(rel); err != nil {
		return false, err
	}
	_, err := os.Stat(r.published(rel))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (r *FileRepository) Stage(ctx context.Context, run, rel string, src io.Reader) error {
	if err := CheckRun(run); err != nil {
		return err
	}
	if err := CheckRel(rel); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := filepath.Join(r.staging(run), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Commit moves every staged file into place. If any target exists nothing
// moves; if a move fails, the files already moved are moved back.
func (r *FileRepository) Commit(_ context.Context, run string) error {
	if err := CheckRun(run); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	base := r.staging(run)
	var rels []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(base, path)
			if err != nil {
				return err
			}
			rels = append(rels, filepath.ToSlash(rel))
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(rels) == 0) {
		return fmt.Errorf("run %s: %w", run, ErrNothingStaged)
	}
	if err != nil {
		return err
	}

	for _, rel := range rels {
		if _, err := os.Stat(r.published(rel)); err == nil {
			return fmt.Errorf("%s: %w", rel, ErrReleaseExists)
		}
	}

	var moved []string
	for _, rel := range rels {
		dst := r.published(rel)
		err := os.MkdirAll(filepath.Dir(dst), 0o755)
		if err == nil {
			err = os.Rename(filepath.Join(base, filepath.FromSlash(rel)), dst)
		}
		if err != nil {
			err = fmt.Errorf("commit %s: %w", rel, err)
			if rerr := r.rollback(base, moved); rerr != nil {
				err = errors.Join(err, rerr)
			}
			return err
		}
		moved = append(moved, rel)
	}
	return os.RemoveAll(base)
}

// rollback moves committed files back into the staging area base.
func (r *FileRepository) rollback(base string, moved []string) error {
	var errs []error
	for _, m := range moved {
		if err := os.Rename(r.published(m), filepath.Join(base, filepath.FromSlash(m))); err != nil {
			errs = append(errs, fmt.Errorf("rollback %s: %w", m, err))
		}
	}
	return errors.Join(errs...)
}

func (r *FileRepository) Abort(_ context.Context, run string) error {
	if err := CheckRun(run); err != nil {
		return err
	}
	return os.RemoveAll(r.staging(run))
}
