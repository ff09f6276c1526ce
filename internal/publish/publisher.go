package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"gateci/internal/artifact"
	"gateci/internal/core"
)

// Publisher pushes the artifacts of one run.
type Publisher struct {
	Repo        Repository
	Destination string
	Coordinates Coordinates
	Timeout     time.Duration
	Logger      *zap.Logger
}

// Publish stages every artifact with a .sha256 sidecar, then commits. A
// failure before the commit aborts the staging area so nothing becomes
// visible. All failures are *core.PublishError.
func (p *Publisher) Publish(ctx context.Context, run string, arts []artifact.Artifact) ([]string, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fail := func(err error) ([]string, error) {
		return nil, &core.PublishError{Destination: p.Destination, Err: err}
	}
	if len(arts) == 0 {
		return fail(errors.New("no artifacts to publish"))
	}
	if err := p.Coordinates.Validate(); err != nil {
		return fail(err)
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	dir := p.Coordinates.Dir()
	var rels []string
	for _, a := range arts {
		rel := path.Join(dir, a.Name)
		exists, err := p.Repo.Exists(ctx, rel)
		if err != nil {
			return fail(err)
		}
		if exists {
			return fail(fmt.Errorf("%s: %w", rel, ErrReleaseExists))
		}
		rels = append(rels, rel, rel+".sha256")
	}

	abort := func(cause error) ([]string, error) {
		// abort even when ctx is already done
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := p.Repo.Abort(actx, run); err != nil {
			logger.Warn("abort staging failed", zap.String("run", run), zap.Error(err))
		}
		return fail(cause)
	}

	for _, a := range arts {
		rel := path.Join(dir, a.Name)
		if err := p.stageFile(ctx, run, rel, a.Path); err != nil {
			return abort(fmt.Errorf("stage %s: %w", rel, err))
		}
		sidecar := fmt.Sprintf("%s  %s\n", a.SHA256, a.Name)
		if err := p.Repo.Stage(ctx, run, rel+".sha256", strings.NewReader(sidecar)); err != nil {
			return abort(fmt.Errorf("stage %s.sha256: %w", rel, err))
		}
		logger.Debug("staged", zap.String("run", run), zap.String("path", rel))
	}

	if err := p.Repo.Commit(ctx, run); err != nil {
		return abort(fmt.Errorf("commit: %w", err))
	}
	logger.Info("published",
		zap.String("destination", p.Destination), zap.String("release", dir), zap.Int("files", len(rels)))
	return rels, nil
}

func (p *Publisher) stageFile(ctx context.Context, run, rel, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	return p.Repo.Stage(ctx, run, rel, f)
}
