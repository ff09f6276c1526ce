// Package toolchain resolves and pins the Go SDK used by every stage of a
// run.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"gateci/internal/core"
)

// ErrUnavailable is wrapped by every "no matching toolchain" error.
var ErrUnavailable = errors.New("toolchain unavailable")

// Resolution is the pinned toolchain. Read-only once returned.
type Resolution struct {
	// Version is the Go release without the "go" prefix, e.g. "1.22.3".
	Version string `json:"version" yaml:"version"`
	GoBin   string `json:"goBin" yaml:"goBin"`
	GOROOT  string `json:"goroot" yaml:"goroot"`
}

// Command builds a go invocation for this toolchain.
func (r Resolution) Command(dir string, args ...string) core.Command {
	cmd := core.Command{Args: append([]string{r.GoBin}, args...), Dir: dir}
	if r.GOROOT != "" {
		cmd.Env = []string{"GOROOT=" + r.GOROOT, "GOTOOLCHAIN=local"}
	}
	return cmd
}

// Prober reports the GOVERSION (e.g. "go1.22.3") and GOROOT of a go binary.
type Prober func(ctx context.Context, goBin string) (version, goroot string, err error)

// Provider finds an installed SDK satisfying a version constraint and pins
// it for the rest of the run.
type Provider struct {
	Constraint string
	// Paths are extra go binaries or SDK roots to consider.
	Paths  []string
	Probe  Prober
	Logger *zap.Logger

	mu       sync.Mutex
	done     bool
	resolved Resolution
	err      error
}

// NewProvider returns a provider that probes binaries through runner.
func NewProvider(constraint string, paths []string, runner core.CommandRunner, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Constraint: constraint,
		Paths:      paths,
		Probe:      commandProber(runner),
		Logger:     logger,
	}
}

// Resolve picks the newest candidate satisfying the constraint. Only the
// first call probes; later calls return the pinned result.
func (p *Provider) Resolve(ctx context.Context) (Resolution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return p.resolved, p.err
	}
	p.resolved, p.err = p.resolve(ctx)
	p.done = true
	if p.err == nil {
		p.Logger.Info("toolchain pinned",
			zap.String("version", p.resolved.Version),
			zap.String("go", p.resolved.GoBin))
	}
	return p.resolved, p.err
}

// Pinned returns the resolution without probing.
func (p *Provider) Pinned() (Resolution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.done {
		return Resolution{}, errors.New("toolchain not resolved yet")
	}
	return p.resolved, p.err
}

// Pin fixes the resolution without probing.
func (p *Provider) Pin(r Resolution) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolved, p.err, p.done = r, nil, true
}

func (p *Provider) resolve(ctx context.Context) (Resolution, error) {
	spec := strings.TrimSpace(p.Constraint)
	if spec == "" {
		return Resolution{}, &core.ConfigurationError{Reason: "missing toolchain spec (toolchain.version)"}
	}
	constraint, err := semver.NewConstraint(strings.TrimPrefix(spec, "go"))
	if err != nil {
		return Resolution{}, &core.ConfigurationError{Reason: fmt.Sprintf("invalid toolchain version %q", spec), Err: err}
	}

	var (
		best        Resolution
		bestVersion *semver.Version
		seen        []string
	)
	for _, bin := range p.candidates() {
		goVersion, goroot, err := p.Probe(ctx, bin)
		if err != nil {
			p.Logger.Debug("skipping toolchain candidate", zap.String("go", bin), zap.Error(err))
			continue
		}
		v, err := ParseGoVersion(goVersion)
		if err != nil {
			p.Logger.Debug("unparsable toolchain version", zap.String("go", bin), zap.String("version", goVersion))
			continue
		}
		seen = append(seen, v.String())
		if !constraint.Check(v) {
			continue
		}
		if bestVersion == nil || v.GreaterThan(bestVersion) {
			bestVersion = v
			best = Resolution{Version: v.String(), GoBin: bin, GOROOT: goroot}
		}
	}

	if bestVersion == nil {
		found := "none found"
		if len(seen) > 0 {
			found = "found " + strings.Join(seen, ", ")
		}
		return Resolution{}, &core.ConfigurationError{
			Reason: fmt.Sprintf("no Go toolchain satisfies %q (%s)", spec, found),
			Err:    ErrUnavailable,
		}
	}
	return best, nil
}

// candidates lists go binaries to probe, configured paths first.
func (p *Provider) candidates() []string {
	var out []string
	add := func(path string) {
		if path == "" || slices.Contains(out, path) {
			return
		}
		out = append(out, path)
	}

	for _, path := range p.Paths {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			path = filepath.Join(path, "bin", "go")
		}
		add(path)
	}
	if bin, err := exec.LookPath("go"); err == nil {
		add(bin)
	}
	if root := os.Getenv("GOROOT"); root != "" {
		add(filepath.Join(root, "bin", "go"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		matches, _ := filepath.Glob(filepath.Join(home, "sdk", "go*", "bin", "go"))
		slices.Sort(matches)
		for _, m := range matches {
			add(m)
		}
	}
	return out
}

var goVersionPattern = regexp.MustCompile(`^go(\d+)(?:\.(\d+))?(?:\.(\d+))?((?:rc|beta)\d+)?`)

// ParseGoVersion converts a GOVERSION string ("go1.22", "go1.21.4",
// "go1.23rc1") to semver. Pre-releases become "-rc1".
func ParseGoVersion(s string) (*semver.Version, error) {
	m := goVersionPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil, fmt.Errorf("not a Go version: %q", s)
	}
	minor, patch := m[2], m[3]
	if minor == "" {
		minor = "0"
	}
	if patch == "" {
		patch = "0"
	}
	v := fmt.Sprintf("%s.%s.%s", m[1], minor, patch)
	if m[4] != "" {
		v += "-" + m[4]
	}
	return semver.NewVersion(v)
}

func commandProber(runner core.CommandRunner) Prober {
	return func(ctx context.Context, goBin string) (string, string, error) {
		out, err := runner.Run(ctx, core.Command{Args: []string{goBin, "env", "GOVERSION", "GOROOT"}})
		if err != nil {
			return "", "", err
		}
		if out.ExitCode != 0 {
			return "", "", fmt.Errorf("%s env: exit %d: %s", goBin, out.ExitCode, strings.TrimSpace(out.Combined()))
		}
		lines := strings.Split(strings.TrimSpace(string(out.Stdout)), "\n")
		if len(lines) < 2 {
			return "", "", fmt.Errorf("%s env: unexpected output %q", goBin, out.Stdout)
		}
		return strings.TrimSpace(lines[0]), strings.TrimSpace(lines[1]), nil
	}
}
