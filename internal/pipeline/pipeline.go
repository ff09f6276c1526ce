// Package pipeline declares the gateci stage graph and binds each stage to
// the gate that implements it.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"gateci/internal/analysis"
	"gateci/internal/artifact"
	"gateci/internal/config"
	"gateci/internal/core"
	"gateci/internal/coverage"
	"gateci/internal/format"
	"gateci/internal/metrics"
	"gateci/internal/publish"
	"gateci/internal/testrun"
	"gateci/internal/toolchain"
)

// Stage names.
const (
	StageToolchain      = "toolchain"
	StageCompile        = "compile"
	StageAnalyze        = "analyze"
	StageFormat         = "format"
	StageTest           = "test"
	StageCoverageReport = "coverage-report"
	StageCoverage       = "coverage"
	StagePackage        = "package"
	StagePublish        = "publish"
)

// Targets maps a CLI target to the stages it requires. The plan is their
// dependency closure.
var Targets = map[string][]string{
	"build":        {StageAnalyze, StageFormat},
	"test":         {StageAnalyze, StageFormat, StageCoverage},
	"package":      {StagePackage},
	"publish":      {StagePublish},
	"format-apply": {StageFormat},
}

// FormatApply runs the format stage alone, rewriting files.
const FormatApply = "format-apply"

// TargetNames lists the known targets, sorted.
func TargetNames() []string {
	names := make([]string, 0, len(Targets))
	for name := range Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pipeline holds the gates of one project. Fields may be replaced before
// a run, which is how tests substitute fakes for the go command.
type Pipeline struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Toolchain *toolchain.Provider
	Compiler  analysis.Compiler
	Analyzers *analysis.Set
	Suite     testrun.Suite
	// Repository overrides the one opened from publish.destination.
	Repository publish.Repository
}

// New wires the gates from cfg. Every external command goes through runner.
func New(cfg *config.Config, runner core.CommandRunner, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	set, err := analysis.NewSet(cfg.Analyzers, runner, logger.Named("analyze"))
	if err != nil {
		return nil, err
	}
	root := cfg.Project.Root
	return &Pipeline{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics.New(),
		Toolchain: toolchain.NewProvider(cfg.Toolchain.Version, cfg.Toolchain.Paths, runner, logger.Named("toolchain")),
		Compiler: &analysis.GoCompiler{
			Root:     root,
			Packages: cfg.Compile.Packages,
			Output:   cfg.Path(cfg.Compile.Output),
			Runner:   runner,
			Logger:   logger.Named("compile"),
		},
		Analyzers: set,
		Suite: &testrun.GoSuite{
			Root:       root,
			Packages:   cfg.Test.Packages,
			Flags:      cfg.Test.Flags,
			Timeout:    cfg.Test.Timeout.Duration(),
			ProfileDir: cfg.Path(cfg.Coverage.ReportDir),
			Runner:     runner,
			Logger:     logger.Named("test"),
		},
	}, nil
}

// Stages declares the full graph. mode selects check or apply for the
// format stage.
func (p *Pipeline) Stages(mode format.Mode) ([]*core.Stage, error) {
	gate, err := p.formatGate(mode)
	if err != nil {
		return nil, err
	}
	return []*core.Stage{
		{Name: StageToolchain, Action: p.resolveToolchain},
		{Name: StageCompile, DependsOn: []string{StageToolchain}, Action: p.compile},
		{Name: StageAnalyze, DependsOn: []string{StageCompile}, Action: p.analyze},
		{Name: StageFormat, DependsOn: []string{StageCompile}, Action: formatAction(gate)},
		{Name: StageTest, DependsOn: []string{StageCompile}, Action: p.test},
		{Name: StageCoverageReport, DependsOn: []string{StageTest}, Action: p.coverageReport},
		{Name: StageCoverage, DependsOn: []string{StageCoverageReport}, Action: p.coverage},
		{Name: StagePackage, DependsOn: []string{StageAnalyze, StageFormat, StageTest, StageCoverage}, Action: p.assemble},
		{Name: StagePublish, DependsOn: []string{StagePackage}, Action: p.publish},
	}, nil
}

// Plan validates the graph for a target. Unknown targets, cycles and
// incomplete configuration for the planned stages are ConfigurationErrors.
func (p *Pipeline) Plan(target string) (*core.Plan, error) {
	required, ok := Targets[target]
	if !ok {
		return nil, &core.ConfigurationError{
			Reason: fmt.Sprintf("unknown target %q (want one of %s)", target, strings.Join(TargetNames(), ", ")),
		}
	}

	if target == FormatApply {
		gate, err := p.formatGate(format.ModeApply)
		if err != nil {
			return nil, err
		}
		return core.NewPlan([]*core.Stage{{Name: StageFormat, Action: formatAction(gate)}})
	}

	mode, err := format.ParseMode(p.Config.Format.Mode)
	if err != nil {
		return nil, &core.ConfigurationError{Reason: "format.mode", Err: err}
	}
	stages, err := p.Stages(mode)
	if err != nil {
		return nil, err
	}
	plan, err := core.NewPlan(stages, required...)
	if err != nil {
		return nil, err
	}
	if err := p.checkPlanned(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *Pipeline) checkPlanned(plan *core.Plan) error {
	cfg := p.Config
	if plan.Has(StagePackage) && (cfg.Project.Name == "" || cfg.Project.Version == "") {
		return &core.ConfigurationError{Reason: "project.name and project.version are required to package"}
	}
	if plan.Has(StagePublish) {
		if err := p.coordinates().Validate(); err != nil {
			return &core.ConfigurationError{Reason: "project coordinates", Err: err}
		}
		if p.Repository == nil {
			repo, err := publish.Open(cfg.Publish.Destination)
			if err != nil {
				return err
			}
			p.Repository = repo
		}
	}
	return nil
}

func (p *Pipeline) formatGate(mode format.Mode) (*format.Gate, error) {
	f := p.Config.Format
	return format.NewGate(p.Config.Project.Root, f.Formatters, f.MiscTargets, f.Exclude, mode, p.Logger.Named("format"))
}

func (p *Pipeline) coordinates() publish.Coordinates {
	pr := p.Config.Project
	return publish.Coordinates{Group: pr.Group, Name: pr.Name, Version: pr.Version}
}

// manifest is the configured attributes over the defaults derived from the
// project coordinates.
func (p *Pipeline) manifest() map[string]string {
	pr := p.Config.Project
	attrs := map[string]string{
		"Implementation-Title":   pr.Name,
		"Implementation-Version": pr.Version,
	}
	if pr.Group != "" {
		attrs["Automatic-Module-Name"] = pr.Group + "." + pr.Name
	}
	for k, v := range p.Config.Package.Manifest {
		attrs[k] = v
	}
	return attrs
}

func (p *Pipeline) resolveToolchain(ctx context.Context, _ *core.Run) (core.Outcome, error) {
	tc, err := p.Toolchain.Resolve(ctx)
	if err != nil {
		return core.Outcome{}, err
	}
	return core.Outcome{Output: tc}, nil
}

func (p *Pipeline) compile(ctx context.Context, run *core.Run) (core.Outcome, error) {
	tc, err := core.OutputOf[toolchain.Resolution](run, StageToolchain)
	if err != nil {
		return core.Outcome{}, err
	}
	compiled, vs, err := p.Compiler.Compile(ctx, tc)
	return core.Outcome{Violations: vs, Output: compiled}, err
}

func (p *Pipeline) analyze(ctx context.Context, run *core.Run) (core.Outcome, error) {
	tc, err := core.OutputOf[toolchain.Resolution](run, StageToolchain)
	if err != nil {
		return core.Outcome{}, err
	}
	compiled, err := core.OutputOf[analysis.Compiled](run, StageCompile)
	if err != nil {
		return core.Outcome{}, err
	}
	findings := p.Analyzers.Run(ctx, analysis.Input{
		Root:      p.Config.Project.Root,
		Packages:  p.Config.Compile.Packages,
		Toolchain: tc,
		Compiled:  compiled,
		Exclude:   p.Config.Format.Exclude,
	})
	return findings.Gate()
}

func formatAction(gate *format.Gate) core.Action {
	return func(ctx context.Context, _ *core.Run) (core.Outcome, error) {
		return gate.Run(ctx)
	}
}

func (p *Pipeline) test(ctx context.Context, run *core.Run) (core.Outcome, error) {
	tc, err := core.OutputOf[toolchain.Resolution](run, StageToolchain)
	if err != nil {
		return core.Outcome{}, err
	}
	result, err := p.Suite.Run(ctx, tc)
	if err != nil {
		return core.Outcome{}, err
	}
	return result.Gate()
}

func (p *Pipeline) coverageReport(_ context.Context, run *core.Run) (core.Outcome, error) {
	result, err := core.OutputOf[testrun.Execution](run, StageTest)
	if err != nil {
		return core.Outcome{}, err
	}
	summary := coverage.Compute(p.Config.Project.Name, result.Profiles)
	paths, err := coverage.Write(p.Config.Path(p.Config.Coverage.ReportDir), summary)
	if err != nil {
		return core.Outcome{}, fmt.Errorf("write coverage report: %w", err)
	}
	p.Metrics.CoverageRatio.Set(summary.Overall.Ratio)
	p.Logger.Info("coverage report written",
		zap.Float64("ratio", summary.Overall.Ratio), zap.Strings("files", paths))
	return core.Outcome{Output: summary}, nil
}

func (p *Pipeline) coverage(_ context.Context, run *core.Run) (core.Outcome, error) {
	summary, err := core.OutputOf[coverage.Summary](run, StageCoverageReport)
	if err != nil {
		return core.Outcome{}, err
	}
	return coverage.Threshold{MinimumRatio: p.Config.Coverage.MinimumRatio}.Check(summary)
}

func (p *Pipeline) assemble(ctx context.Context, run *core.Run) (core.Outcome, error) {
	compiled, err := core.OutputOf[analysis.Compiled](run, StageCompile)
	if err != nil {
		return core.Outcome{}, err
	}
	a := &artifact.Assembler{
		Name:     p.Config.Project.Name,
		Version:  p.Config.Project.Version,
		Manifest: p.manifest(),
		Output:   p.Config.Path(p.Config.Package.Output),
		Logger:   p.Logger.Named("package"),
	}
	arts, err := a.Assemble(ctx, artifact.Inputs{
		CompiledDir: compiled.Dir,
		SourceRoot:  p.Config.Project.Root,
		Exclude:     p.Config.Format.Exclude,
	})
	if err != nil {
		return core.Outcome{}, err
	}
	return core.Outcome{Output: arts}, nil
}

func (p *Pipeline) publish(ctx context.Context, run *core.Run) (core.Outcome, error) {
	arts, err := core.OutputOf[[]artifact.Artifact](run, StagePackage)
	if err != nil {
		return core.Outcome{}, err
	}
	pub := &publish.Publisher{
		Repo:        p.Repository,
		Destination: p.Config.Publish.Destination,
		Coordinates: p.coordinates(),
		Timeout:     p.Config.Publish.Timeout.Duration(),
		Logger:      p.Logger.Named("publish"),
	}
	rels, err := pub.Publish(ctx, run.ID, arts)
	if err != nil {
		return core.Outcome{}, err
	}
	return core.Outcome{Output: rels}, nil
}
