package pipeline

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"gateci/internal/artifact"
	"gateci/internal/blockchain"
	"gateci/internal/core"
	"gateci/internal/coverage"
	"gateci/internal/report"
	"gateci/internal/security"
	"gateci/internal/storage"
	"gateci/pkg/utils"
)

// Runner ties together Pipeline + Scheduler + report storage + ledger.
type Runner struct {
	Pipeline *Pipeline
	Reports  *storage.ReportStorage
	// Ledger is nil unless ledger.enabled.
	Ledger    *blockchain.Ledger
	Key       ed25519.PrivateKey
	Observers []core.Observer
}

// NewRunner opens the report storage and, when enabled, the ledger and its
// signing key.
func NewRunner(p *Pipeline) (*Runner, error) {
	cfg := p.Config
	r := &Runner{
		Pipeline: p,
		Reports:  storage.NewReportStorage(cfg.Path(cfg.Reports.Dir)),
	}
	if !cfg.Ledger.Enabled {
		return r, nil
	}
	key, err := security.EnsureKeyPair(cfg.Path(cfg.Ledger.KeysDir))
	if err != nil {
		return nil, &core.ConfigurationError{Reason: "ledger keys", Err: err}
	}
	ledger, err := blockchain.OpenLedger(cfg.Path(cfg.Ledger.Path))
	if err != nil {
		return nil, &core.ConfigurationError{Reason: "open ledger", Err: err}
	}
	r.Ledger, r.Key = ledger, key
	return r, nil
}

// Job is a planned run whose toolchain is already pinned.
type Job struct {
	Run  *core.Run
	plan *core.Plan
}

// Prepare plans target and resolves the toolchain. Everything that can go
// wrong here is a *core.ConfigurationError and nothing has executed yet.
func (r *Runner) Prepare(ctx context.Context, target string) (*Job, error) {
	p := r.Pipeline
	plan, err := p.Plan(target)
	if err != nil {
		return nil, err
	}
	if plan.Has(StageToolchain) {
		if _, err := p.Toolchain.Resolve(ctx); err != nil {
			if !core.IsConfigurationError(err) {
				err = &core.ConfigurationError{Reason: "resolve toolchain", Err: err}
			}
			return nil, err
		}
	}
	return &Job{Run: core.NewRun(target, plan), plan: plan}, nil
}

// Execute runs a prepared job to completion and records its report. Gate
// failures are in the report, not the error.
func (r *Runner) Execute(ctx context.Context, job *Job) (*report.Report, error) {
	p := r.Pipeline
	cfg := p.Config
	run := job.Run

	s := core.NewScheduler(p.Logger.Named("scheduler"))
	if cfg.Scheduler.Workers > 0 {
		s.Workers = cfg.Scheduler.Workers
	} else {
		s.Workers = runtime.NumCPU()
	}
	s.FailFast = cfg.Scheduler.FailFast
	s.Observers = append([]core.Observer{p.Metrics}, r.Observers...)

	logger := p.Logger.With(zap.String("run", run.ID), zap.String("target", run.Target))
	logger.Info("run started", zap.Strings("stages", job.plan.Names()), zap.Int("workers", s.Workers))

	if err := s.Execute(ctx, job.plan, run); err != nil {
		return nil, err
	}
	p.Metrics.RunFinished(run)

	rep := r.report(run)
	paths, err := report.Save(r.Reports, rep)
	if err != nil {
		logger.Error("failed to save reports", zap.Error(err))
	} else if r.Ledger != nil {
		if err := r.record(rep, paths); err != nil {
			logger.Error("failed to record run in ledger", zap.Error(err))
		}
	}

	fields := []zap.Field{zap.Int("exit_code", rep.ExitCode), zap.Duration("elapsed", rep.Finished.Sub(rep.Started))}
	if rep.Passed {
		logger.Info("run passed", fields...)
	} else {
		var failed []string
		for _, res := range run.Failed() {
			failed = append(failed, res.Stage)
		}
		logger.Warn("run failed", append(fields, zap.Strings("failed", failed))...)
	}
	return rep, nil
}

// Run prepares and executes target.
func (r *Runner) Run(ctx context.Context, target string) (*report.Report, error) {
	job, err := r.Prepare(ctx, target)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, job)
}

func (r *Runner) report(run *core.Run) *report.Report {
	rep := report.New(run)
	if summary, err := core.OutputOf[coverage.Summary](run, StageCoverageReport); err == nil {
		gate, _ := run.Result(StageCoverage)
		rep.Coverage = &report.Coverage{
			Summary: summary,
			Minimum: r.Pipeline.Config.Coverage.MinimumRatio,
			Passed:  gate.Status == core.StatusPassed,
		}
	}
	if arts, err := core.OutputOf[[]artifact.Artifact](run, StagePackage); err == nil {
		rep.Artifacts = arts
	}
	if rels, err := core.OutputOf[[]string](run, StagePublish); err == nil {
		rep.Published = rels
	}
	return rep
}

// record appends one signed block per stage, each carrying the hash of the
// stage's saved report. paths are in stage order as returned by report.Save.
func (r *Runner) record(rep *report.Report, paths []string) error {
	if len(paths) < len(rep.Stages) {
		return errors.New("missing stage reports")
	}
	for i, st := range rep.Stages {
		hash, err := utils.HashFile(paths[i])
		if err != nil {
			return fmt.Errorf("hash %s report: %w", st.Stage, err)
		}
		blk, err := r.Ledger.Append(blockchain.Record{
			RunID:      rep.ID,
			Target:     rep.Target,
			Stage:      st.Stage,
			Status:     st.Status.String(),
			ReportPath: paths[i],
			ReportHash: hash,
		}, r.Key)
		if err != nil {
			return err
		}
		r.Pipeline.Logger.Debug("ledger block appended",
			zap.Int("index", blk.Index), zap.String("stage", st.Stage), zap.String("hash", blk.Hash[:16]))
	}
	return nil
}
