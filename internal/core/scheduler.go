package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Observer is notified of stage transitions. Calls may come from several
// goroutines at once.
type Observer interface {
	StageStarted(run *Run, stage string)
	StageFinished(run *Run, result StageResult)
}

// Scheduler executes a Plan: every stage once, after all of its
// dependencies are terminal, with at most Workers stages in flight.
type Scheduler struct {
	Workers int
	// FailFast stops starting new stages once a stage failed. Without it
	// independent branches still run so the report is complete.
	FailFast  bool
	Logger    *zap.Logger
	Observers []Observer
}

// NewScheduler creates a scheduler with one worker per CPU.
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Workers: runtime.NumCPU(),
		Logger:  logger,
	}
}

// Execute runs the plan into run and finalizes it. Gate failures are
// recorded on the run, not returned; the error is only for misuse.
func (s *Scheduler) Execute(ctx context.Context, plan *Plan, run *Run) error {
	total := len(plan.order)
	if len(run.order) != total {
		return fmt.Errorf("run %s was not created from this plan", run.ID)
	}

	waiting := make(map[string]int, total)
	var queue []string
	for _, st := range plan.order {
		waiting[st.Name] = len(uniqueDeps(st))
		if waiting[st.Name] == 0 {
			queue = append(queue, st.Name)
		}
	}

	release := func(name string) {
		for _, d := range plan.dependents[name] {
			waiting[d]--
			if waiting[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	completions := make(chan StageResult, total)
	// stages already started finish before a misuse error is returned
	abort := func(err error) error {
		_ = g.Wait()
		return err
	}

	var failedAt string
	done, inFlight := 0, 0
	for done < total {
		// a ready stage stays queued until a worker is free, so fail-fast
		// and cancellation still reach it
		for len(queue) > 0 {
			name := queue[0]
			stage := plan.byName[name]

			if reason := s.skipReason(ctx, run, stage, failedAt); reason != "" {
				queue = queue[1:]
				result := StageResult{Stage: name, Status: StatusSkipped, Reason: reason}
				if err := s.record(run, result, nil); err != nil {
					return abort(err)
				}
				done++
				release(name)
				continue
			}
			if inFlight >= workers {
				break
			}
			queue = queue[1:]
			inFlight++

			if err := run.start(name); err != nil {
				return abort(err)
			}
			s.Logger.Info("stage started", zap.String("run", run.ID), zap.String("stage", name))
			for _, o := range s.Observers {
				o.StageStarted(run, name)
			}
			g.Go(func() error {
				result, output := s.runStage(ctx, run, stage)
				if err := s.record(run, result, output); err != nil {
					s.Logger.Error("cannot record stage result", zap.String("stage", name), zap.Error(err))
				}
				completions <- result
				return nil
			})
		}
		if done == total {
			break
		}

		result := <-completions
		done++
		inFlight--
		if result.Status == StatusFailed && failedAt == "" {
			failedAt = result.Stage
		}
		release(result.Stage)
	}

	_ = g.Wait()
	run.finalize()
	return nil
}

func (s *Scheduler) skipReason(ctx context.Context, run *Run, stage *Stage, failedAt string) string {
	for _, dep := range stage.DependsOn {
		res, _ := run.Result(dep)
		switch res.Status {
		case StatusPassed:
		case StatusFailed:
			return fmt.Sprintf("dependency %q failed", dep)
		default:
			return fmt.Sprintf("dependency %q was skipped", dep)
		}
	}
	if err := ctx.Err(); err != nil {
		return "cancelled: " + err.Error()
	}
	if s.FailFast && failedAt != "" {
		return fmt.Sprintf("pipeline failed at %q", failedAt)
	}
	return ""
}

func (s *Scheduler) runStage(ctx context.Context, run *Run, stage *Stage) (result StageResult, output any) {
	started := time.Now()
	result.Stage = stage.Name

	defer func() {
		if p := recover(); p != nil {
			result.Status = StatusFailed
			result.Error = fmt.Sprintf("panic: %v", p)
			result.Violations = append(result.Violations, Violation{
				RuleID:   stage.Name + "/panic",
				Severity: SeverityError,
				Message:  result.Error,
			})
			output = nil
		}
		result.Violations = SortViolations(result.Violations)
		result.Duration = time.Since(started)
	}()

	outcome, err := stage.Action(ctx, run)
	result.Violations = outcome.Violations
	if err == nil {
		result.Status = StatusPassed
		return result, outcome.Output
	}

	result.Status = StatusFailed
	result.Error = err.Error()
	var gate *GateFailure
	if errors.As(err, &gate) {
		result.Violations = append(result.Violations, gate.Violations...)
	} else {
		result.Violations = append(result.Violations, Violation{
			RuleID:   stage.Name + "/error",
			Severity: SeverityError,
			Message:  err.Error(),
		})
	}
	return result, nil
}

func (s *Scheduler) record(run *Run, result StageResult, output any) error {
	if err := run.complete(result, output); err != nil {
		return err
	}
	fields := []zap.Field{
		zap.String("run", run.ID),
		zap.String("stage", result.Stage),
		zap.Stringer("status", result.Status),
		zap.Duration("duration", result.Duration),
		zap.Int("violations", len(result.Violations)),
	}
	switch result.Status {
	case StatusFailed:
		s.Logger.Warn("stage failed", append(fields, zap.String("error", result.Error))...)
	case StatusSkipped:
		s.Logger.Info("stage skipped", append(fields, zap.String("reason", result.Reason))...)
	default:
		s.Logger.Info("stage passed", fields...)
	}
	for _, o := range s.Observers {
		o.StageFinished(run, result)
	}
	return nil
}

func uniqueDeps(s *Stage) []string {
	seen := make(map[string]bool, len(s.DependsOn))
	var out []string
	for _, d := range s.DependsOn {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}
