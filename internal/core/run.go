package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRunFinalized is returned when a finalized run is modified.
var ErrRunFinalized = errors.New("run is finalized")

// Run owns the stage results and outputs of one pipeline invocation.
// Each stage writes only its own slot.
type Run struct {
	ID       string
	Target   string
	Started  time.Time
	finished time.Time

	mu        sync.RWMutex
	order     []string
	results   map[string]*StageResult
	outputs   map[string]any
	finalized bool
}

// NewRun creates a run with one pending slot per planned stage.
func NewRun(target string, plan *Plan) *Run {
	r := &Run{
		ID:      uuid.NewString(),
		Target:  target,
		Started: time.Now().UTC(),
		results: make(map[string]*StageResult),
		outputs: make(map[string]any),
	}
	if plan != nil {
		for _, s := range plan.order {
			r.order = append(r.order, s.Name)
			r.results[s.Name] = &StageResult{Stage: s.Name, Status: StatusPending}
		}
	}
	return r
}

func (r *Run) start(stage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.slot(stage)
	if err != nil {
		return err
	}
	if res.Status != StatusPending {
		return fmt.Errorf("stage %q already %s", stage, res.Status)
	}
	res.Status = StatusRunning
	return nil
}

// complete stores the terminal result (and output, if passed) for a stage.
func (r *Run) complete(result StageResult, output any) error {
	if !result.Status.Terminal() {
		return fmt.Errorf("stage %q: status %s is not terminal", result.Stage, result.Status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.slot(result.Stage)
	if err != nil {
		return err
	}
	if res.Status.Terminal() {
		return fmt.Errorf("stage %q already %s", result.Stage, res.Status)
	}
	*res = result
	if result.Status == StatusPassed && output != nil {
		r.outputs[result.Stage] = output
	}
	return nil
}

func (r *Run) slot(stage string) (*StageResult, error) {
	if r.finalized {
		return nil, ErrRunFinalized
	}
	res, ok := r.results[stage]
	if !ok {
		return nil, fmt.Errorf("stage %q is not part of run %s", stage, r.ID)
	}
	return res, nil
}

func (r *Run) finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = true
	r.finished = time.Now().UTC()
}

// Finalized reports whether every stage reached a terminal status.
func (r *Run) Finalized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finalized
}

// Finished is zero until the run is finalized.
func (r *Run) Finished() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finished
}

// Result returns a copy of the named stage's result.
func (r *Run) Result(stage string) (StageResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[stage]
	if !ok {
		return StageResult{}, false
	}
	return *res, true
}

// Results returns copies of every result in plan order.
func (r *Run) Results() []StageResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StageResult, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.results[name])
	}
	return out
}

// Output returns what a stage produced. Only passed stages have output.
func (r *Run) Output(stage string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[stage]
	if !ok || res.Status != StatusPassed {
		return nil, false
	}
	out, ok := r.outputs[stage]
	return out, ok
}

// OutputOf fetches a stage output of a known type.
func OutputOf[T any](r *Run, stage string) (T, error) {
	var zero T
	out, ok := r.Output(stage)
	if !ok {
		return zero, fmt.Errorf("no output from stage %q", stage)
	}
	typed, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("stage %q produced %T, want %T", stage, out, zero)
	}
	return typed, nil
}

// Passed reports whether every planned stage passed.
func (r *Run) Passed() bool {
	for _, res := range r.Results() {
		if res.Status != StatusPassed {
			return false
		}
	}
	return true
}

// ExitCode maps the run to the CLI contract: 0 when every required stage
// passed, 1 otherwise.
func (r *Run) ExitCode() int {
	if r.Passed() {
		return 0
	}
	return 1
}

// Failed returns the results that did not pass.
func (r *Run) Failed() []StageResult {
	var out []StageResult
	for _, res := range r.Results() {
		if res.Status == StatusFailed {
			out = append(out, res)
		}
	}
	return out
}
