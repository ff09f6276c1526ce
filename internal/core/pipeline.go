package core

import (
	"context"
	"fmt"
	"slices"
)

// Outcome is what a stage action hands back to the scheduler.
type Outcome struct {
	// Violations are recorded on the stage result whether or not the stage
	// fails. Warnings below a gate's threshold end up here.
	Violations []Violation
	// Output is made visible to dependent stages once this stage passed.
	Output any
}

// Action does the work of a stage. A nil error passes the stage; a
// *GateFailure or any other error fails it.
type Action func(ctx context.Context, run *Run) (Outcome, error)

// Stage is a unit of pipeline work with declared dependencies.
type Stage struct {
	Name      string
	DependsOn []string
	Action    Action
}

// Plan is a validated, topologically ordered set of stages. Stages are held
// in an arena indexed by name; edges are names.
type Plan struct {
	order      []*Stage
	byName     map[string]*Stage
	dependents map[string][]string
}

// NewPlan validates the declared stages and narrows them to the dependency
// closure of targets (every stage when targets is empty). Duplicate names,
// unknown dependencies, unknown targets and cycles are ConfigurationErrors.
func NewPlan(stages []*Stage, targets ...string) (*Plan, error) {
	byName := make(map[string]*Stage, len(stages))
	index := make(map[string]int, len(stages))
	for i, s := range stages {
		if s == nil || s.Name == "" {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("stage %d has no name", i)}
		}
		if _, dup := byName[s.Name]; dup {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("duplicate stage %q", s.Name)}
		}
		if s.Action == nil {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("stage %q has no action", s.Name)}
		}
		byName[s.Name] = s
		index[s.Name] = i
	}
	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, &ConfigurationError{Reason: fmt.Sprintf("stage %q depends on unknown stage %q", s.Name, dep)}
			}
		}
	}

	sorted, err := topoSort(stages, byName, index)
	if err != nil {
		return nil, err
	}

	wanted, err := closure(byName, targets)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		byName:     make(map[string]*Stage, len(wanted)),
		dependents: make(map[string][]string),
	}
	for _, s := range sorted {
		if !wanted[s.Name] {
			continue
		}
		p.order = append(p.order, s)
		p.byName[s.Name] = s
		for _, dep := range uniqueDeps(s) {
			p.dependents[dep] = append(p.dependents[dep], s.Name)
		}
	}
	return p, nil
}

// Stages returns the planned stages in execution order.
func (p *Plan) Stages() []*Stage {
	return slices.Clone(p.order)
}

// Names returns the planned stage names in execution order.
func (p *Plan) Names() []string {
	names := make([]string, len(p.order))
	for i, s := range p.order {
		names[i] = s.Name
	}
	return names
}

// Has reports whether the plan contains the named stage.
func (p *Plan) Has(name string) bool {
	_, ok := p.byName[name]
	return ok
}

// topoSort is Kahn's algorithm with ties broken by declaration order.
func topoSort(stages []*Stage, byName map[string]*Stage, index map[string]int) ([]*Stage, error) {
	indegree := make(map[string]int, len(stages))
	dependents := make(map[string][]string, len(stages))
	for _, s := range stages {
		// duplicate edges count once
		deps := slices.Compact(slices.Sorted(slices.Values(s.DependsOn)))
		indegree[s.Name] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var ready []string
	for _, s := range stages {
		if indegree[s.Name] == 0 {
			ready = append(ready, s.Name)
		}
	}

	sorted := make([]*Stage, 0, len(stages))
	for len(ready) > 0 {
		slices.SortFunc(ready, func(a, b string) int { return index[a] - index[b] })
		name := ready[0]
		ready = ready[1:]
		sorted = append(sorted, byName[name])
		for _, d := range dependents[name] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(sorted) != len(stages) {
		return nil, CycleError(findCycle(stages, byName, indegree))
	}
	return sorted, nil
}

// findCycle walks the stages Kahn could not order and returns one cycle,
// first member repeated at the end.
func findCycle(stages []*Stage, byName map[string]*Stage, indegree map[string]int) []string {
	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]int)
	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = onPath
		path = append(path, name)
		for _, dep := range byName[name].DependsOn {
			switch state[dep] {
			case onPath:
				start := slices.Index(path, dep)
				cycle = append(slices.Clone(path[start:]), dep)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		return false
	}

	for _, s := range stages {
		if indegree[s.Name] > 0 && state[s.Name] == unvisited && visit(s.Name) {
			return cycle
		}
	}
	return nil
}

func closure(byName map[string]*Stage, targets []string) (map[string]bool, error) {
	wanted := make(map[string]bool, len(byName))
	if len(targets) == 0 {
		for name := range byName {
			wanted[name] = true
		}
		return wanted, nil
	}
	var walk func(name string)
	walk = func(name string) {
		if wanted[name] {
			return
		}
		wanted[name] = true
		for _, dep := range byName[name].DependsOn {
			walk(dep)
		}
	}
	for _, t := range targets {
		if _, ok := byName[t]; !ok {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown target stage %q", t)}
		}
		walk(t)
	}
	return wanted, nil
}
