// Package placement implements the Placement Policy: pluggable strategies
// that choose one target node from a prefiltered candidate set.
package placement

import (
	"sort"

	"github.com/taskmesh/core/internal/node"
	"github.com/taskmesh/core/internal/task"
)

// StrategyName identifies a placement strategy by its configuration value.
type StrategyName string

const (
	RoundRobin    StrategyName = "round_robin"
	LeastLoaded   StrategyName = "least_loaded"
	PriorityBased StrategyName = "priority_based"
	ResourceAware StrategyName = "resource_aware"
	Adaptive      StrategyName = "adaptive"
)

// Strategy picks one node from a non-empty candidate set for a task.
// Candidate-set emptiness is handled upstream by the scheduler (spec.md §9
// open question: adaptive never sees an empty set), so implementations may
// assume len(candidates) > 0.
type Strategy interface {
	Select(t task.Task, candidates []node.Node) node.Node
}

// New constructs the Strategy named by the configuration value, defaulting
// to ResourceAware for an unrecognized name.
func New(name StrategyName) Strategy {
	switch name {
	case RoundRobin:
		return roundRobin{}
	case LeastLoaded:
		return leastLoaded{}
	case PriorityBased:
		return priorityBased{}
	case ResourceAware:
		return resourceAware{}
	case Adaptive:
		return adaptive{}
	default:
		return resourceAware{}
	}
}

// sortedByID returns candidates ordered by node id for deterministic tie
// breaking (spec.md §4.4: "ties broken by smallest node-id").
func sortedByID(candidates []node.Node) []node.Node {
	out := make([]node.Node, len(candidates))
	copy(out, candidates)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type roundRobin struct{}

func (roundRobin) Select(_ task.Task, candidates []node.Node) node.Node {
	return sortedByID(candidates)[0]
}

type leastLoaded struct{}

func (leastLoaded) Select(_ task.Task, candidates []node.Node) node.Node {
	best := sortedByID(candidates)
	chosen := best[0]
	for _, n := range best[1:] {
		if n.CurrentLoad < chosen.CurrentLoad {
			chosen = n
		}
	}
	return chosen
}

type priorityBased struct{}

// nodePriority reads capability-key "priority" as a scalar, defaulting to 0.
func nodePriority(n node.Node) float64 {
	if cap, ok := n.Capabilities["priority"]; ok && cap.IsScalar {
		return cap.Scalar
	}
	return 0
}

func (priorityBased) Select(_ task.Task, candidates []node.Node) node.Node {
	ordered := sortedByID(candidates)
	chosen := ordered[0]
	bestFree := 1 - chosen.CurrentLoad
	bestPrio := nodePriority(chosen)
	for _, n := range ordered[1:] {
		free := 1 - n.CurrentLoad
		prio := nodePriority(n)
		if free > bestFree || (free == bestFree && prio > bestPrio) {
			chosen, bestFree, bestPrio = n, free, prio
		}
	}
	return chosen
}

type resourceAware struct{}

func scoreResourceAware(t task.Task, n node.Node) float64 {
	score := 1 - n.CurrentLoad
	for capKey, req := range t.RequiredResources {
		if req.IsNumeric {
			available, ok := n.Resources[capKey]
			if ok && available > 0 {
				score += (available - req.Numeric) / available
			}
			continue
		}
		if cap, ok := n.Capabilities[capKey]; ok && !cap.IsScalar {
			if _, present := cap.Set[req.String]; present {
				score += 0.1
			}
		}
	}
	return score
}

func (resourceAware) Select(t task.Task, candidates []node.Node) node.Node {
	ordered := sortedByID(candidates)
	chosen := ordered[0]
	best := scoreResourceAware(t, chosen)
	for _, n := range ordered[1:] {
		s := scoreResourceAware(t, n)
		if s > best {
			chosen, best = n, s
		}
	}
	return chosen
}

type adaptive struct{}

func (adaptive) Select(t task.Task, candidates []node.Node) node.Node {
	var sum float64
	for _, n := range candidates {
		sum += n.CurrentLoad
	}
	mean := sum / float64(len(candidates))

	switch {
	case mean > 0.7:
		return leastLoaded{}.Select(t, candidates)
	case t.Priority > 5:
		return priorityBased{}.Select(t, candidates)
	default:
		return resourceAware{}.Select(t, candidates)
	}
}
