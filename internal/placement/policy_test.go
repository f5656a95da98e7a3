package placement

import (
	"testing"

	"github.com/taskmesh/core/internal/node"
	"github.com/taskmesh/core/internal/task"
)

func nodeWithLoad(id string, load float64) node.Node {
	return node.Node{ID: id, CurrentLoad: load, Capabilities: map[string]node.Capability{}, Resources: map[string]float64{}}
}

func TestNewDefaultsUnknownNameToResourceAware(t *testing.T) {
	if _, ok := New("not_a_real_strategy").(resourceAware); !ok {
		t.Fatal("expected an unrecognized strategy name to default to resourceAware")
	}
	if _, ok := New(ResourceAware).(resourceAware); !ok {
		t.Fatal("expected ResourceAware to construct resourceAware")
	}
	if _, ok := New(RoundRobin).(roundRobin); !ok {
		t.Fatal("expected RoundRobin to construct roundRobin")
	}
	if _, ok := New(LeastLoaded).(leastLoaded); !ok {
		t.Fatal("expected LeastLoaded to construct leastLoaded")
	}
	if _, ok := New(PriorityBased).(priorityBased); !ok {
		t.Fatal("expected PriorityBased to construct priorityBased")
	}
	if _, ok := New(Adaptive).(adaptive); !ok {
		t.Fatal("expected Adaptive to construct adaptive")
	}
}

func TestRoundRobinPicksSmallestNodeID(t *testing.T) {
	cands := []node.Node{nodeWithLoad("zebra", 0), nodeWithLoad("alpha", 0.9)}
	got := roundRobin{}.Select(task.Task{}, cands)
	if got.ID != "alpha" {
		t.Fatalf("expected 'alpha' (smallest id), got %s", got.ID)
	}
}

func TestLeastLoadedPicksLowestLoadBreakingTiesByID(t *testing.T) {
	cands := []node.Node{nodeWithLoad("b", 0.5), nodeWithLoad("a", 0.5), nodeWithLoad("c", 0.1)}
	got := leastLoaded{}.Select(task.Task{}, cands)
	if got.ID != "c" {
		t.Fatalf("expected lowest-load node 'c', got %s", got.ID)
	}

	tied := []node.Node{nodeWithLoad("z", 0.2), nodeWithLoad("a", 0.2)}
	got = leastLoaded{}.Select(task.Task{}, tied)
	if got.ID != "a" {
		t.Fatalf("expected the smallest-id node on an exact load tie ('a' sorts first), got %s", got.ID)
	}
}

func TestPriorityBasedPrefersMoreFreeCapacityThenHigherPriority(t *testing.T) {
	lowPrio := nodeWithLoad("low", 0.8)
	highPrio := nodeWithLoad("high", 0.2)
	highPrio.Capabilities["priority"] = node.Capability{IsScalar: true, Scalar: 9}

	got := priorityBased{}.Select(task.Task{}, []node.Node{lowPrio, highPrio})
	if got.ID != "high" {
		t.Fatalf("expected the node with more free capacity, got %s", got.ID)
	}
}

func TestResourceAwareScoresRequiredNumericResources(t *testing.T) {
	scarce := nodeWithLoad("scarce", 0)
	scarce.Resources["memory_mb"] = 100
	plenty := nodeWithLoad("plenty", 0)
	plenty.Resources["memory_mb"] = 10000

	tk := task.Task{RequiredResources: map[string]task.RequiredResource{
		"memory_mb": {IsNumeric: true, Numeric: 50},
	}}
	got := resourceAware{}.Select(tk, []node.Node{scarce, plenty})
	if got.ID != "plenty" {
		t.Fatalf("expected the node with more spare memory headroom, got %s", got.ID)
	}
}

func TestResourceAwareRewardsMatchingSetCapability(t *testing.T) {
	noGPU := nodeWithLoad("no-gpu", 0)
	withGPU := nodeWithLoad("with-gpu", 0)
	withGPU.Capabilities["gpu"] = node.Capability{Set: map[string]struct{}{"a100": {}}}

	tk := task.Task{RequiredResources: map[string]task.RequiredResource{
		"gpu": {String: "a100"},
	}}
	got := resourceAware{}.Select(tk, []node.Node{noGPU, withGPU})
	if got.ID != "with-gpu" {
		t.Fatalf("expected the node matching the required gpu set-capability, got %s", got.ID)
	}
}

func TestAdaptiveFallsBackToLeastLoadedUnderHighMeanLoad(t *testing.T) {
	cands := []node.Node{nodeWithLoad("a", 0.9), nodeWithLoad("b", 0.8)}
	got := adaptive{}.Select(task.Task{}, cands)
	if got.ID != "b" {
		t.Fatalf("expected least-loaded node 'b' under high contention, got %s", got.ID)
	}
}

func TestAdaptiveUsesPriorityBasedForHighPriorityTasksUnderLowLoad(t *testing.T) {
	lowFree := nodeWithLoad("low-free", 0.6)
	highFree := nodeWithLoad("high-free", 0.1)
	highFree.Capabilities["priority"] = node.Capability{IsScalar: true, Scalar: 5}

	tk := task.Task{Priority: 9}
	got := adaptive{}.Select(tk, []node.Node{lowFree, highFree})
	if got.ID != "high-free" {
		t.Fatalf("expected priority-based pick 'high-free', got %s", got.ID)
	}
}

func TestAdaptiveUsesResourceAwareByDefault(t *testing.T) {
	scarce := nodeWithLoad("scarce", 0.1)
	scarce.Resources["cpu"] = 1
	plenty := nodeWithLoad("plenty", 0.1)
	plenty.Resources["cpu"] = 100

	tk := task.Task{Priority: 1, RequiredResources: map[string]task.RequiredResource{
		"cpu": {IsNumeric: true, Numeric: 0.5},
	}}
	got := adaptive{}.Select(tk, []node.Node{scarce, plenty})
	if got.ID != "plenty" {
		t.Fatalf("expected resource-aware pick 'plenty', got %s", got.ID)
	}
}
