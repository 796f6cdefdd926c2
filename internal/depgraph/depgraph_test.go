package depgraph

import (
	"testing"

	"resourcelife/kind"
)

func mustKind(t *testing.T, name string) kind.ResourceKind {
	k, err := kind.New(name, "v1")
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestTopologicalOrderDependencyFirst(t *testing.T) {
	a, b, c := mustKind(t, "A"), mustKind(t, "B"), mustKind(t, "C")
	g := New()
	if err := g.AddDependency(a, b); err != nil {
		t.Fatal(err)
	}
	if err := g.AddDependency(b, c); err != nil {
		t.Fatal(err)
	}

	order := g.TopologicalOrder()
	pos := map[kind.ResourceKind]int{}
	for i, k := range order {
		pos[k] = i
	}
	if pos[c] > pos[b] || pos[b] > pos[a] {
		t.Fatalf("expected dependency-first order C,B,A, got %v", order)
	}

	shutdown := g.ShutdownOrder()
	if shutdown[0] != a {
		t.Fatalf("expected shutdown order to start with the dependent A, got %v", shutdown)
	}
}

func TestCycleRejected(t *testing.T) {
	a, b := mustKind(t, "A"), mustKind(t, "B")
	g := New()
	if err := g.AddDependency(a, b); err != nil {
		t.Fatalf("A->B should not be a cycle: %v", err)
	}
	err := g.AddDependency(b, a)
	if err == nil {
		t.Fatal("expected B->A to be rejected as a cycle")
	}
	cycleErr, ok := err.(*CycleError)
	if !ok {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if len(cycleErr.Cycle) < 2 {
		t.Fatalf("expected a concrete cycle path, got %v", cycleErr.Cycle)
	}

	// the rejected edge must not persist
	deps := g.Dependencies(b)
	for _, d := range deps {
		if d == a {
			t.Fatal("rejected cyclic edge B->A must not be retained in the graph")
		}
	}
}
