package scope

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestContainsHierarchy(t *testing.T) {
	g := Global()
	ten := Tenant("t1")
	wf := Workflow("w1")

	if !g.Contains(ten) {
		t.Fatalf("expected Global to contain Tenant")
	}
	if ten.Contains(g) {
		t.Fatalf("expected Tenant to not contain Global")
	}
	if !ten.Contains(ten) {
		t.Fatalf("Contains must be reflexive")
	}
	if ten.Contains(wf) {
		t.Fatalf("unrelated tenant/workflow scopes must not contain each other")
	}
}

func TestCustomScopesAreIsolatedSiblings(t *testing.T) {
	a := Custom("cache", "a")
	b := Custom("cache", "b")
	c := Custom("other", "a")

	if a.Contains(b) {
		t.Fatalf("distinct custom ids must not contain each other")
	}
	if a.Contains(c) {
		t.Fatalf("distinct custom hierarchy names must not contain each other")
	}
}

func TestScopeKeyIdempotent(t *testing.T) {
	require := require.New(t)
	s := Execution("e1")
	require.Equal(s.Key(), s.Key())
	require.Equal("global", Global().Key())
	require.Equal("execution:e1", s.Key())
}

func TestDeriveForActionPreservesIdentityNewsContextID(t *testing.T) {
	require := require.New(t)
	parent := New(Workflow("w1"), trace.SpanContext{})
	parent.WorkflowID = "w1"
	parent.SetTag("team", "fraud")

	child := parent.DeriveForAction("a1")

	require.NotEqual(parent.ContextID, child.ContextID)
	require.Equal(parent.WorkflowID, child.WorkflowID)
	require.Equal(LevelAction, child.Scope.Level())

	// mutable maps are shared with the parent unless detached
	v, ok := child.Tag("team")
	require.True(ok)
	require.Equal("fraud", v)

	child.SetTag("new", "value")
	_, ok = parent.Tag("new")
	require.True(ok, "tags must be shared between parent and derived context by default")
}

func TestDetachIsolatesMaps(t *testing.T) {
	require := require.New(t)
	parent := New(Global(), trace.SpanContext{})
	parent.SetTag("k", "v")

	detached := parent.Detach()
	detached.SetTag("k2", "v2")

	_, ok := parent.Tag("k2")
	require.False(ok, "detached context must not leak writes back to parent")
}
