// Package scope implements the visibility hierarchy
// Global ⊋ Tenant ⊋ Workflow ⊋ Execution ⊋ Action and the scoped execution
// context threaded through every acquire.
package scope

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Level orders the scope hierarchy by nesting depth. Global is the widest,
// Action the narrowest. Custom hierarchies are siblings of the named ones
// and only contain each other.
type Level int

const (
	LevelGlobal Level = iota
	LevelTenant
	LevelWorkflow
	LevelExecution
	LevelAction
	LevelCustom
)

// Scope is the tagged variant over the visibility hierarchy. Only the field
// matching Level is meaningful; zero value is Global. Scope is an immutable
// value type, safe to copy and share across goroutines.
type Scope struct {
	level      Level
	id         string
	customName string
}

// Global returns the root scope.
func Global() Scope { return Scope{level: LevelGlobal} }

// Tenant returns a scope identifying a tenant.
func Tenant(id string) Scope { return Scope{level: LevelTenant, id: id} }

// Workflow returns a scope identifying a workflow run.
func Workflow(id string) Scope { return Scope{level: LevelWorkflow, id: id} }

// Execution returns a scope identifying one execution of a workflow.
func Execution(id string) Scope { return Scope{level: LevelExecution, id: id} }

// Action returns a scope identifying a single action within an execution.
func Action(id string) Scope { return Scope{level: LevelAction, id: id} }

// Custom returns a scope in an isolated sibling hierarchy named by name.
// Two Custom scopes with different names never contain one another.
func Custom(name, id string) Scope { return Scope{level: LevelCustom, customName: name, id: id} }

// Level reports the scope's position in the hierarchy.
func (s Scope) Level() Level { return s.level }

// ID returns the identifying slot for non-Global scopes.
func (s Scope) ID() string { return s.id }

// CustomName returns the hierarchy name for Custom scopes.
func (s Scope) CustomName() string { return s.customName }

// Contains reports whether s is a (reflexive) ancestor of other: s ⊇ other.
// Containment requires equal levels-or-wider and, for every level s actually
// constrains, equality of the identifying slot. Custom hierarchies only
// contain scopes sharing the same CustomName.
func (s Scope) Contains(other Scope) bool {
	if s.level == LevelCustom || other.level == LevelCustom {
		if s.level != other.level || s.customName != other.customName {
			return false
		}
		return s.id == other.id || s.id == ""
	}
	if s.level > other.level {
		return false
	}
	if s.level == LevelGlobal {
		return true
	}
	return s.id == other.id
}

// Key returns the stable, process-run-independent scope-key string used as a
// hash-map key by pools. It is idempotent and equal across repeated calls.
func (s Scope) Key() string {
	switch s.level {
	case LevelGlobal:
		return "global"
	case LevelTenant:
		return "tenant:" + s.id
	case LevelWorkflow:
		return "workflow:" + s.id
	case LevelExecution:
		return "execution:" + s.id
	case LevelAction:
		return "action:" + s.id
	case LevelCustom:
		return "custom:" + s.customName + ":" + s.id
	default:
		return "unknown"
	}
}

// concurrentMap is a minimal last-write-wins string-keyed map backing
// ScopedContext.Tags and .Metadata: read-mostly shared state guarded by an
// RWMutex, with point-in-time copy snapshots good enough for context
// annotation.
type concurrentMap struct {
	mu sync.RWMutex
	m  map[string]any
}

func newConcurrentMap() *concurrentMap {
	return &concurrentMap{m: make(map[string]any)}
}

func (c *concurrentMap) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *concurrentMap) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
}

func (c *concurrentMap) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}

// ScopedContext is the immutable-by-default execution context threaded
// through every acquire. Tags and Metadata are concurrently mutable shared
// maps; everything else is fixed at construction.
type ScopedContext struct {
	ContextID   string
	Scope       Scope
	TenantID    string
	WorkflowID  string
	ExecutionID string
	ActionID    string
	TraceID     string
	StartedAt   time.Time

	tags     *concurrentMap
	metadata *concurrentMap
}

// New constructs a root ScopedContext at the given scope. spanCtx, if it is
// a valid OpenTelemetry span context, seeds TraceID; no exporter is
// involved, this is API-only trace-id capture.
func New(sc Scope, spanCtx trace.SpanContext) ScopedContext {
	var traceID string
	if spanCtx.IsValid() {
		traceID = spanCtx.TraceID().String()
	}
	return ScopedContext{
		ContextID: uuid.NewString(),
		Scope:     sc,
		TraceID:   traceID,
		StartedAt: time.Now(),
		tags:      newConcurrentMap(),
		metadata:  newConcurrentMap(),
	}
}

// SetTag sets a tag, last-write-wins across concurrent callers.
func (c ScopedContext) SetTag(key, value string) { c.tags.Set(key, value) }

// Tag retrieves a tag previously set with SetTag.
func (c ScopedContext) Tag(key string) (string, bool) {
	v, ok := c.tags.Get(key)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, ok
}

// SetMetadata sets an arbitrary metadata value, last-write-wins.
func (c ScopedContext) SetMetadata(key string, value any) { c.metadata.Set(key, value) }

// Metadata retrieves a metadata value previously set with SetMetadata.
func (c ScopedContext) Metadata(key string) (any, bool) { return c.metadata.Get(key) }

// Tags returns a point-in-time snapshot of all tags.
func (c ScopedContext) Tags() map[string]any { return c.tags.Snapshot() }

// DeriveForAction narrows c to an Action scope for the caller's action_id.
// The parent's identity slots (tenant/workflow/execution IDs, trace id) are
// preserved by shared ownership; a new ContextID is minted and the mutable
// maps are shared with the parent unless the caller later detaches them.
func (c ScopedContext) DeriveForAction(actionID string) ScopedContext {
	derived := c
	derived.ContextID = uuid.NewString()
	derived.ActionID = actionID
	derived.Scope = Action(actionID)
	derived.StartedAt = time.Now()
	return derived
}

// Detach returns a copy of c whose Tags/Metadata maps are independent of the
// parent's, for callers that want isolation instead of the default sharing.
func (c ScopedContext) Detach() ScopedContext {
	detached := c
	detached.tags = newConcurrentMap()
	detached.metadata = newConcurrentMap()
	for k, v := range c.tags.Snapshot() {
		detached.tags.Set(k, v)
	}
	for k, v := range c.metadata.Snapshot() {
		detached.metadata.Set(k, v)
	}
	return detached
}
