// Package resourcelife is the public surface of the resource lifecycle
// management framework: the Manager ties the kind registry, scope resolver,
// pool engine, health supervisor, dependency resolver, and deferred-release
// channel into the acquire/release protocol consumed by workflow/action
// execution code.
package resourcelife

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"resourcelife/config"
	"resourcelife/eventbus"
	"resourcelife/handle"
	"resourcelife/health"
	"resourcelife/internal/depgraph"
	"resourcelife/internal/release"
	"resourcelife/kind"
	"resourcelife/pool"
	"resourcelife/rlerrors"
	"resourcelife/scope"
)

// Manager owns every registered kind, its pools (one per (kind, scope) key
// actually acquired), the dependency graph, the health supervisor, and the
// single deferred-release consumer. Construct one via NewBuilder; there is
// no package-level state, so tests build fresh managers.
type Manager struct {
	log      *zap.Logger
	bus      *eventbus.Bus
	envelope *config.Envelope
	graph    *depgraph.Graph
	health   *health.Supervisor
	release  *release.Channel

	factories sync.Map // kind.ResourceKind -> pool.Factory
	metadata  sync.Map // kind.ResourceKind -> kind.Metadata
	typeMap   sync.Map // reflect.Type -> kind.ResourceKind
	pools     sync.Map // poolKey -> *pool.Pool

	credentialKinds sync.Map // credentialID (string) -> []kind.ResourceKind (stored as any)

	pendingDone sync.Map // instanceID (string) -> chan struct{}

	draining   atomic.Bool
	terminated atomic.Bool
}

// poolKey identifies one (kind, scope) pool.
type poolKey struct {
	Kind     kind.ResourceKind
	ScopeKey string
}

func (k poolKey) String() string { return k.Kind.UniqueKey() + "@" + k.ScopeKey }

// registration is one pending Register call accumulated by a ManagerBuilder
// before Build() validates the whole dependency DAG at once.
type registration struct {
	factory pool.Factory
	typ     reflect.Type
}

// ManagerBuilder accumulates registrations, an event-bus subscriber list, and
// a configuration envelope, then validates the full dependency DAG once at
// Build().
type ManagerBuilder struct {
	log          *zap.Logger
	envelope     *config.Envelope
	registration []registration
	subscribers  []func(eventbus.Event)
	err          error
}

// NewBuilder constructs an empty ManagerBuilder.
func NewBuilder() *ManagerBuilder {
	return &ManagerBuilder{}
}

// WithLogger sets the *zap.Logger every component logs through. A nil or
// never-called WithLogger defaults to zap.NewNop().
func (b *ManagerBuilder) WithLogger(log *zap.Logger) *ManagerBuilder {
	b.log = log
	return b
}

// WithEnvelope sets the per-kind configuration envelope. If never called,
// Build uses config.DefaultEnvelope().
func (b *ManagerBuilder) WithEnvelope(env *config.Envelope) *ManagerBuilder {
	b.envelope = env
	return b
}

// Subscribe attaches fn as an event-bus subscriber wired during manager
// construction.
func (b *ManagerBuilder) Subscribe(fn func(eventbus.Event)) *ManagerBuilder {
	b.subscribers = append(b.subscribers, fn)
	return b
}

// Register queues factory for registration under the kind its Metadata()
// declares. Use the package-level RegisterTyped to also bind a handle type
// for the generic Acquire[H]/WithResource[H] path.
func (b *ManagerBuilder) Register(factory pool.Factory) *ManagerBuilder {
	b.registration = append(b.registration, registration{factory: factory})
	return b
}

// RegisterTyped queues factory for registration and additionally binds H as
// the handle type resolved by Acquire[H]. Declared as a package-level
// function because Go methods cannot carry their own type parameters.
func RegisterTyped[H any](b *ManagerBuilder, factory pool.Factory) *ManagerBuilder {
	b.registration = append(b.registration, registration{
		factory: factory,
		typ:     reflect.TypeOf((*H)(nil)).Elem(),
	})
	return b
}

// Build validates every queued registration's metadata, builds the
// dependency DAG (rejecting cycles), rejects duplicate handle-type
// registration, and returns a ready-to-use Manager. On the first validation
// failure, Build returns that error and no Manager.
func (b *ManagerBuilder) Build() (*Manager, error) {
	if b.err != nil {
		return nil, b.err
	}
	log := b.log
	if log == nil {
		log = zap.NewNop()
	}
	env := b.envelope
	if env == nil {
		env = config.DefaultEnvelope()
	}

	m := &Manager{
		log:      log,
		bus:      eventbus.New(),
		envelope: env,
		graph:    depgraph.New(),
	}
	m.health = health.New(log, m.onSustainedUnhealth)
	m.release = release.NewChannel(m.handleRelease)

	for _, sub := range b.subscribers {
		go m.pump(m.bus.Subscribe(), sub)
	}

	for _, reg := range b.registration {
		if err := m.register(reg); err != nil {
			m.release.Close()
			m.bus.Close()
			return nil, err
		}
	}

	return m, nil
}

// pump forwards a Subscription's events to fn until the subscription's
// channel closes (manager shutdown) — the glue between the builder's plain
// func subscribers and the bus's channel-based Subscription.
func (m *Manager) pump(sub *eventbus.Subscription, fn func(eventbus.Event)) {
	for e := range sub.C {
		fn(e)
	}
}

func (m *Manager) register(reg registration) error {
	meta := reg.factory.Metadata()
	if err := meta.Validate(); err != nil {
		return rlerrors.Wrap(rlerrors.Configuration, meta.Kind, "invalid metadata", err)
	}
	if _, exists := m.factories.Load(meta.Kind); exists {
		return rlerrors.New(rlerrors.Configuration, meta.Kind, "kind already registered")
	}

	m.graph.AddNode(meta.Kind)
	for _, dep := range meta.Dependencies {
		if err := m.graph.AddDependency(meta.Kind, dep); err != nil {
			e := rlerrors.Wrap(rlerrors.CircularDependency, meta.Kind, err.Error(), err)
			if ce, ok := err.(*depgraph.CycleError); ok {
				e.Extra = map[string]any{"cycle": ce.Cycle}
			}
			return e
		}
	}

	if reg.typ != nil {
		if existing, dup := m.typeMap.Load(reg.typ); dup && existing.(kind.ResourceKind) != meta.Kind {
			return rlerrors.New(rlerrors.Configuration, meta.Kind,
				fmt.Sprintf("handle type %s is already registered to kind %s", reg.typ, existing.(kind.ResourceKind)))
		}
		m.typeMap.Store(reg.typ, meta.Kind)
	}

	m.factories.Store(meta.Kind, reg.factory)
	m.metadata.Store(meta.Kind, meta)

	for _, cid := range meta.CredentialIDs {
		existing, _ := m.credentialKinds.LoadOrStore(cid, []kind.ResourceKind{})
		kinds := existing.([]kind.ResourceKind)
		m.credentialKinds.Store(cid, append(kinds, meta.Kind))
	}
	return nil
}

// onSustainedUnhealth is the health supervisor's DrainRequester: when a
// (kind, scope) pool's circuit breaker trips open after consecutive probe
// failures, that one pool drains its available entries for replacement.
// Pools of the same kind in other scopes are untouched.
func (m *Manager) onSustainedUnhealth(kindKey, scopeKey, instanceID string) {
	m.pools.Range(func(key, value any) bool {
		pk := key.(poolKey)
		if pk.Kind.UniqueKey() == kindKey && pk.ScopeKey == scopeKey {
			value.(*pool.Pool).DrainAndReplace(context.Background())
			return false
		}
		return true
	})
}

// handleRelease is the deferred-release channel's single consumer: it looks
// up the pool that owns the released instance and performs the actual
// return-to-pool/terminate work off the original caller's goroutine.
func (m *Manager) handleRelease(req release.Request) {
	pk := poolKey{}
	found := false
	m.pools.Range(func(key, value any) bool {
		cand := key.(poolKey)
		if cand.Kind.UniqueKey() == req.KindKey && cand.ScopeKey == req.ScopeKey {
			pk = cand
			found = true
			return false
		}
		return true
	})
	if found {
		if v, ok := m.pools.Load(pk); ok {
			v.(*pool.Pool).Release(context.Background(), req.InstanceID)
		}
	}
	if doneAny, ok := m.pendingDone.Load(req.InstanceID); ok {
		close(doneAny.(chan struct{}))
		m.pendingDone.Delete(req.InstanceID)
	}
}

// getOrCreatePool returns the pool for (k, scopeKey), lazily creating it on
// first use, wiring the health supervisor and the manager's event bus.
func (m *Manager) getOrCreatePool(k kind.ResourceKind, scopeKey string) (*pool.Pool, error) {
	pk := poolKey{Kind: k, ScopeKey: scopeKey}
	if v, ok := m.pools.Load(pk); ok {
		return v.(*pool.Pool), nil
	}

	factoryAny, ok := m.factories.Load(k)
	if !ok {
		return nil, rlerrors.New(rlerrors.Configuration, k, "no factory registered for kind")
	}
	factory := factoryAny.(pool.Factory)

	// An explicit envelope block wins over the factory's own PoolConfig,
	// which in turn wins over the built-in defaults.
	cfg := m.envelope.ForKind(k.UniqueKey()).Pool.ToPoolConfig()
	if cp, ok := factory.(pool.ConfigProvider); ok && !m.envelope.HasKind(k.UniqueKey()) {
		cfg = cp.PoolConfig()
	}
	if cfg.MaxSize == 0 {
		return nil, rlerrors.New(rlerrors.Configuration, k, "pool max_size is 0")
	}

	m.health.RegisterKind(k.UniqueKey(), scopeKey, m.envelope.ForKind(k.UniqueKey()).Health.ToHealthConfig())

	p := pool.New(k, scopeKey, cfg, factory, m.bus, m.log)
	p.SetSupervisor(m.health)

	actual, loaded := m.pools.LoadOrStore(pk, p)
	if loaded {
		// Lost the race to another goroutine creating the same pool;
		// discard ours (it has no entries yet, so Close is cheap) and use
		// theirs to preserve the "exactly one pool per (kind,scope)"
		// invariant.
		p.Close(context.Background())
		return actual.(*pool.Pool), nil
	}
	return p, nil
}

// ensureDependenciesReady is the acquire-time dependency check: every
// declared dependency of k must be able to produce a Ready instance in the
// same scope before k itself is created. A dependency that cannot be
// acquired fails the whole request with DependencyFailure.
func (m *Manager) ensureDependenciesReady(ctx context.Context, k kind.ResourceKind, scopeKey string) error {
	for _, dep := range m.graph.Dependencies(k) {
		depPool, err := m.getOrCreatePool(dep, scopeKey)
		if err != nil {
			e := rlerrors.Wrap(rlerrors.DependencyFailure, k, fmt.Sprintf("dependency %s unavailable", dep), err)
			e.Extra = map[string]any{"dep": dep}
			return e
		}
		entry, err := depPool.Acquire(ctx)
		if err != nil {
			e := rlerrors.Wrap(rlerrors.DependencyFailure, k, fmt.Sprintf("dependency %s not ready", dep), err)
			e.Extra = map[string]any{"dep": dep}
			return e
		}
		depPool.Release(ctx, entry.Instance.InstanceID)
	}
	return nil
}

// acquireEntry is the shared acquire path behind Acquire/AcquireByKind: it
// enforces the Draining refusal, resolves dependencies, and delegates to the
// (kind,scope) pool.
func (m *Manager) acquireEntry(ctx context.Context, k kind.ResourceKind, sctx scope.ScopedContext) (*pool.Entry, *pool.Pool, error) {
	if m.draining.Load() || m.terminated.Load() {
		err := rlerrors.New(rlerrors.Unavailable, k, "manager is shutting down")
		err.Retryable = false
		return nil, nil, err
	}
	scopeKey := sctx.Scope.Key()
	if err := m.ensureDependenciesReady(ctx, k, scopeKey); err != nil {
		return nil, nil, err
	}
	p, err := m.getOrCreatePool(k, scopeKey)
	if err != nil {
		return nil, nil, err
	}
	entry, err := p.Acquire(ctx)
	if err != nil {
		if exh, ok := err.(*pool.ExhaustedError); ok {
			m.bus.Publish(eventbus.Event{Kind: eventbus.PoolExhaust, KindName: k.UniqueKey(), ScopeKey: scopeKey,
				Fields: map[string]any{"current": exh.Current, "max": exh.Max, "waiters": exh.Waiters}})
			e := rlerrors.Wrap(rlerrors.PoolExhausted, k, err.Error(), err)
			e.Extra = map[string]any{"current": exh.Current, "max": exh.Max, "waiters": exh.Waiters}
			return nil, nil, e
		}
		return nil, nil, rlerrors.Wrap(rlerrors.Initialization, k, "factory create failed", err)
	}
	return entry, p, nil
}

// releaseFuncFor returns the ReleaseFunc a Guard posts to on Release/drop:
// it posts onto the manager's deferred-release channel, never performing
// async work on the caller's goroutine.
func (m *Manager) releaseFuncFor(k kind.ResourceKind, scopeKey string, validationRequired bool) handle.ReleaseFunc {
	return func(instanceID string) bool {
		return m.release.Post(release.Request{
			InstanceID:         instanceID,
			KindKey:            k.UniqueKey(),
			ScopeKey:           scopeKey,
			ValidationRequired: validationRequired,
		})
	}
}

// Acquire resolves H's registered kind via the type map and acquires a guard
// for it in sctx's scope. Declared at package level since Go methods cannot
// carry their own type parameters.
func Acquire[H any](ctx context.Context, m *Manager, sctx scope.ScopedContext) (*handle.Guard[H], error) {
	typ := reflect.TypeOf((*H)(nil)).Elem()
	kAny, ok := m.typeMap.Load(typ)
	if !ok {
		return nil, rlerrors.New(rlerrors.Configuration, kind.ResourceKind{}, fmt.Sprintf("no kind registered for handle type %s", typ))
	}
	return AcquireByKind[H](ctx, m, kAny.(kind.ResourceKind), sctx)
}

// AcquireByKind acquires a guard for the explicitly named kind, used when a
// caller doesn't have (or want) a static handle-type binding.
func AcquireByKind[H any](ctx context.Context, m *Manager, k kind.ResourceKind, sctx scope.ScopedContext) (*handle.Guard[H], error) {
	entry, _, err := m.acquireEntry(ctx, k, sctx)
	if err != nil {
		return nil, err
	}
	scopeKey := sctx.Scope.Key()
	cfg := m.envelope.ForKind(k.UniqueKey()).Pool
	release := m.releaseFuncFor(k, scopeKey, cfg.ValidationOnRelease)
	g, err := handle.NewGuard[H](entry.Instance, release, m.log)
	if err != nil {
		// Type mismatch: only possible when a caller bypasses RegisterTyped's
		// binding. Return the entry to the pool instead of leaking it.
		release(entry.Instance.InstanceID)
		return nil, rlerrors.Wrap(rlerrors.Configuration, k, "handle type mismatch", err)
	}
	return g, nil
}

// Release is the explicit release variant: unlike a guard's own Release()
// (which only posts to the deferred channel and returns immediately), this
// awaits the deferred-release consumer actually completing the
// return-to-pool/terminate work. Releasing an already-released guard is a
// no-op, matching the guard's own Release contract: there is no pending work
// to wait for, so Release returns nil immediately instead of blocking on a
// completion signal that will never fire.
func (m *Manager) Release(ctx context.Context, g interface {
	InstanceID() string
	Release() error
	Released() bool
}) error {
	if g.Released() {
		return nil
	}
	doneAny, _ := m.pendingDone.LoadOrStore(g.InstanceID(), make(chan struct{}))
	done := doneAny.(chan struct{})
	if err := g.Release(); err != nil {
		m.pendingDone.Delete(g.InstanceID())
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithResource acquires H in sctx's scope, invokes fn, and releases
// synchronously (awaiting completion) even if fn panics — the scoped-closure
// alternative to holding a guard.
func WithResource[H any, R any](ctx context.Context, m *Manager, sctx scope.ScopedContext, fn func(context.Context, H) (R, error)) (R, error) {
	var zero R
	g, err := Acquire[H](ctx, m, sctx)
	if err != nil {
		return zero, err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = m.Release(context.Background(), g)
			panic(r)
		}
	}()
	result, ferr := fn(ctx, g.Value())
	if relErr := m.Release(ctx, g); relErr != nil && ferr == nil {
		ferr = relErr
	}
	if ferr != nil {
		return zero, ferr
	}
	return result, nil
}

// WithResourceByKind is WithResource's non-generic-handle-type-binding
// counterpart, acquiring by an explicitly named kind.
func WithResourceByKind[H any, R any](ctx context.Context, m *Manager, k kind.ResourceKind, sctx scope.ScopedContext, fn func(context.Context, H) (R, error)) (R, error) {
	var zero R
	g, err := AcquireByKind[H](ctx, m, k, sctx)
	if err != nil {
		return zero, err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = m.Release(context.Background(), g)
			panic(r)
		}
	}()
	result, ferr := fn(ctx, g.Value())
	if relErr := m.Release(ctx, g); relErr != nil && ferr == nil {
		ferr = relErr
	}
	if ferr != nil {
		return zero, ferr
	}
	return result, nil
}

// Warm creates instances up to the configured MinSize for k at the given
// scope.
func (m *Manager) Warm(ctx context.Context, k kind.ResourceKind, sctx scope.ScopedContext) error {
	p, err := m.getOrCreatePool(k, sctx.Scope.Key())
	if err != nil {
		return err
	}
	return p.Warm(ctx)
}

// HealthReport is the aggregate health snapshot returned by HealthSnapshot.
type HealthReport struct {
	PerKind map[string]health.Status
	Overall health.Status
}

// HealthSnapshot aggregates per-kind and overall health across every probed
// instance.
func (m *Manager) HealthSnapshot() HealthReport {
	snap := m.health.Aggregate()
	return HealthReport{PerKind: snap.PerKind, Overall: snap.Overall}
}

// NotifyCredentialRotated looks up which registered kinds declare a
// dependency on credentialID (via Metadata.CredentialIDs) and requests
// drain-and-replace on their pools across every scope. Only future acquires
// are affected; outstanding guards complete normally.
func (m *Manager) NotifyCredentialRotated(ctx context.Context, credentialID string) {
	m.bus.Publish(eventbus.Event{Kind: eventbus.CredentialRotated, Fields: map[string]any{"credential_id": credentialID}})

	kindsAny, ok := m.credentialKinds.Load(credentialID)
	if !ok {
		return
	}
	for _, k := range kindsAny.([]kind.ResourceKind) {
		k := k
		m.pools.Range(func(key, value any) bool {
			pk := key.(poolKey)
			if pk.Kind == k {
				go value.(*pool.Pool).DrainAndReplace(ctx)
			}
			return true
		})
	}
}

// Shutdown transitions the manager to Draining (refusing new acquires with
// Unavailable{retryable:false}), waits up to drainTimeout for outstanding
// guards to release, closes the deferred-release channel (draining whatever
// it already queued), and terminates every pool in reverse topological
// dependency order, dependents first.
func (m *Manager) Shutdown(ctx context.Context, drainTimeout time.Duration) error {
	m.draining.Store(true)
	m.bus.Publish(eventbus.Event{Kind: eventbus.ShutdownProgress, Fields: map[string]any{"phase": "draining"}})

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		if m.totalAcquired() == 0 {
			break
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			deadline = time.Now()
		}
	}

	m.release.Close()

	order := m.graph.ShutdownOrder()
	for _, k := range order {
		m.pools.Range(func(key, value any) bool {
			pk := key.(poolKey)
			if pk.Kind == k {
				value.(*pool.Pool).Close(ctx)
			}
			return true
		})
	}
	m.terminated.Store(true)
	m.bus.Publish(eventbus.Event{Kind: eventbus.ShutdownProgress, Fields: map[string]any{"phase": "terminated", "remaining": 0}})
	m.bus.Close()
	return nil
}

func (m *Manager) totalAcquired() int {
	total := 0
	m.pools.Range(func(_, value any) bool {
		_, acquired := value.(*pool.Pool).Snapshot()
		total += acquired
		return true
	})
	return total
}

// Bus exposes the manager's event bus for external subscribers attached
// after construction.
func (m *Manager) Bus() *eventbus.Bus { return m.bus }

// Draining reports whether Shutdown has been called.
func (m *Manager) Draining() bool { return m.draining.Load() }
