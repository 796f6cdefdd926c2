// Package handle implements the typed handle and RAII-style guard: the
// wrapper around a live Instance that a caller acquires and must release,
// either explicitly or via its scoped Drop-equivalent safety net.
package handle

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"resourcelife/health"
	"resourcelife/kind"
	"resourcelife/lifecycle"
)

// Instance is one live resource: a typed inner value owned exclusively by
// either a pool entry (while idle) or a guard (while in use).
type Instance struct {
	InstanceID string
	Kind       kind.ResourceKind
	CreatedAt  time.Time

	lastAccessed atomic.Int64 // unix nano
	state        *lifecycle.Machine
	health       atomic.Pointer[health.Status]

	Inner any
}

// NewInstance constructs an Instance wrapping inner, starting in the
// Created lifecycle state.
func NewInstance(instanceID string, k kind.ResourceKind, inner any) *Instance {
	i := &Instance{
		InstanceID: instanceID,
		Kind:       k,
		CreatedAt:  time.Now(),
		Inner:      inner,
	}
	i.state = lifecycle.NewMachine(k.UniqueKey(), instanceID)
	i.touch()
	return i
}

func (i *Instance) touch() { i.lastAccessed.Store(time.Now().UnixNano()) }

// LastAccessed returns the last time the instance was touched.
func (i *Instance) LastAccessed() time.Time { return time.Unix(0, i.lastAccessed.Load()) }

// State returns the instance's current lifecycle state.
func (i *Instance) State() lifecycle.State { return i.state.Current() }

// Machine exposes the underlying state machine so a pool can drive and
// observe transitions directly.
func (i *Instance) Machine() *lifecycle.Machine { return i.state }

// Health returns the last recorded health status, Unknown if never probed.
func (i *Instance) Health() health.Status {
	p := i.health.Load()
	if p == nil {
		return health.Status{State: health.Unknown}
	}
	return *p
}

// SetHealth records a new health status for the instance.
func (i *Instance) SetHealth(st health.Status) { i.health.Store(&st) }

// Handle is a typed, read-only reference to an Instance's inner value. It
// carries no release semantics of its own; Guard embeds one.
type Handle[H any] struct {
	instance *Instance
	inner    H
}

// Value returns the handle's type-checked inner value.
func (h Handle[H]) Value() H { return h.inner }

// Instance returns the underlying Instance, for components (pools, health
// supervisor) that need access beyond the typed value.
func (h Handle[H]) Instance() *Instance { return h.instance }

// ReleaseFunc performs the actual pool-return/termination work for an
// instance; supplied by whatever acquired it out (normally the manager, whose
// function posts the request onto its deferred-release channel).
// accepted reports whether the request was queued; false means the deferred
// channel was already closed (shutdown in progress).
type ReleaseFunc func(instanceID string) (accepted bool)

// Guard is the scoped acquisition object returned by Acquire and
// AcquireByKind. It is
// non-Clone: ownership transfers to the caller. The preferred release path
// is the explicit Release method; the finalizer is a safety net that only
// ever queues a release request, never performing async work itself.
type Guard[H any] struct {
	handle   Handle[H]
	release  ReleaseFunc
	released atomic.Bool
	log      *zap.Logger
}

// NewGuard wraps inst as a Guard[H], type-asserting its inner value to H.
// release is invoked at most once, either by an explicit Release call or by
// the finalizer safety net.
func NewGuard[H any](inst *Instance, release ReleaseFunc, log *zap.Logger) (*Guard[H], error) {
	typed, ok := inst.Inner.(H)
	if !ok {
		return nil, fmt.Errorf("handle: instance %s inner type does not match requested handle type", inst.InstanceID)
	}
	if log == nil {
		log = zap.NewNop()
	}
	g := &Guard[H]{
		handle:  Handle[H]{instance: inst, inner: typed},
		release: release,
		log:     log,
	}
	runtime.SetFinalizer(g, func(g *Guard[H]) { g.dropPath() })
	return g, nil
}

// Value returns the guarded resource's type-checked inner value.
func (g *Guard[H]) Value() H { return g.handle.inner }

// Handle returns the underlying typed Handle.
func (g *Guard[H]) Handle() Handle[H] { return g.handle }

// InstanceID returns the identifier of the instance this guard wraps, used
// by the manager's explicit Release(guard) variant to await completion of
// the deferred release request this guard posts.
func (g *Guard[H]) InstanceID() string { return g.handle.instance.InstanceID }

// Released reports whether the guard has already been released, explicitly
// or via the finalizer safety net.
func (g *Guard[H]) Released() bool { return g.released.Load() }

// Release is the preferred, explicit release API. It queues the release
// request and clears the finalizer so the safety net never double-fires.
// Calling Release more than once is a no-op.
func (g *Guard[H]) Release() error {
	if !g.released.CompareAndSwap(false, true) {
		return nil
	}
	runtime.SetFinalizer(g, nil)
	if accepted := g.release(g.handle.instance.InstanceID); !accepted {
		g.log.Warn("release request dropped: deferred-release channel is closed",
			zap.String("instance_id", g.handle.instance.InstanceID))
	}
	return nil
}

// dropPath is the Drop-equivalent safety net invoked by the garbage
// collector's finalizer if the caller never called Release. It never blocks
// and never runs async work inline; it only queues the release request.
func (g *Guard[H]) dropPath() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	if accepted := g.release(g.handle.instance.InstanceID); !accepted {
		g.log.Warn("guard dropped without explicit Release and the deferred-release channel is closed",
			zap.String("instance_id", g.handle.instance.InstanceID))
	}
}
