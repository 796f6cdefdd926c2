// Package pool implements the per-(kind, scope) pool engine: configurable
// selection strategy, min/max sizing, idle eviction, background health
// probing, and backpressure on exhaustion.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"resourcelife/eventbus"
	"resourcelife/handle"
	"resourcelife/health"
	"resourcelife/kind"
	"resourcelife/lifecycle"
)

// Strategy selects which Available entry an acquire hands out.
type Strategy int

const (
	FIFO Strategy = iota
	LIFO
	LRU
	Weighted
	Adaptive
)

// Config controls one pool's sizing, timeouts, validation, selection
// strategy, and health probing.
type Config struct {
	MinSize             int
	MaxSize             int
	AcquireTimeout      time.Duration
	IdleTimeout         time.Duration
	MaxLifetime         time.Duration
	ValidationOnAcquire bool
	ValidationOnRelease bool
	Strategy            Strategy
	HealthProbeInterval time.Duration
	// MaxConcurrentProbes bounds the health-probe sweep's in-flight count.
	MaxConcurrentProbes int64
}

// DefaultConfig returns the baseline a factory inherits without an explicit
// PoolConfig: min=0, max scaled by CPU count, FIFO, no validation on acquire.
func DefaultConfig(cpu int) Config {
	if cpu < 1 {
		cpu = 1
	}
	return Config{
		MinSize:             0,
		MaxSize:             cpu * 4,
		AcquireTimeout:      5 * time.Second,
		IdleTimeout:         5 * time.Minute,
		MaxLifetime:         30 * time.Minute,
		ValidationOnAcquire: false,
		ValidationOnRelease: false,
		Strategy:            FIFO,
		HealthProbeInterval: 30 * time.Second,
		MaxConcurrentProbes: 4,
	}
}

// SlotState is the state of one pool entry.
type SlotState int

const (
	Available SlotState = iota
	Acquired
	Quarantined
	Evicting
)

// Entry is one pool-owned slot wrapping an Instance.
type Entry struct {
	Instance         *handle.Instance
	SlotState        SlotState
	AcquiredAt       time.Time
	AcquisitionCount uint64

	// latencyEWMA backs the Adaptive strategy; guarded by Pool.mu along
	// with everything else entry-local, and updated on every release under
	// the Adaptive strategy inside the same short critical section.
	latencyEWMA time.Duration
}

// Stats are the pool's lock-free counters.
type Stats struct {
	Acquisitions  atomic.Int64
	Releases      atomic.Int64
	FailedAcquire atomic.Int64
	Created       atomic.Int64
	Destroyed     atomic.Int64
	Active        atomic.Int64
	PeakActive    atomic.Int64
	Waiters       atomic.Int64
}

// ExhaustedError is returned when no entry could be acquired before the
// deadline.
type ExhaustedError struct {
	Current int
	Max     int
	Waiters int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("pool: exhausted (current=%d max=%d waiters=%d)", e.Current, e.Max, e.Waiters)
}

// Factory is the kind-specific plug-in consumed by a Pool. Optional
// capabilities (Initializer, Validator, HealthChecker, ConfigProvider) are
// detected via additional interface implementations.
type Factory interface {
	Metadata() kind.Metadata
	Create(ctx context.Context, scopeKey string) (any, error)
	Cleanup(ctx context.Context, inner any) error
}

type Initializer interface {
	Initialize(ctx context.Context, inner any) error
}

type Validator interface {
	Validate(ctx context.Context, inner any) bool
}

type HealthChecker interface {
	HealthCheck(ctx context.Context, inner any) (health.Status, error)
}

type ConfigProvider interface {
	PoolConfig() Config
}

// quarantinedEntry tracks an out-of-service entry awaiting recovery, with
// exponentially backed-off re-probe attempts.
type quarantinedEntry struct {
	entry       *Entry
	attempts    int
	nextAttempt time.Time
}

type waiter struct {
	result chan waitResult
}

type waitResult struct {
	entry *Entry
	err   error
}

// Pool is one (kind, scope) pool.
type Pool struct {
	Kind     kind.ResourceKind
	ScopeKey string

	cfg     Config
	factory Factory
	log     *zap.Logger
	bus     *eventbus.Bus

	mu         sync.Mutex
	available  []*Entry
	acquired   map[string]*Entry
	quarantine map[string]*quarantinedEntry
	waiters    []*waiter
	creating   int // factory calls in flight, reserved against MaxSize
	closed     bool

	stats Stats

	probeSem     *semaphore.Weighted
	maintDone    chan struct{}
	maintStopped chan struct{}

	// sup, if set, routes probes through the shared health supervisor, whose
	// per-(kind, scope) breaker requests DrainAndReplace after consecutive
	// failures. The pool's own single-failure quarantine and exponential
	// backoff re-probes apply with or without it. Wired by the manager after
	// construction.
	sup *health.Supervisor
}

// SetSupervisor wires the shared Health Supervisor into the pool's
// maintenance sweep. It takes effect from the next probe tick.
func (p *Pool) SetSupervisor(sup *health.Supervisor) {
	p.mu.Lock()
	p.sup = sup
	p.mu.Unlock()
}

// New constructs a Pool for the given kind/scope and starts its maintenance
// loop (idle eviction, max-lifetime eviction, health probing).
func New(k kind.ResourceKind, scopeKey string, cfg Config, factory Factory, bus *eventbus.Bus, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	maxProbes := cfg.MaxConcurrentProbes
	if maxProbes < 1 {
		maxProbes = 1
	}
	p := &Pool{
		Kind:         k,
		ScopeKey:     scopeKey,
		cfg:          cfg,
		factory:      factory,
		log:          log,
		bus:          bus,
		acquired:     make(map[string]*Entry),
		quarantine:   make(map[string]*quarantinedEntry),
		probeSem:     semaphore.NewWeighted(maxProbes),
		maintDone:    make(chan struct{}),
		maintStopped: make(chan struct{}),
	}
	if cfg.HealthProbeInterval > 0 || cfg.IdleTimeout > 0 || cfg.MaxLifetime > 0 {
		go p.maintain()
	} else {
		close(p.maintStopped)
	}
	return p
}

func (p *Pool) emit(e eventbus.Event) {
	if p.bus == nil {
		return
	}
	e.KindName = p.Kind.UniqueKey()
	e.ScopeKey = p.ScopeKey
	p.bus.Publish(e)
}

// Acquire implements the acquire protocol: pop-and-validate, create-on-miss,
// or wait-and-retry on saturation.
func (p *Pool) Acquire(ctx context.Context) (*Entry, error) {
	if p.cfg.MaxSize == 0 {
		return nil, fmt.Errorf("pool: configuration error: max_size is 0")
	}

	for {
		entry, created, err := p.tryAcquireOrCreate(ctx)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			if !created && p.cfg.ValidationOnAcquire {
				if !p.validate(ctx, entry) {
					p.terminateEntry(entry, "failed validation on acquire")
					continue
				}
			}
			p.finalizeAcquire(entry)
			return entry, nil
		}

		// Saturated: enqueue a FIFO waiter and wait bounded by AcquireTimeout.
		// Re-check availability under the same lock as the enqueue so a
		// release that raced the saturation check cannot strand the waiter.
		w := &waiter{result: make(chan waitResult, 1)}
		p.mu.Lock()
		if len(p.available) > 0 {
			idx := p.selectIndexLocked()
			entry := p.available[idx]
			p.available = append(p.available[:idx], p.available[idx+1:]...)
			entry.SlotState = Acquired
			p.mu.Unlock()
			if p.cfg.ValidationOnAcquire && !p.validate(ctx, entry) {
				p.terminateEntry(entry, "failed validation on acquire")
				continue
			}
			p.finalizeAcquire(entry)
			return entry, nil
		}
		p.waiters = append(p.waiters, w)
		p.stats.Waiters.Store(int64(len(p.waiters)))
		p.mu.Unlock()

		waitCtx := ctx
		var cancel context.CancelFunc
		if p.cfg.AcquireTimeout > 0 {
			waitCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		} else {
			waitCtx, cancel = context.WithTimeout(ctx, 0)
		}

		select {
		case res := <-w.result:
			cancel()
			if res.err != nil {
				return nil, res.err
			}
			p.finalizeAcquire(res.entry)
			return res.entry, nil
		case <-waitCtx.Done():
			cancel()
			p.removeWaiter(w)
			// A release may have picked this waiter between the deadline
			// firing and the dequeue; reclaim the entry rather than leak it.
			select {
			case res := <-w.result:
				if res.entry != nil {
					p.requeueEntry(res.entry)
				}
			default:
			}
			p.stats.FailedAcquire.Add(1)
			cur, max := p.sizeSnapshot()
			return nil, &ExhaustedError{Current: cur, Max: max, Waiters: p.waiterCount()}
		}
	}
}

func (p *Pool) tryAcquireOrCreate(ctx context.Context) (entry *Entry, created bool, err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, fmt.Errorf("pool: closed")
	}
	if len(p.available) > 0 {
		idx := p.selectIndexLocked()
		entry = p.available[idx]
		p.available = append(p.available[:idx], p.available[idx+1:]...)
		entry.SlotState = Acquired
		p.mu.Unlock()
		return entry, false, nil
	}
	if len(p.acquired)+p.creating >= p.cfg.MaxSize {
		p.mu.Unlock()
		return nil, false, nil
	}
	// Reserve the slot before releasing the lock so concurrent creators
	// cannot overshoot MaxSize while the factory call is in flight.
	p.creating++
	p.mu.Unlock()

	unreserve := func() {
		p.mu.Lock()
		p.creating--
		p.mu.Unlock()
	}

	inner, cerr := p.factory.Create(ctx, p.ScopeKey)
	if cerr != nil {
		unreserve()
		p.stats.FailedAcquire.Add(1)
		return nil, false, fmt.Errorf("pool: factory create failed: %w", cerr)
	}
	if initializer, ok := p.factory.(Initializer); ok {
		if ierr := initializer.Initialize(ctx, inner); ierr != nil {
			unreserve()
			p.stats.FailedAcquire.Add(1)
			return nil, false, fmt.Errorf("pool: factory initialize failed: %w", ierr)
		}
	}
	inst := handle.NewInstance(newInstanceID(), p.Kind, inner)
	_ = inst.Machine().Transition(lifecycle.Initializing)
	_ = inst.Machine().Transition(lifecycle.Ready)

	newEntry := &Entry{Instance: inst, SlotState: Acquired}
	p.mu.Lock()
	p.creating--
	p.acquired[inst.InstanceID] = newEntry
	p.mu.Unlock()

	p.stats.Created.Add(1)
	p.emit(eventbus.Event{Kind: eventbus.InstanceCreated, InstanceID: inst.InstanceID})
	return newEntry, true, nil
}

func (p *Pool) finalizeAcquire(entry *Entry) {
	entry.Instance.Machine().Transition(lifecycle.InUse) //nolint:errcheck
	entry.AcquiredAt = time.Now()
	entry.AcquisitionCount++

	p.mu.Lock()
	p.acquired[entry.Instance.InstanceID] = entry
	active := int64(len(p.acquired))
	p.mu.Unlock()

	p.stats.Acquisitions.Add(1)
	p.stats.Active.Store(active)
	for {
		peak := p.stats.PeakActive.Load()
		if active <= peak || p.stats.PeakActive.CompareAndSwap(peak, active) {
			break
		}
	}
	p.emit(eventbus.Event{Kind: eventbus.PoolAcquire, InstanceID: entry.Instance.InstanceID})
}

// Release implements the release protocol: validate, return-to-pool or
// terminate-and-replenish, then wake the oldest waiter if one is present.
// Release may do factory I/O; the manager calls it for guards from the
// deferred-release consumer goroutine, not from the guard holder's own.
func (p *Pool) Release(ctx context.Context, instanceID string) {
	p.mu.Lock()
	entry, ok := p.acquired[instanceID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.acquired, instanceID)
	active := int64(len(p.acquired))
	p.mu.Unlock()

	p.stats.Releases.Add(1)
	p.stats.Active.Store(active)
	p.emit(eventbus.Event{Kind: eventbus.PoolRelease, InstanceID: instanceID})

	if p.cfg.ValidationOnRelease && !p.validate(ctx, entry) {
		p.terminateAndReplenish(ctx, entry, "failed validation on release")
		return
	}

	if p.cfg.Strategy == Adaptive && !entry.AcquiredAt.IsZero() {
		p.recordLatency(entry, time.Since(entry.AcquiredAt))
	}

	p.requeueEntry(entry)
}

// requeueEntry hands entry directly to the oldest waiter if one exists,
// skipping the available list entirely (preserves FIFO admission fairness
// independent of selection strategy); otherwise it returns the entry to
// available.
func (p *Pool) requeueEntry(entry *Entry) {
	p.mu.Lock()
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.stats.Waiters.Store(int64(len(p.waiters)))
		entry.SlotState = Acquired
		p.mu.Unlock()
		w.result <- waitResult{entry: entry}
		return
	}
	entry.Instance.Machine().Transition(lifecycle.Idle) //nolint:errcheck
	entry.SlotState = Available
	p.insertAvailableLocked(entry)
	p.mu.Unlock()
}

func (p *Pool) terminateAndReplenish(ctx context.Context, entry *Entry, reason string) {
	p.terminateEntry(entry, reason)
	p.mu.Lock()
	current := len(p.available) + len(p.acquired)
	needsReplenish := current < p.cfg.MinSize
	p.mu.Unlock()
	if needsReplenish {
		go func() {
			if e, _, err := p.tryAcquireOrCreate(context.Background()); err == nil && e != nil {
				p.Release(ctx, e.Instance.InstanceID)
			}
		}()
	}
}

func (p *Pool) terminateEntry(entry *Entry, reason string) {
	entry.Instance.Machine().Transition(lifecycle.Draining) //nolint:errcheck
	if err := p.factory.Cleanup(context.Background(), entry.Instance.Inner); err != nil {
		p.log.Warn("pool: cleanup failed", zap.String("instance_id", entry.Instance.InstanceID), zap.Error(err))
	}
	entry.Instance.Machine().Transition(lifecycle.Terminated) //nolint:errcheck
	p.mu.Lock()
	sup := p.sup
	p.mu.Unlock()
	if sup != nil {
		sup.Forget(entry.Instance.InstanceID)
	}
	p.stats.Destroyed.Add(1)
	p.emit(eventbus.Event{Kind: eventbus.InstanceDestroyed, InstanceID: entry.Instance.InstanceID,
		Fields: map[string]any{"reason": reason}})
}

func (p *Pool) validate(ctx context.Context, entry *Entry) bool {
	v, ok := p.factory.(Validator)
	if !ok {
		return true
	}
	return v.Validate(ctx, entry.Instance.Inner)
}

func (p *Pool) removeWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, other := range p.waiters {
		if other == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.stats.Waiters.Store(int64(len(p.waiters)))
}

func (p *Pool) waiterCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

func (p *Pool) sizeSnapshot() (current, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available) + len(p.acquired), p.cfg.MaxSize
}

// insertAvailableLocked appends entry to p.available. Release order is
// preserved, so index 0 is always the oldest released entry; the strategy
// decides which index goes out at selection time. Callers must hold p.mu.
func (p *Pool) insertAvailableLocked(entry *Entry) {
	p.available = append(p.available, entry)
}

// selectIndexLocked picks which available entry to hand out next. Callers
// must hold p.mu.
func (p *Pool) selectIndexLocked() int {
	switch p.cfg.Strategy {
	case FIFO:
		return 0
	case LIFO:
		return len(p.available) - 1
	case LRU:
		best := 0
		for i, e := range p.available {
			if e.Instance.LastAccessed().Before(p.available[best].Instance.LastAccessed()) {
				best = i
			}
		}
		return best
	case Weighted:
		return p.selectWeightedLocked()
	case Adaptive:
		return p.selectAdaptiveLocked()
	default:
		return 0
	}
}

func healthScore(st health.Status) float64 {
	switch st.State {
	case health.Healthy:
		return 3
	case health.Degraded:
		return 1
	default:
		return 0
	}
}

func (p *Pool) selectWeightedLocked() int {
	total := 0.0
	weights := make([]float64, len(p.available))
	for i, e := range p.available {
		weights[i] = healthScore(e.Instance.Health())
		total += weights[i]
	}
	if total == 0 {
		return len(p.available) - 1 // fall back to LIFO among equally-zero entries
	}
	// deterministic weighted pick: highest weight wins, ties broken LIFO.
	best := 0
	for i := range p.available {
		if weights[i] > weights[best] || (weights[i] == weights[best] && i > best) {
			best = i
		}
	}
	return best
}

func (p *Pool) selectAdaptiveLocked() int {
	best := -1
	for i, e := range p.available {
		if best == -1 || e.latencyEWMA < p.available[best].latencyEWMA {
			best = i
		}
	}
	if best == -1 {
		return len(p.available) - 1
	}
	return best
}

// recordLatency updates an entry's adaptive-strategy EWMA. Called on every
// release when the pool uses the Adaptive strategy.
func (p *Pool) recordLatency(entry *Entry, observed time.Duration) {
	const alpha = 0.2
	p.mu.Lock()
	if entry.latencyEWMA == 0 {
		entry.latencyEWMA = observed
	} else {
		entry.latencyEWMA = time.Duration(alpha*float64(observed) + (1-alpha)*float64(entry.latencyEWMA))
	}
	p.mu.Unlock()
}

func newInstanceID() string { return uuid.NewString() }

// Snapshot returns the current number of available and acquired entries.
func (p *Pool) Snapshot() (available, acquired int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available), len(p.acquired)
}

// Warm creates instances up to MinSize; the manager calls it from
// Manager.Warm.
func (p *Pool) Warm(ctx context.Context) error {
	p.mu.Lock()
	current := len(p.available) + len(p.acquired)
	need := p.cfg.MinSize - current
	p.mu.Unlock()
	var held []*Entry
	defer func() {
		for _, entry := range held {
			p.mu.Lock()
			delete(p.acquired, entry.Instance.InstanceID)
			p.mu.Unlock()
			p.requeueEntry(entry)
		}
	}()
	for created := 0; created < need; {
		entry, isNew, err := p.tryAcquireOrCreate(ctx)
		if err != nil || entry == nil {
			return err
		}
		held = append(held, entry)
		if isNew {
			created++
		}
	}
	return nil
}

// maintain runs the periodic idle-eviction/max-lifetime/health-probe
// maintenance tick.
func (p *Pool) maintain() {
	defer close(p.maintStopped)
	interval := p.cfg.HealthProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.maintDone:
			return
		case <-ticker.C:
			p.evictIdleAndExpired()
			p.probeAvailable(context.Background())
			p.recoverQuarantined(context.Background())
		}
	}
}

func (p *Pool) evictIdleAndExpired() {
	now := time.Now()
	p.mu.Lock()
	var kept []*Entry
	var toEvict []*Entry
	minSize := p.cfg.MinSize
	for _, e := range p.available {
		age := now.Sub(e.Instance.CreatedAt)
		idleFor := now.Sub(e.Instance.LastAccessed())
		if p.cfg.MaxLifetime > 0 && age > p.cfg.MaxLifetime {
			toEvict = append(toEvict, e)
			continue
		}
		if p.cfg.IdleTimeout > 0 && idleFor > p.cfg.IdleTimeout && len(p.available)-len(toEvict)+len(p.acquired) > minSize {
			toEvict = append(toEvict, e)
			continue
		}
		kept = append(kept, e)
	}
	p.available = kept
	p.mu.Unlock()

	for _, e := range toEvict {
		p.terminateEntry(e, "idle timeout or max lifetime exceeded")
	}
}

func (p *Pool) probeAvailable(ctx context.Context) {
	checker, ok := p.factory.(HealthChecker)
	if !ok {
		return
	}
	p.mu.Lock()
	entries := make([]*Entry, len(p.available))
	copy(entries, p.available)
	p.mu.Unlock()

	p.mu.Lock()
	sup := p.sup
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		if err := p.probeSem.Acquire(ctx, 1); err != nil {
			continue
		}
		wg.Add(1)
		go func(entry *Entry) {
			defer wg.Done()
			defer p.probeSem.Release(1)

			runProbe := func(pctx context.Context) (health.Status, error) {
				start := time.Now()
				st, err := checker.HealthCheck(pctx, entry.Instance.Inner)
				st.Latency = time.Since(start)
				return st, err
			}

			var st health.Status
			if sup != nil {
				// Route the probe through the shared supervisor for
				// sustained-unhealth detection (consecutive failures);
				// its per-(kind,scope) breaker calls back into
				// DrainAndReplace on this pool only when it trips.
				st = sup.Probe(ctx, p.Kind.UniqueKey(), p.ScopeKey, entry.Instance.InstanceID, runProbe)
			} else {
				var err error
				st, err = runProbe(ctx)
				if err != nil {
					st = health.Status{State: health.Unhealthy, Reason: err.Error(), Since: time.Now()}
				}
			}
			entry.Instance.SetHealth(st)
			if st.State == health.Unhealthy {
				p.quarantineEntry(entry)
			}
			if st.State == health.Degraded || st.State == health.Unhealthy {
				p.emit(eventbus.Event{Kind: eventbus.HealthChanged, InstanceID: entry.Instance.InstanceID,
					Fields: map[string]any{"state": st.State.String(), "reason": st.Reason}})
			}
		}(e)
	}
	wg.Wait()
}

// DrainAndReplace evicts every currently Available entry so the pool hands
// out freshly created instances from now on; Acquired entries complete
// normally and are replaced the next time they cycle through Release. Used
// on credential rotation and sustained-unhealth recovery: rotation affects
// future acquires only, outstanding guards are left alone.
func (p *Pool) DrainAndReplace(ctx context.Context) {
	p.mu.Lock()
	toEvict := p.available
	p.available = nil
	for id, q := range p.quarantine {
		toEvict = append(toEvict, q.entry)
		delete(p.quarantine, id)
	}
	p.mu.Unlock()
	for _, e := range toEvict {
		p.terminateEntry(e, "drain-and-replace")
	}
}

// quarantineEntry removes entry from service and schedules a recovery
// attempt. The first re-probe happens one probe interval out; each failed
// attempt doubles the wait.
func (p *Pool) quarantineEntry(entry *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.available {
		if e == entry {
			p.available = append(p.available[:i], p.available[i+1:]...)
			entry.SlotState = Quarantined
			entry.Instance.Machine().Transition(lifecycle.Maintenance) //nolint:errcheck
			p.quarantine[entry.Instance.InstanceID] = &quarantinedEntry{
				entry:       entry,
				nextAttempt: time.Now().Add(p.recoveryBackoff(0)),
			}
			return
		}
	}
}

func (p *Pool) recoveryBackoff(attempts int) time.Duration {
	base := p.cfg.HealthProbeInterval
	if base <= 0 {
		base = 30 * time.Second
	}
	backoff := base << attempts
	if max := base * 16; backoff > max {
		backoff = max
	}
	return backoff
}

// recoverQuarantined re-probes quarantined entries whose backoff has elapsed,
// restoring them to Available on a healthy result. Recovery probes route
// through the supervisor like sweep probes do, so a pool whose only entries
// are quarantined still accumulates consecutive failures toward its breaker.
func (p *Pool) recoverQuarantined(ctx context.Context) {
	checker, ok := p.factory.(HealthChecker)
	if !ok {
		return
	}
	now := time.Now()
	p.mu.Lock()
	sup := p.sup
	var due []*quarantinedEntry
	for _, q := range p.quarantine {
		if !now.Before(q.nextAttempt) {
			due = append(due, q)
		}
	}
	p.mu.Unlock()

	for _, q := range due {
		runProbe := func(pctx context.Context) (health.Status, error) {
			start := time.Now()
			st, err := checker.HealthCheck(pctx, q.entry.Instance.Inner)
			st.Latency = time.Since(start)
			return st, err
		}
		var st health.Status
		var err error
		if sup != nil {
			st = sup.Probe(ctx, p.Kind.UniqueKey(), p.ScopeKey, q.entry.Instance.InstanceID, runProbe)
		} else {
			st, err = runProbe(ctx)
		}
		if err == nil && st.State == health.Healthy {
			q.entry.Instance.SetHealth(st)
			p.mu.Lock()
			delete(p.quarantine, q.entry.Instance.InstanceID)
			q.entry.SlotState = Available
			q.entry.Instance.Machine().Transition(lifecycle.Idle) //nolint:errcheck
			p.insertAvailableLocked(q.entry)
			p.mu.Unlock()
			p.emit(eventbus.Event{Kind: eventbus.HealthChanged, InstanceID: q.entry.Instance.InstanceID,
				Fields: map[string]any{"state": health.Healthy.String(), "recovered": true}})
			continue
		}
		p.mu.Lock()
		q.attempts++
		q.nextAttempt = now.Add(p.recoveryBackoff(q.attempts))
		p.mu.Unlock()
	}
}

// Close terminates every entry (available, quarantined and still acquired;
// the manager calls Close only after waiting up to its drain_timeout for
// outstanding guards) and stops the maintenance loop.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	entries := append([]*Entry{}, p.available...)
	p.available = nil
	for id, q := range p.quarantine {
		entries = append(entries, q.entry)
		delete(p.quarantine, id)
	}
	for id, e := range p.acquired {
		entries = append(entries, e)
		delete(p.acquired, id)
	}
	close(p.maintDone)
	p.mu.Unlock()

	<-p.maintStopped

	for _, e := range entries {
		p.terminateEntry(e, "shutdown")
	}
}
