// Package health implements the Health Supervisor: per-(kind, scope)
// circuit breakers that detect sustained unhealth across probe results and
// request drain-and-replace, and aggregate status reporting across every
// registered kind. Probe scheduling and quarantine live in the pool.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Status is the health of a single instance or the aggregate of a pool/kind.
type Status struct {
	State   State
	Reason  string
	Latency time.Duration
	Since   time.Time
}

// State enumerates the HealthStatus variants from the data model.
type State int

const (
	Unknown State = iota
	Healthy
	Degraded
	Unhealthy
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "Healthy"
	case Degraded:
		return "Degraded"
	case Unhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// Config sets probe cadence and the sustained-unhealth threshold that
// triggers drain-and-replace.
type Config struct {
	ProbeInterval                   time.Duration
	ProbeTimeout                    time.Duration
	ConsecutiveFailuresToQuarantine uint32
	RecoveryBackoff                 time.Duration
}

// DefaultConfig returns the probe defaults a kind inherits when its
// configuration block doesn't override them.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:                   30 * time.Second,
		ProbeTimeout:                    5 * time.Second,
		ConsecutiveFailuresToQuarantine: 3,
		RecoveryBackoff:                 10 * time.Second,
	}
}

// DrainRequester is invoked when a (kind, scope) pool's sustained-unhealth
// threshold is exceeded; the supervisor requests that one owning pool drain
// and replace the affected entry. Pools of the same kind in other scopes are
// not touched.
type DrainRequester func(kindKey, scopeKey, instanceID string)

// breakerKey identifies one (kind, scope) breaker, mirroring how the manager
// keys its pools.
func breakerKey(kindKey, scopeKey string) string { return kindKey + "@" + scopeKey }

// instanceStatus pairs a probed instance's latest status with the kind it
// belongs to, recorded at Probe time so aggregation can bucket by kind.
type instanceStatus struct {
	kindKey string
	status  Status
}

// Supervisor owns one circuit breaker per (kind, scope) pool (using
// github.com/sony/gobreaker) and tracks aggregate status across every probed
// instance.
type Supervisor struct {
	log   *zap.Logger
	drain DrainRequester

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker // keyed by breakerKey(kind, scope)
	configs  map[string]Config                    // keyed the same way
	status   map[string]instanceStatus            // keyed by instanceID
}

// New constructs a Supervisor. A nil logger defaults to zap.NewNop(); a nil
// drain callback disables drain-and-replace requests (probes still run and
// update aggregate status).
func New(log *zap.Logger, drain DrainRequester) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if drain == nil {
		drain = func(string, string, string) {}
	}
	return &Supervisor{
		log:      log,
		drain:    drain,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		status:   make(map[string]instanceStatus),
	}
}

// RegisterKind installs the breaker detecting sustained unhealth for one
// (kind, scope) pool. Breakers are per pool so one tenant's failures never
// trip another tenant's pool of the same kind.
func (s *Supervisor) RegisterKind(kindKey, scopeKey string, cfg Config) {
	key := breakerKey(kindKey, scopeKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[key] = cfg
	s.breakers[key] = s.newBreakerLocked(kindKey, scopeKey, cfg)
}

func (s *Supervisor) newBreakerLocked(kindKey, scopeKey string, cfg Config) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerKey(kindKey, scopeKey),
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.RecoveryBackoff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailuresToQuarantine
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Info("health breaker state changed",
				zap.String("kind", kindKey), zap.String("scope_key", scopeKey),
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}

// Probe runs probe against instanceID of the (kindKey, scopeKey) pool under
// ctx, bounded by the kind's ProbeTimeout, records the resulting Status, and
// — on that pool's breaker tripping open (N consecutive failures) — requests
// drain-and-replace via drain.
func (s *Supervisor) Probe(ctx context.Context, kindKey, scopeKey, instanceID string, probe func(context.Context) (Status, error)) Status {
	key := breakerKey(kindKey, scopeKey)
	s.mu.RLock()
	breaker := s.breakers[key]
	cfg, hasCfg := s.configs[key]
	s.mu.RUnlock()
	if !hasCfg {
		cfg = DefaultConfig()
	}
	if breaker == nil {
		s.mu.Lock()
		if breaker = s.breakers[key]; breaker == nil {
			breaker = s.newBreakerLocked(kindKey, scopeKey, cfg)
			s.breakers[key] = breaker
			s.configs[key] = cfg
		}
		s.mu.Unlock()
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()

	result, err := breaker.Execute(func() (interface{}, error) {
		st, perr := probe(probeCtx)
		if perr != nil {
			return st, perr
		}
		if st.State == Unhealthy {
			return st, fmt.Errorf("health: instance %s unhealthy: %s", instanceID, st.Reason)
		}
		return st, nil
	})

	var st Status
	if err != nil {
		if result != nil {
			st, _ = result.(Status)
		}
		if st.State == Unknown {
			st = Status{State: Unhealthy, Reason: err.Error(), Since: time.Now()}
		}
		if breaker.State() == gobreaker.StateOpen {
			s.log.Warn("instance quarantined after sustained unhealth",
				zap.String("kind", kindKey), zap.String("scope_key", scopeKey),
				zap.String("instance_id", instanceID))
			s.drain(kindKey, scopeKey, instanceID)
		}
	} else {
		st, _ = result.(Status)
	}

	s.mu.Lock()
	s.status[instanceID] = instanceStatus{kindKey: kindKey, status: st}
	s.mu.Unlock()
	return st
}

// Forget discards the recorded status for an instance, called when its entry
// is terminated so the aggregate doesn't report dead instances.
func (s *Supervisor) Forget(instanceID string) {
	s.mu.Lock()
	delete(s.status, instanceID)
	s.mu.Unlock()
}

// Snapshot returns the aggregate status across every probed instance,
// bucketed by kind, plus the overall worst-case status.
type Snapshot struct {
	PerKind map[string]Status
	Overall Status
}

// Aggregate computes a Snapshot from the latest recorded per-instance
// status, bucketing each kind under its worst instance.
func (s *Supervisor) Aggregate() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perKind := make(map[string]Status)
	overall := Status{State: Healthy}
	for _, is := range s.status {
		if worse, ok := perKind[is.kindKey]; !ok || worseThan(is.status.State, worse.State) {
			perKind[is.kindKey] = is.status
		}
		if worseThan(is.status.State, overall.State) {
			overall = is.status
		}
	}
	return Snapshot{PerKind: perKind, Overall: overall}
}

func worseThan(a, b State) bool {
	rank := func(s State) int {
		switch s {
		case Healthy:
			return 0
		case Unknown:
			return 1
		case Degraded:
			return 2
		case Unhealthy:
			return 3
		default:
			return 0
		}
	}
	return rank(a) > rank(b)
}
