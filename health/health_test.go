package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeRecordsHealthyStatus(t *testing.T) {
	s := New(nil, nil)
	s.RegisterKind("db", "global", DefaultConfig())

	st := s.Probe(context.Background(), "db", "global", "inst-1", func(ctx context.Context) (Status, error) {
		return Status{State: Healthy, Latency: time.Millisecond}, nil
	})
	require.Equal(t, Healthy, st.State)

	snap := s.Aggregate()
	require.Equal(t, Healthy, snap.Overall.State)
	require.Equal(t, Healthy, snap.PerKind["db"].State)
}

func TestSustainedUnhealthTriggersDrainRequest(t *testing.T) {
	var mu sync.Mutex
	var drained []string
	s := New(nil, func(kindKey, scopeKey, instanceID string) {
		mu.Lock()
		drained = append(drained, kindKey+"@"+scopeKey+"/"+instanceID)
		mu.Unlock()
	})
	cfg := DefaultConfig()
	cfg.ConsecutiveFailuresToQuarantine = 3
	s.RegisterKind("db", "tenant:t1", cfg)

	failing := func(ctx context.Context) (Status, error) {
		return Status{}, errors.New("connection refused")
	}

	for i := 0; i < 3; i++ {
		st := s.Probe(context.Background(), "db", "tenant:t1", "inst-1", failing)
		require.Equal(t, Unhealthy, st.State)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, drained, "three consecutive failures must request drain-and-replace")
	require.Equal(t, "db@tenant:t1/inst-1", drained[0])
}

func TestBreakersAreIsolatedPerScope(t *testing.T) {
	var mu sync.Mutex
	var drainedScopes []string
	s := New(nil, func(kindKey, scopeKey, instanceID string) {
		mu.Lock()
		drainedScopes = append(drainedScopes, scopeKey)
		mu.Unlock()
	})
	cfg := DefaultConfig()
	cfg.ConsecutiveFailuresToQuarantine = 2
	s.RegisterKind("db", "tenant:t1", cfg)
	s.RegisterKind("db", "tenant:t2", cfg)

	failing := func(ctx context.Context) (Status, error) {
		return Status{}, errors.New("connection refused")
	}
	healthy := func(ctx context.Context) (Status, error) {
		return Status{State: Healthy}, nil
	}

	// t1's instance fails repeatedly while t2's stays healthy; t1's failures
	// must accumulate against t1's breaker only.
	s.Probe(context.Background(), "db", "tenant:t1", "inst-1", failing)
	s.Probe(context.Background(), "db", "tenant:t2", "inst-2", healthy)
	s.Probe(context.Background(), "db", "tenant:t1", "inst-1", failing)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, drainedScopes, "t1's breaker must trip")
	for _, sk := range drainedScopes {
		require.Equal(t, "tenant:t1", sk, "only the failing tenant's pool may be drained")
	}
}

func TestUnhealthyStatusCountsAsFailure(t *testing.T) {
	drainCh := make(chan struct{}, 1)
	s := New(nil, func(string, string, string) {
		select {
		case drainCh <- struct{}{}:
		default:
		}
	})
	cfg := DefaultConfig()
	cfg.ConsecutiveFailuresToQuarantine = 2
	s.RegisterKind("db", "global", cfg)

	// The probe itself succeeds but reports Unhealthy; the breaker must
	// still count it against the threshold.
	unhealthy := func(ctx context.Context) (Status, error) {
		return Status{State: Unhealthy, Reason: "replication lag", Since: time.Now()}, nil
	}
	s.Probe(context.Background(), "db", "global", "inst-1", unhealthy)
	s.Probe(context.Background(), "db", "global", "inst-1", unhealthy)

	select {
	case <-drainCh:
	case <-time.After(time.Second):
		t.Fatal("drain request never arrived")
	}
}

func TestAggregateReportsWorstState(t *testing.T) {
	s := New(nil, nil)
	s.RegisterKind("db", "global", DefaultConfig())
	s.RegisterKind("cache", "global", DefaultConfig())

	s.Probe(context.Background(), "db", "global", "inst-1", func(ctx context.Context) (Status, error) {
		return Status{State: Healthy}, nil
	})
	s.Probe(context.Background(), "cache", "global", "inst-2", func(ctx context.Context) (Status, error) {
		return Status{State: Degraded, Reason: "evictions"}, nil
	})

	snap := s.Aggregate()
	require.Equal(t, Healthy, snap.PerKind["db"].State)
	require.Equal(t, Degraded, snap.PerKind["cache"].State)
	require.Equal(t, Degraded, snap.Overall.State)
}

func TestForgetRemovesInstanceFromAggregate(t *testing.T) {
	s := New(nil, nil)
	s.RegisterKind("db", "global", DefaultConfig())

	s.Probe(context.Background(), "db", "global", "inst-1", func(ctx context.Context) (Status, error) {
		return Status{State: Degraded, Reason: "slow"}, nil
	})
	require.Equal(t, Degraded, s.Aggregate().Overall.State)

	s.Forget("inst-1")
	snap := s.Aggregate()
	require.Empty(t, snap.PerKind)
	require.Equal(t, Healthy, snap.Overall.State)
}

func TestProbeTimeoutBoundsSlowProbes(t *testing.T) {
	s := New(nil, nil)
	cfg := DefaultConfig()
	cfg.ProbeTimeout = 10 * time.Millisecond
	s.RegisterKind("db", "global", cfg)

	st := s.Probe(context.Background(), "db", "global", "inst-1", func(ctx context.Context) (Status, error) {
		select {
		case <-ctx.Done():
			return Status{}, ctx.Err()
		case <-time.After(time.Second):
			return Status{State: Healthy}, nil
		}
	})
	require.Equal(t, Unhealthy, st.State)
}

func TestUnregisteredPoolGetsDefaultBreaker(t *testing.T) {
	drainCh := make(chan struct{}, 1)
	s := New(nil, func(string, string, string) {
		select {
		case drainCh <- struct{}{}:
		default:
		}
	})

	failing := func(ctx context.Context) (Status, error) {
		return Status{}, errors.New("connection refused")
	}
	defaults := DefaultConfig()
	for i := uint32(0); i < defaults.ConsecutiveFailuresToQuarantine; i++ {
		st := s.Probe(context.Background(), "db", "global", "inst-1", failing)
		require.Equal(t, Unhealthy, st.State)
	}

	select {
	case <-drainCh:
	case <-time.After(time.Second):
		t.Fatal("lazily created breaker never tripped")
	}
}
