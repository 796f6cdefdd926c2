package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"resourcelife/health"
)

func warmEntries(t *testing.T, p *Pool, n int) []string {
	t.Helper()
	acquired := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := p.Acquire(context.Background())
		require.NoError(t, err)
		acquired = append(acquired, e)
	}
	ids := make([]string, 0, n)
	for _, e := range acquired {
		ids = append(ids, e.Instance.InstanceID)
		p.Release(context.Background(), e.Instance.InstanceID)
	}
	return ids
}

func TestLIFOHandsOutNewestFirst(t *testing.T) {
	k := newTestKind(t)
	p := New(k, "global", Config{MaxSize: 3, AcquireTimeout: time.Second, Strategy: LIFO}, &fakeFactory{}, nil, nil)
	defer p.Close(context.Background())

	ids := warmEntries(t, p, 3)

	e, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, ids[len(ids)-1], e.Instance.InstanceID, "LIFO must serve the most recently released entry")
}

func TestFIFOHandsOutOldestFirst(t *testing.T) {
	k := newTestKind(t)
	p := New(k, "global", Config{MaxSize: 3, AcquireTimeout: time.Second, Strategy: FIFO}, &fakeFactory{}, nil, nil)
	defer p.Close(context.Background())

	ids := warmEntries(t, p, 3)

	e, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, ids[0], e.Instance.InstanceID, "FIFO must serve the oldest released entry")
}

func TestWeightedPrefersHealthierEntries(t *testing.T) {
	k := newTestKind(t)
	p := New(k, "global", Config{MaxSize: 2, AcquireTimeout: time.Second, Strategy: Weighted}, &fakeFactory{}, nil, nil)
	defer p.Close(context.Background())

	e1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	e2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	e1.Instance.SetHealth(health.Status{State: health.Degraded, Reason: "slow"})
	e2.Instance.SetHealth(health.Status{State: health.Healthy})
	healthyID := e2.Instance.InstanceID

	p.Release(context.Background(), e1.Instance.InstanceID)
	p.Release(context.Background(), e2.Instance.InstanceID)

	got, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, healthyID, got.Instance.InstanceID, "Weighted must prefer the Healthy entry over the Degraded one")
}

func TestAcquireTimeoutZeroMeansNoWait(t *testing.T) {
	k := newTestKind(t)
	p := New(k, "global", Config{MaxSize: 1, AcquireTimeout: 0, Strategy: FIFO}, &fakeFactory{}, nil, nil)
	defer p.Close(context.Background())

	e, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Less(t, time.Since(start), 100*time.Millisecond, "acquire_timeout=0 must fail immediately on contention")

	p.Release(context.Background(), e.Instance.InstanceID)
}

func TestValidationOnReleaseDestroysInvalidEntry(t *testing.T) {
	k := newTestKind(t)
	f := &validatingFactory{valid: false}
	p := New(k, "global", Config{MaxSize: 1, AcquireTimeout: time.Second, Strategy: FIFO, ValidationOnRelease: true}, f, nil, nil)
	defer p.Close(context.Background())

	e, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(context.Background(), e.Instance.InstanceID)

	available, acquired := p.Snapshot()
	require.Zero(t, available, "an entry failing release validation must be destroyed, not pooled")
	require.Zero(t, acquired)
	require.EqualValues(t, 1, f.cleaned.Load())
}

func TestDrainAndReplaceEvictsAvailableOnly(t *testing.T) {
	k := newTestKind(t)
	f := &fakeFactory{}
	p := New(k, "global", Config{MaxSize: 3, AcquireTimeout: time.Second, Strategy: FIFO}, f, nil, nil)
	defer p.Close(context.Background())

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	idle, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(context.Background(), idle.Instance.InstanceID)

	p.DrainAndReplace(context.Background())

	available, acquired := p.Snapshot()
	require.Zero(t, available, "available entries must be evicted")
	require.Equal(t, 1, acquired, "the outstanding entry must be left alone")

	p.Release(context.Background(), held.Instance.InstanceID)
}

func TestIdleEvictionRespectsMinSize(t *testing.T) {
	k := newTestKind(t)
	f := &fakeFactory{}
	cfg := Config{
		MinSize:             1,
		MaxSize:             3,
		AcquireTimeout:      time.Second,
		Strategy:            FIFO,
		IdleTimeout:         10 * time.Millisecond,
		HealthProbeInterval: 20 * time.Millisecond,
	}
	p := New(k, "global", cfg, f, nil, nil)
	defer p.Close(context.Background())

	warmEntries(t, p, 3)

	require.Eventually(t, func() bool {
		available, acquired := p.Snapshot()
		return available == 1 && acquired == 0
	}, 2*time.Second, 10*time.Millisecond, "idle eviction must shrink the pool down to min_size and stop")
}

func TestProbeFailureQuarantinesAndRecovers(t *testing.T) {
	k := newTestKind(t)
	f := &probingFactory{}
	cfg := Config{
		MaxSize:             1,
		AcquireTimeout:      time.Second,
		Strategy:            FIFO,
		HealthProbeInterval: 15 * time.Millisecond,
		MaxConcurrentProbes: 2,
	}
	p := New(k, "global", cfg, f, nil, nil)
	defer p.Close(context.Background())

	e, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(context.Background(), e.Instance.InstanceID)

	// The failing probe takes the entry out of service.
	require.Eventually(t, func() bool {
		available, _ := p.Snapshot()
		return e.Instance.Health().State == health.Unhealthy && available == 0
	}, 2*time.Second, 10*time.Millisecond, "a failing probe must quarantine the entry")

	// Once the backend comes back, the backed-off recovery probe restores it.
	f.healthy.Store(true)
	require.Eventually(t, func() bool {
		available, _ := p.Snapshot()
		return available == 1 && e.Instance.Health().State == health.Healthy
	}, 3*time.Second, 10*time.Millisecond, "a recovered entry must return to service")
}

func TestClosedPoolRejectsAcquire(t *testing.T) {
	k := newTestKind(t)
	p := New(k, "global", Config{MaxSize: 1, AcquireTimeout: time.Second, Strategy: FIFO}, &fakeFactory{}, nil, nil)
	p.Close(context.Background())

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	require.False(t, errors.Is(err, context.DeadlineExceeded))
}

type validatingFactory struct {
	fakeFactory
	valid   bool
	cleaned atomic.Int64
}

func (f *validatingFactory) Validate(ctx context.Context, inner any) bool { return f.valid }

func (f *validatingFactory) Cleanup(ctx context.Context, inner any) error {
	f.cleaned.Add(1)
	return nil
}

type probingFactory struct {
	fakeFactory
	healthy atomic.Bool
}

func (f *probingFactory) HealthCheck(ctx context.Context, inner any) (health.Status, error) {
	if f.healthy.Load() {
		return health.Status{State: health.Healthy}, nil
	}
	return health.Status{State: health.Unhealthy, Reason: "probe refused", Since: time.Now()}, nil
}
