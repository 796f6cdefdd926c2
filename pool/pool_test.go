package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"resourcelife/kind"
)

type fakeFactory struct {
	created atomic.Int64
	meta    kind.Metadata
}

func (f *fakeFactory) Metadata() kind.Metadata { return f.meta }
func (f *fakeFactory) Create(ctx context.Context, scopeKey string) (any, error) {
	f.created.Add(1)
	return &struct{ n int64 }{n: f.created.Load()}, nil
}
func (f *fakeFactory) Cleanup(ctx context.Context, inner any) error { return nil }

func newTestKind(t *testing.T) kind.ResourceKind {
	k, err := kind.New("db", "v1")
	require.NoError(t, err)
	return k
}

func TestAcquireRespectsMaxSize(t *testing.T) {
	k := newTestKind(t)
	f := &fakeFactory{}
	cfg := Config{MinSize: 0, MaxSize: 2, AcquireTimeout: 50 * time.Millisecond, Strategy: FIFO}
	p := New(k, "global", cfg, f, nil, nil)
	defer p.Close(context.Background())

	e1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	e2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, e1)
	require.NotNil(t, e2)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 2, exhausted.Max)
}

func TestMaxSizeZeroRejectsEveryAcquire(t *testing.T) {
	k := newTestKind(t)
	f := &fakeFactory{}
	p := New(k, "global", Config{MaxSize: 0}, f, nil, nil)
	defer p.Close(context.Background())

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
}

func TestReleaseReturnsInstanceToPoolNotNewlyCreated(t *testing.T) {
	k := newTestKind(t)
	f := &fakeFactory{}
	cfg := Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second, Strategy: FIFO}
	p := New(k, "global", cfg, f, nil, nil)
	defer p.Close(context.Background())

	require.NoError(t, p.Warm(context.Background()))
	require.EqualValues(t, 1, f.created.Load())

	e, err := p.Acquire(context.Background())
	require.NoError(t, err)
	id := e.Instance.InstanceID
	p.Release(context.Background(), id)

	e2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, id, e2.Instance.InstanceID)
	require.EqualValues(t, 1, f.created.Load(), "second acquire must reuse the pooled instance, not create a new one")
}

func TestFIFOWaiterFairness(t *testing.T) {
	k := newTestKind(t)
	f := &fakeFactory{}
	cfg := Config{MinSize: 0, MaxSize: 1, AcquireTimeout: 2 * time.Second, Strategy: FIFO}
	p := New(k, "global", cfg, f, nil, nil)
	defer p.Close(context.Background())

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)

	const n = 5
	order := make([]int, 0, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	started := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			started <- struct{}{}
			time.Sleep(10 * time.Millisecond) // best-effort enqueue ordering
			e, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, idx)
			mu.Unlock()
			p.Release(context.Background(), e.Instance.InstanceID)
		}(i)
		<-started
		time.Sleep(5 * time.Millisecond)
	}

	p.Release(context.Background(), first.Instance.InstanceID)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i := 1; i < len(order); i++ {
		require.Less(t, order[i-1], order[i], "waiters must be served in FIFO enqueue order")
	}
}
