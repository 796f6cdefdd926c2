package release

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	c := NewChannel(func(r Request) {
		mu.Lock()
		got = append(got, r.InstanceID)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	require.True(t, c.Post(Request{InstanceID: "a"}))
	require.True(t, c.Post(Request{InstanceID: "b"}))
	require.True(t, c.Post(Request{InstanceID: "c"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer never drained the queue")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b", "c"}, got)
	c.Close()
}

func TestCloseDrainsRemainingRequests(t *testing.T) {
	var mu sync.Mutex
	var handled int

	c := NewChannel(func(r Request) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		handled++
		mu.Unlock()
	})

	for i := 0; i < 20; i++ {
		require.True(t, c.Post(Request{InstanceID: "x"}))
	}
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 20, handled, "Close must block until every posted request is processed")
}

func TestPostAfterCloseIsRejected(t *testing.T) {
	c := NewChannel(func(Request) {})
	c.Close()
	require.False(t, c.Post(Request{InstanceID: "late"}))
}

func TestCloseIsIdempotent(t *testing.T) {
	c := NewChannel(func(Request) {})
	c.Close()
	c.Close()
}
