package mailbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_HandlesInPushOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	m := New(func(v int) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, v)
	})

	// Items pushed before Start are queued, not lost.
	for i := 0; i < 3; i++ {
		m.Push(i)
	}
	assert.Equal(t, 3, m.Len())
	m.Start()
	m.Start()
	for i := 3; i < 20; i++ {
		m.Push(i)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	}, 2*time.Second, 5*time.Millisecond)
	m.Stop()

	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, m.Len())
}

func TestMailbox_PushDoesNotBlockOnSlowHandler(t *testing.T) {
	release := make(chan struct{})
	m := New(func(int) { <-release })
	m.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.Push(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked behind the handler")
	}
	close(release)
	m.Stop()
}

func TestMailbox_StopWithoutStart(t *testing.T) {
	m := New(func(string) { t.Fatal("must not handle") })
	m.Push("x")
	m.Stop()
	m.Stop()

	// A stopped mailbox never starts.
	m.Start()
	time.Sleep(20 * time.Millisecond)
}

func TestMailbox_StopTwiceAfterStart(t *testing.T) {
	m := New(func(string) {})
	m.Start()
	m.Push("x")
	m.Stop()
	m.Stop()
}
