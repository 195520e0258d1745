package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRelay struct {
	mu     sync.Mutex
	owners []string
}

func (r *recordingRelay) Publish(ctx context.Context, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners = append(r.owners, ownerID)
	return nil
}

func (r *recordingRelay) published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.owners...)
}

func TestNotifier_DeliversToOwnerSubscribers(t *testing.T) {
	n := NewNotifier(nil, zerolog.Nop())
	defer n.Close()

	var a, b atomic.Int32
	unsubA := n.Subscribe("owner-a", func(string) { a.Add(1) })
	defer unsubA()
	unsubB := n.Subscribe("owner-b", func(string) { b.Add(1) })
	defer unsubB()

	n.Notify("owner-a")

	assert.Eventually(t, func() bool { return a.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), b.Load())
}

func TestNotifier_CoalescesBursts(t *testing.T) {
	n := NewNotifier(nil, zerolog.Nop())
	defer n.Close()

	release := make(chan struct{})
	var calls atomic.Int32
	unsub := n.Subscribe("owner-a", func(string) {
		if calls.Add(1) == 1 {
			<-release
		}
	})
	defer unsub()

	// First signal is being delivered while the rest pile up
	n.Notify("owner-a")
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 100; i++ {
		n.Notify("owner-a")
	}
	close(release)

	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNotifier_Unsubscribe(t *testing.T) {
	n := NewNotifier(nil, zerolog.Nop())
	defer n.Close()

	var calls atomic.Int32
	unsub := n.Subscribe("owner-a", func(string) { calls.Add(1) })
	assert.Equal(t, 1, n.SubscriberCount("owner-a"))

	unsub()
	unsub()
	assert.Equal(t, 0, n.SubscriberCount("owner-a"))

	n.Notify("owner-a")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestNotifier_RelaysOnlyLocalSignals(t *testing.T) {
	relay := &recordingRelay{}
	n := NewNotifier(relay, zerolog.Nop())
	defer n.Close()

	var delivered atomic.Int32
	unsub := n.Subscribe("owner-a", func(string) { delivered.Add(1) })
	defer unsub()

	n.Deliver("owner-a")
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, relay.published())

	n.Notify("owner-b")
	assert.Eventually(t, func() bool { return len(relay.published()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"owner-b"}, relay.published())
}

// blockingRelay holds every publish until released or cancelled
type blockingRelay struct {
	release chan struct{}
	calls   atomic.Int32
}

func (r *blockingRelay) Publish(ctx context.Context, ownerID string) error {
	r.calls.Add(1)
	select {
	case <-r.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestNotifier_SlowRelayDoesNotDelayLocalDelivery(t *testing.T) {
	relay := &blockingRelay{release: make(chan struct{})}
	n := NewNotifier(relay, zerolog.Nop())
	defer n.Close()
	defer close(relay.release)

	var delivered sync.Map
	for _, owner := range []string{"owner-a", "owner-b", "owner-c"} {
		unsub := n.Subscribe(owner, func(ownerID string) { delivered.Store(ownerID, true) })
		defer unsub()
	}

	start := time.Now()
	n.Notify("owner-a")
	n.Notify("owner-b")
	n.Notify("owner-c")

	require.Eventually(t, func() bool {
		count := 0
		delivered.Range(func(any, any) bool { count++; return true })
		return count == 3
	}, time.Second, 5*time.Millisecond)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// The first publish is still stuck; the rest wait in the outbox
	assert.Equal(t, int32(1), relay.calls.Load())
}

func TestNotifier_CloseCancelsStuckRelay(t *testing.T) {
	relay := &blockingRelay{release: make(chan struct{})}
	n := NewNotifier(relay, zerolog.Nop())

	n.Notify("owner-a")
	require.Eventually(t, func() bool { return relay.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		n.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on an in-flight relay publish")
	}
}

func TestNotifier_CloseIsIdempotent(t *testing.T) {
	n := NewNotifier(nil, zerolog.Nop())
	n.Close()
	n.Close()

	// Notify after close must not block
	n.Notify("owner-a")
}

func TestKafkaRelay_Decode(t *testing.T) {
	r := &KafkaRelay{instanceID: "instance-1", logger: zerolog.Nop()}

	foreign, err := encodeChange(changeMessage{OwnerID: "owner-a", Origin: "instance-2"})
	require.NoError(t, err)
	owner, ok := r.decode(foreign)
	assert.True(t, ok)
	assert.Equal(t, "owner-a", owner)

	own, err := encodeChange(changeMessage{OwnerID: "owner-a", Origin: "instance-1"})
	require.NoError(t, err)
	_, ok = r.decode(own)
	assert.False(t, ok)

	_, ok = r.decode([]byte("not json"))
	assert.False(t, ok)

	_, ok = r.decode([]byte(`{"origin":"instance-2"}`))
	assert.False(t, ok)
}
