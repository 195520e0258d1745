package websocket

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dafibh/fortuna/budget-ledger/internal/notify"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockClient is a test double for Client that counts refetch hints
type mockClient struct {
	id      string
	ownerID string
	hints   int
	mu      sync.Mutex
	closed  bool
}

func newMockClient(id, ownerID string) *mockClient {
	return &mockClient{id: id, ownerID: ownerID}
}

func (m *mockClient) ID() string {
	return m.id
}

func (m *mockClient) OwnerID() string {
	return m.ownerID
}

func (m *mockClient) Hint() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClientClosed
	}
	m.hints++
	return nil
}

func (m *mockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockClient) Hints() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hints
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(nil)

	client1 := newMockClient("client-1", "owner-1")
	client2 := newMockClient("client-2", "owner-1")
	client3 := newMockClient("client-3", "owner-2")

	hub.Register(client1)
	hub.Register(client2)
	hub.Register(client3)

	assert.Equal(t, 2, hub.ClientCount("owner-1"))
	assert.Equal(t, 1, hub.ClientCount("owner-2"))
	assert.Equal(t, 0, hub.ClientCount("nobody"))
	assert.Equal(t, 3, hub.TotalClientCount())

	hub.Unregister(client1)
	assert.Equal(t, 1, hub.ClientCount("owner-1"))

	hub.Unregister(client2)
	hub.Unregister(client3)
	assert.Equal(t, 0, hub.ClientCount("owner-1"))
	assert.Equal(t, 0, hub.ClientCount("owner-2"))
}

func TestHub_Broadcast_OwnerIsolation(t *testing.T) {
	hub := NewHub(nil)

	client1a := newMockClient("client-1a", "owner-1")
	client1b := newMockClient("client-1b", "owner-1")
	client2 := newMockClient("client-2", "owner-2")

	hub.Register(client1a)
	hub.Register(client1b)
	hub.Register(client2)

	hub.Broadcast("owner-1")

	assert.Equal(t, 1, client1a.Hints(), "client1a should be hinted once")
	assert.Equal(t, 1, client1b.Hints(), "client1b should be hinted once")
	assert.Equal(t, 0, client2.Hints(), "client2 should not hear about another owner's changes")
}

func TestHub_SubscribesWhileOwnerHasClients(t *testing.T) {
	notifier := notify.NewNotifier(nil, zerolog.Nop())
	defer notifier.Close()
	hub := NewHub(notifier)

	client1 := newMockClient("client-1", "owner-1")
	client2 := newMockClient("client-2", "owner-1")

	hub.Register(client1)
	hub.Register(client2)
	assert.Equal(t, 1, notifier.SubscriberCount("owner-1"), "one subscription per owner")

	notifier.Notify("owner-1")
	assert.Eventually(t, func() bool {
		return client1.Hints() == 1 && client2.Hints() == 1
	}, time.Second, 5*time.Millisecond)

	hub.Unregister(client1)
	assert.Equal(t, 1, notifier.SubscriberCount("owner-1"))
	hub.Unregister(client2)
	assert.Equal(t, 0, notifier.SubscriberCount("owner-1"))
}

func TestHub_ConcurrentAccess(t *testing.T) {
	notifier := notify.NewNotifier(nil, zerolog.Nop())
	defer notifier.Close()
	hub := NewHub(notifier)

	var wg sync.WaitGroup
	clientCount := 50

	clients := make([]*mockClient, clientCount)
	for i := 0; i < clientCount; i++ {
		clients[i] = newMockClient(fmt.Sprintf("client-%d", i), fmt.Sprintf("owner-%d", i%5))
	}

	for i := 0; i < clientCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			hub.Register(clients[idx])
		}(i)
	}
	wg.Wait()

	assert.Equal(t, clientCount, hub.TotalClientCount())

	// Concurrently notify and unregister
	for i := 0; i < clientCount; i++ {
		wg.Add(2)
		go func(idx int) {
			defer wg.Done()
			notifier.Notify(fmt.Sprintf("owner-%d", idx%5))
		}(i)
		go func(idx int) {
			defer wg.Done()
			hub.Unregister(clients[idx])
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, hub.TotalClientCount())
	for i := 0; i < 5; i++ {
		assert.Equal(t, 0, notifier.SubscriberCount(fmt.Sprintf("owner-%d", i)))
	}
}

func TestHub_UnregisterNonexistent(t *testing.T) {
	hub := NewHub(nil)

	client := newMockClient("client-1", "owner-1")

	require.NotPanics(t, func() {
		hub.Unregister(client)
	})
}

func TestHub_BroadcastSkipsClosedClients(t *testing.T) {
	hub := NewHub(nil)

	open := newMockClient("client-1", "owner-1")
	closed := newMockClient("client-2", "owner-1")
	require.NoError(t, closed.Close())
	hub.Register(open)
	hub.Register(closed)

	require.NotPanics(t, func() { hub.Broadcast("owner-1") })
	assert.Equal(t, 1, open.Hints())
	assert.Equal(t, 0, closed.Hints())
}

func TestHub_BroadcastToOwnerWithoutClients(t *testing.T) {
	hub := NewHub(nil)

	require.NotPanics(t, func() {
		hub.Broadcast("nobody")
	})
}
