package websocket

import (
	"errors"
	"sync"

	"github.com/dafibh/fortuna/budget-ledger/internal/notify"
	"github.com/rs/zerolog/log"
)

// ErrClientClosed is returned when hinting a client that has gone away
var ErrClientClosed = errors.New("client is closed")

// ClientInterface defines the interface that clients must implement
type ClientInterface interface {
	ID() string
	OwnerID() string
	// Hint asks the client to refetch; repeated hints before delivery collapse into one
	Hint() error
	Close() error
}

// ChangeSource delivers ledger change signals per owner
type ChangeSource interface {
	Subscribe(ownerID string, h notify.Handler) func()
}

// Hub manages WebSocket connections organized by owner.
// While an owner has at least one client the hub is subscribed to that owner's changes.
// It is safe for concurrent use
type Hub struct {
	// owners maps owner ID to a map of client ID to client
	owners map[string]map[string]ClientInterface
	// unsubscribe holds the change subscription of every owner with clients
	unsubscribe map[string]func()
	source      ChangeSource
	mu          sync.RWMutex
}

// NewHub creates a new Hub instance. source may be nil, in which case only explicit
// Broadcast calls reach clients.
func NewHub(source ChangeSource) *Hub {
	return &Hub{
		owners:      make(map[string]map[string]ClientInterface),
		unsubscribe: make(map[string]func()),
		source:      source,
	}
}

// Register adds a client to the hub under its owner
func (h *Hub) Register(client ClientInterface) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ownerID := client.OwnerID()
	clientID := client.ID()

	if h.owners[ownerID] == nil {
		h.owners[ownerID] = make(map[string]ClientInterface)
		if h.source != nil {
			h.unsubscribe[ownerID] = h.source.Subscribe(ownerID, h.publishChange)
		}
	}

	h.owners[ownerID][clientID] = client

	log.Debug().
		Str("owner_id", ownerID).
		Str("client_id", clientID).
		Msg("WebSocket client registered")
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client ClientInterface) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ownerID := client.OwnerID()
	clientID := client.ID()

	if clients, ok := h.owners[ownerID]; ok {
		if _, exists := clients[clientID]; exists {
			delete(clients, clientID)

			// Clean up empty owner maps and stop listening for their changes
			if len(clients) == 0 {
				delete(h.owners, ownerID)
				if unsubscribe, ok := h.unsubscribe[ownerID]; ok {
					unsubscribe()
					delete(h.unsubscribe, ownerID)
				}
			}

			log.Debug().
				Str("owner_id", ownerID).
				Str("client_id", clientID).
				Msg("WebSocket client unregistered")
		}
	}
}

// Broadcast tells every client of an owner to refetch the ledger
func (h *Hub) Broadcast(ownerID string) {
	h.mu.RLock()
	clients := make([]ClientInterface, 0, len(h.owners[ownerID]))
	for _, client := range h.owners[ownerID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	// Hint never blocks, so no per-client goroutine is needed
	for _, client := range clients {
		if err := client.Hint(); err != nil {
			log.Debug().
				Err(err).
				Str("owner_id", ownerID).
				Str("client_id", client.ID()).
				Msg("Skipped hint for closed client")
		}
	}

	log.Debug().
		Str("owner_id", ownerID).
		Int("client_count", len(clients)).
		Msg("Ledger change hinted")
}

// ClientCount returns the number of clients connected for an owner
func (h *Hub) ClientCount(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if clients, ok := h.owners[ownerID]; ok {
		return len(clients)
	}
	return 0
}

// TotalClientCount returns the total number of connected clients across all owners
func (h *Hub) TotalClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, clients := range h.owners {
		total += len(clients)
	}
	return total
}
