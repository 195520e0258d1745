package websocket

import "github.com/dafibh/fortuna/budget-ledger/internal/domain"

// Hub can take the place of the notifier in a single-instance setup with no other subscribers
var _ domain.ChangeNotifier = (*Hub)(nil)

// Notify hints the owner's clients to refetch
func (h *Hub) Notify(ownerID string) {
	h.Broadcast(ownerID)
}

// publishChange is the hub's notify.Handler for owners with connected clients
func (h *Hub) publishChange(ownerID string) {
	h.Broadcast(ownerID)
}
