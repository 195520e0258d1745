package websocket

import (
	"testing"

	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestHub_NotifyHintsOwnerClients(t *testing.T) {
	hub := NewHub(nil)

	client := newMockClient("client-1", "owner-1")
	other := newMockClient("client-2", "owner-2")
	hub.Register(client)
	hub.Register(other)

	var notifier domain.ChangeNotifier = hub
	notifier.Notify("owner-1")
	notifier.Notify("owner-1")

	assert.Equal(t, 2, client.Hints())
	assert.Equal(t, 0, other.Hints())
}
