package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent(EventTypeChanged, EntityTypeLedger, map[string]interface{}{"k": "v"})
	after := time.Now().UTC()

	assert.Equal(t, "ledger.changed", event.Type)
	assert.Equal(t, EntityTypeLedger, event.Entity)
	assert.False(t, event.Timestamp.Before(before))
	assert.False(t, event.Timestamp.After(after))
}

func TestLedgerChanged_JSONShape(t *testing.T) {
	data, err := LedgerChanged("auth0|abc").ToJSON()
	require.NoError(t, err)

	var decoded struct {
		Type      string               `json:"type"`
		Entity    string               `json:"entity"`
		Payload   LedgerChangedPayload `json:"payload"`
		Timestamp time.Time            `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "ledger.changed", decoded.Type)
	assert.Equal(t, "ledger", decoded.Entity)
	assert.Equal(t, "auth0|abc", decoded.Payload.OwnerID)
	assert.False(t, decoded.Timestamp.IsZero())
}
