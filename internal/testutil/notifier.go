package testutil

import "sync"

// RecordingNotifier records every owner it is notified about
type RecordingNotifier struct {
	mu     sync.Mutex
	owners []string
}

// NewRecordingNotifier creates a new RecordingNotifier
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

// Notify records ownerID
func (n *RecordingNotifier) Notify(ownerID string) {
	n.mu.Lock()
	n.owners = append(n.owners, ownerID)
	n.mu.Unlock()
}

// Count returns how many notifications were received for ownerID
func (n *RecordingNotifier) Count(ownerID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, o := range n.owners {
		if o == ownerID {
			count++
		}
	}
	return count
}

// Reset forgets every recorded notification
func (n *RecordingNotifier) Reset() {
	n.mu.Lock()
	n.owners = nil
	n.mu.Unlock()
}
