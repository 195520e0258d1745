// Package notify fans ledger change signals out to subscribers, coalescing bursts per owner.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler is called with the owner whose ledger changed
type Handler func(ownerID string)

// Relay carries change signals to other instances sharing the same store
type Relay interface {
	Publish(ctx context.Context, ownerID string) error
}

// Notifier delivers change signals asynchronously. Signals for an owner that arrive
// before the previous one was dispatched collapse into a single delivery.
// Local subscribers never wait on the relay: relayed signals go through their own
// coalescing outbox drained by a separate goroutine.
type Notifier struct {
	mu      sync.Mutex
	subs    map[string]map[uint64]Handler
	nextID  uint64
	dirty   map[string]bool // owner -> signal originated locally
	pending []string

	outbox    []string
	outboxSet map[string]struct{}

	wake         chan struct{}
	relayWake    chan struct{}
	done         chan struct{}
	closed       chan struct{}
	relayClosed  chan struct{}
	once         sync.Once
	ctx          context.Context
	cancelRelays context.CancelFunc

	relay   Relay
	timeout time.Duration
	logger  zerolog.Logger
}

// NewNotifier creates a Notifier and starts its dispatch loop. relay may be nil.
func NewNotifier(relay Relay, logger zerolog.Logger) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		subs:         make(map[string]map[uint64]Handler),
		dirty:        make(map[string]bool),
		outboxSet:    make(map[string]struct{}),
		wake:         make(chan struct{}, 1),
		relayWake:    make(chan struct{}, 1),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
		relayClosed:  make(chan struct{}),
		ctx:          ctx,
		cancelRelays: cancel,
		relay:        relay,
		timeout:      5 * time.Second,
		logger:       logger.With().Str("component", "notifier").Logger(),
	}
	go n.run()
	if relay != nil {
		go n.runRelay()
	} else {
		close(n.relayClosed)
	}
	return n
}

// Subscribe registers h for ownerID and returns a function that removes it
func (n *Notifier) Subscribe(ownerID string, h Handler) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	if n.subs[ownerID] == nil {
		n.subs[ownerID] = make(map[uint64]Handler)
	}
	n.subs[ownerID][id] = h
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.unsubscribe(ownerID, id) })
	}
}

func (n *Notifier) unsubscribe(ownerID string, id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs[ownerID], id)
	if len(n.subs[ownerID]) == 0 {
		delete(n.subs, ownerID)
	}
}

// SubscriberCount returns the number of handlers registered for ownerID
func (n *Notifier) SubscriberCount(ownerID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[ownerID])
}

// Notify signals that ownerID's ledger changed. It never blocks on subscribers.
func (n *Notifier) Notify(ownerID string) {
	n.enqueue(ownerID, true)
}

// Deliver dispatches a signal received from another instance without relaying it again
func (n *Notifier) Deliver(ownerID string) {
	n.enqueue(ownerID, false)
}

func (n *Notifier) enqueue(ownerID string, local bool) {
	n.mu.Lock()
	wasLocal, queued := n.dirty[ownerID]
	if !queued {
		n.pending = append(n.pending, ownerID)
	}
	n.dirty[ownerID] = wasLocal || local
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Close stops the dispatch and relay loops. Signals still queued are dropped and an
// in-flight relay publish is cancelled.
func (n *Notifier) Close() {
	n.once.Do(func() {
		close(n.done)
		n.cancelRelays()
		<-n.closed
		<-n.relayClosed
	})
}

func (n *Notifier) run() {
	defer close(n.closed)
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
			n.dispatch()
		}
	}
}

func (n *Notifier) dispatch() {
	for {
		n.mu.Lock()
		if len(n.pending) == 0 {
			n.mu.Unlock()
			return
		}
		ownerID := n.pending[0]
		n.pending = n.pending[1:]
		local := n.dirty[ownerID]
		delete(n.dirty, ownerID)
		handlers := make([]Handler, 0, len(n.subs[ownerID]))
		for _, h := range n.subs[ownerID] {
			handlers = append(handlers, h)
		}
		n.mu.Unlock()

		for _, h := range handlers {
			h(ownerID)
		}

		if local && n.relay != nil {
			n.queueRelay(ownerID)
		}
	}
}

// queueRelay adds ownerID to the outbox unless a publish for it is already waiting
func (n *Notifier) queueRelay(ownerID string) {
	n.mu.Lock()
	if _, queued := n.outboxSet[ownerID]; !queued {
		n.outboxSet[ownerID] = struct{}{}
		n.outbox = append(n.outbox, ownerID)
	}
	n.mu.Unlock()

	select {
	case n.relayWake <- struct{}{}:
	default:
	}
}

func (n *Notifier) runRelay() {
	defer close(n.relayClosed)
	for {
		select {
		case <-n.done:
			return
		case <-n.relayWake:
			n.publishOutbox()
		}
	}
}

func (n *Notifier) publishOutbox() {
	for {
		n.mu.Lock()
		if len(n.outbox) == 0 {
			n.mu.Unlock()
			return
		}
		ownerID := n.outbox[0]
		n.outbox = n.outbox[1:]
		delete(n.outboxSet, ownerID)
		n.mu.Unlock()

		ctx, cancel := context.WithTimeout(n.ctx, n.timeout)
		if err := n.relay.Publish(ctx, ownerID); err != nil && n.ctx.Err() == nil {
			n.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("Failed to relay ledger change")
		}
		cancel()
	}
}
