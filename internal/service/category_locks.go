package service

import (
	"context"
	"sort"
	"sync"

	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
)

// ownerScope is the lock key guarding an owner's settings and category seeding.
// It sorts before every category ID, so taking it first keeps acquisition ordered.
const ownerScope = ""

// categoryLocks serializes engine writes per (owner, category). Locks are always
// taken in ascending category ID order so cross-category operations cannot deadlock.
type categoryLocks struct {
	mu    sync.Mutex
	locks map[domain.CategoryKey]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newCategoryLocks() *categoryLocks {
	return &categoryLocks{locks: make(map[domain.CategoryKey]*lockEntry)}
}

// Lock acquires the locks of the given categories of owner, waiting at most until ctx is done.
// The returned func releases everything that was acquired.
func (l *categoryLocks) Lock(ctx context.Context, ownerID string, categoryIDs ...string) (func(), error) {
	ids := uniqueSorted(categoryIDs)
	acquired := make([]*lockEntry, 0, len(ids))
	keys := make([]domain.CategoryKey, 0, len(ids))

	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			<-acquired[i].ch
			l.unref(keys[i])
		}
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			release()
			return nil, err
		}
		key := domain.CategoryKey{OwnerID: ownerID, CategoryID: id}
		entry := l.ref(key)
		select {
		case entry.ch <- struct{}{}:
			acquired = append(acquired, entry)
			keys = append(keys, key)
		case <-ctx.Done():
			l.unref(key)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *categoryLocks) ref(key domain.CategoryKey) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (l *categoryLocks) unref(key domain.CategoryKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}

// size returns the number of live lock entries
func (l *categoryLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
