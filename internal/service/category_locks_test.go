package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryLocks_MutualExclusion(t *testing.T) {
	locks := newCategoryLocks()
	ctx := context.Background()

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locks.Lock(ctx, "owner", "cat-a")
			require.NoError(t, err)
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 0, locks.size())
}

func TestCategoryLocks_IndependentKeys(t *testing.T) {
	locks := newCategoryLocks()
	ctx := context.Background()

	unlockA, err := locks.Lock(ctx, "owner", "cat-a")
	require.NoError(t, err)
	defer unlockA()

	// A different category, or the same category of another owner, is not blocked
	unlockB, err := locks.Lock(ctx, "owner", "cat-b")
	require.NoError(t, err)
	unlockB()

	unlockOther, err := locks.Lock(ctx, "other-owner", "cat-a")
	require.NoError(t, err)
	unlockOther()
}

func TestCategoryLocks_TimeoutReleasesPartialAcquisition(t *testing.T) {
	locks := newCategoryLocks()

	unlockB, err := locks.Lock(context.Background(), "owner", "cat-b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "owner", "cat-b", "cat-a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// cat-a was acquired first and must have been released
	unlockA, err := locks.Lock(context.Background(), "owner", "cat-a")
	require.NoError(t, err)
	unlockA()

	unlockB()
	assert.Equal(t, 0, locks.size())
}

func TestCategoryLocks_OrderedAcquisitionAvoidsDeadlock(t *testing.T) {
	locks := newCategoryLocks()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		ids := []string{"cat-a", "cat-b"}
		if i%2 == 1 {
			ids = []string{"cat-b", "cat-a"}
		}
		wg.Add(1)
		go func(ids []string) {
			defer wg.Done()
			unlock, err := locks.Lock(ctx, "owner", ids...)
			if !assert.NoError(t, err) {
				return
			}
			unlock()
		}(ids)
	}
	wg.Wait()
	assert.Equal(t, 0, locks.size())
}

func TestCategoryLocks_UnlockIsIdempotent(t *testing.T) {
	locks := newCategoryLocks()
	unlock, err := locks.Lock(context.Background(), "owner", "cat-a", "cat-a")
	require.NoError(t, err)
	unlock()
	unlock()
	assert.Equal(t, 0, locks.size())
}
