package crawler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetReserveRelease(t *testing.T) {
	t.Parallel()

	b := NewBudget(2)
	assert.True(t, b.Reserve())
	assert.True(t, b.Reserve())
	assert.False(t, b.Reserve())
	assert.True(t, b.Exhausted())

	b.Release()
	assert.Equal(t, 1, b.Used())
	assert.True(t, b.Reserve())
}

func TestBudgetUnlimited(t *testing.T) {
	t.Parallel()

	b := NewBudget(0)
	for i := 0; i < 100; i++ {
		assert.True(t, b.Reserve())
	}
	assert.False(t, b.Exhausted())
}

func TestBudgetFromUsed(t *testing.T) {
	t.Parallel()

	b := NewBudgetFrom(3, 3)
	assert.False(t, b.Reserve())
}

func TestBudgetConcurrentCeiling(t *testing.T) {
	t.Parallel()

	b := NewBudget(5)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Reserve() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, granted)
}

func TestBudgetAcquireWaitsForHeldSlot(t *testing.T) {
	t.Parallel()

	b := NewBudget(1)
	require.True(t, b.Reserve())

	got := make(chan bool, 1)
	go func() { got <- b.Acquire(context.Background()) }()

	select {
	case <-got:
		t.Fatal("acquire returned while the slot was held")
	case <-time.After(20 * time.Millisecond):
	}
	b.Release()
	select {
	case ok := <-got:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake on release")
	}
}

func TestBudgetAcquireStopsWhenCommitted(t *testing.T) {
	t.Parallel()

	b := NewBudget(1)
	require.True(t, b.Reserve())

	got := make(chan bool, 1)
	go func() { got <- b.Acquire(context.Background()) }()
	b.Commit()

	select {
	case ok := <-got:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake on commit")
	}
	b.Release()
	assert.Equal(t, 1, b.Used())
}

func TestBudgetAcquireCanceled(t *testing.T) {
	t.Parallel()

	b := NewBudget(1)
	require.True(t, b.Reserve())
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan bool, 1)
	go func() { got <- b.Acquire(ctx) }()
	cancel()

	select {
	case ok := <-got:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("acquire ignored cancellation")
	}
}
