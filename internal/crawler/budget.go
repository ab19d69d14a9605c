package crawler

import (
	"context"
	"sync"
)

// Budget is a concurrency-safe counter with a ceiling. Workers reserve a slot
// before doing capped work, then either commit it when the work counted or
// release it when it did not.
type Budget struct {
	mu        sync.Mutex
	cond      *sync.Cond
	used      int
	committed int
	max       int
}

// NewBudget returns a Budget allowing max reservations. A max <= 0 is unlimited.
func NewBudget(max int) *Budget {
	return NewBudgetFrom(max, 0)
}

// NewBudgetFrom returns a Budget that already has used slots committed.
func NewBudgetFrom(max, used int) *Budget {
	b := &Budget{max: max, used: used, committed: used}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Reserve takes a slot, reporting false when the budget is exhausted.
func (b *Budget) Reserve() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && b.used >= b.max {
		return false
	}
	b.used++
	return true
}

// Acquire takes a slot, waiting while the free slots are all held by
// reservations that may still be released. It returns false once committed
// slots fill the budget or ctx ends.
func (b *Budget) Acquire(ctx context.Context) bool {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.cond.Broadcast()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.max <= 0 || b.used < b.max {
			b.used++
			return true
		}
		if b.committed >= b.max || ctx.Err() != nil {
			return false
		}
		b.cond.Wait()
	}
}

// Commit marks a reserved slot as final; it can no longer be released.
func (b *Budget) Commit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed < b.used {
		b.committed++
	}
	b.cond.Broadcast()
}

// Release returns a slot taken by Reserve or Acquire.
func (b *Budget) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used > b.committed {
		b.used--
	}
	b.cond.Broadcast()
}

// Used reports the number of reserved slots, committed ones included.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Exhausted reports whether no slot is left.
func (b *Budget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max > 0 && b.used >= b.max
}
