// Package memory provides the in-memory crawl frontier shared by a target's workers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/harvester/internal/crawler"
)

var (
	// ErrDrained is returned by Dequeue once the queue is empty and no entry is in flight.
	ErrDrained = errors.New("frontier drained")
	// ErrClosed is returned by Dequeue after Close.
	ErrClosed = errors.New("frontier closed")
)

// Frontier is an unbounded FIFO of frontier entries. It tracks entries handed
// to workers so the queue only reports ErrDrained when nothing can refill it.
type Frontier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	entries  []crawler.FrontierEntry
	inFlight []crawler.FrontierEntry
	closed   bool
}

// NewFrontier builds a Frontier seeded with entries.
func NewFrontier(entries ...crawler.FrontierEntry) *Frontier {
	f := &Frontier{entries: append([]crawler.FrontierEntry(nil), entries...)}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Enqueue appends entries. It is a no-op once the frontier is closed.
func (f *Frontier) Enqueue(entries ...crawler.FrontierEntry) {
	if len(entries) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.entries = append(f.entries, entries...)
	f.cond.Broadcast()
}

// Requeue puts an entry back at the head, e.g. when a worker stops before handling it.
// Unlike Enqueue it also works after Close so the entry is kept for Pending.
func (f *Frontier) Requeue(entry crawler.FrontierEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append([]crawler.FrontierEntry{entry}, f.entries...)
	f.cond.Broadcast()
}

// Dequeue pops the next entry, blocking while the queue is empty but other
// workers still hold entries. Callers must call Done for every entry returned.
func (f *Frontier) Dequeue(ctx context.Context) (crawler.FrontierEntry, error) {
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cond.Broadcast()
	})
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return crawler.FrontierEntry{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		if f.closed {
			return crawler.FrontierEntry{}, ErrClosed
		}
		if len(f.entries) > 0 {
			entry := f.entries[0]
			f.entries = f.entries[1:]
			f.inFlight = append(f.inFlight, entry)
			return entry, nil
		}
		if len(f.inFlight) == 0 {
			return crawler.FrontierEntry{}, ErrDrained
		}
		f.cond.Wait()
	}
}

// Done marks an entry returned by Dequeue as handled.
func (f *Frontier) Done(entry crawler.FrontierEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.inFlight {
		if e == entry {
			f.inFlight = append(f.inFlight[:i], f.inFlight[i+1:]...)
			break
		}
	}
	f.cond.Broadcast()
}

// Close wakes all waiters; later Dequeue calls return ErrClosed.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
}

// Len reports the number of queued entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Pending returns the in-flight entries followed by the queued ones, so a
// checkpoint taken mid-run can resume work a crash interrupted.
func (f *Frontier) Pending() []crawler.FrontierEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]crawler.FrontierEntry, 0, len(f.inFlight)+len(f.entries))
	out = append(out, f.inFlight...)
	return append(out, f.entries...)
}
