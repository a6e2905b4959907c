package inproc

import (
	"sync"
	"time"
)

// Inbox accumulates peer tick timestamps for one agent. The relay only
// appends and the owning agent only drains.
type Inbox struct {
	mu    sync.Mutex
	items []time.Time
}

// Push appends a timestamp.
func (i *Inbox) Push(t time.Time) {
	i.mu.Lock()
	i.items = append(i.items, t)
	i.mu.Unlock()
}

// Drain returns everything pushed since the previous drain, oldest first,
// and leaves the inbox empty. Pushes racing with Drain land in the next batch.
func (i *Inbox) Drain() []time.Time {
	i.mu.Lock()
	batch := i.items
	i.items = nil
	i.mu.Unlock()
	return batch
}

// Len returns the number of pending timestamps.
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.items)
}
