package bus

import (
	"context"
	"sync"

	"github.com/jkaberg/dock-station/internal/domain"
)

// Bus provides fan-out pub/sub semantics for *domain.Snapshot* messages.
// Each Subscribe call gets its own channel that receives future
// publications. Past messages are not replayed. The implementation is safe
// for concurrent publishers and subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan *domain.Snapshot
}

// New creates a ready-to-use Bus.
func New() *Bus { return &Bus{} }

// Subscribe returns a read-only channel that will receive future snapshots.
func (b *Bus) Subscribe() <-chan *domain.Snapshot {
	ch := make(chan *domain.Snapshot, 1) // small buffer avoids blocking
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the snapshot to all subscribers without blocking. A
// subscriber that is still busy with the previous snapshot skips this one
// and gets the next.
func (b *Bus) Publish(s *domain.Snapshot) {
	b.mu.RLock()
	subs := make([]chan *domain.Snapshot, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Push makes the bus usable as the station's monitoring sink. It never
// fails; slow consumers drop snapshots instead.
func (b *Bus) Push(_ context.Context, s *domain.Snapshot) error {
	b.Publish(s)
	return nil
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (b *Bus) Unsubscribe(sub <-chan *domain.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.subscribers {
		if ch == sub {
			// remove without preserving order
			b.subscribers[i] = b.subscribers[len(b.subscribers)-1]
			b.subscribers = b.subscribers[:len(b.subscribers)-1]
			close(ch)
			return
		}
	}
}
