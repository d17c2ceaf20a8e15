// Package notify delivers change records to interested parties after a
// version is accepted.
//
// Notifier is an in-process bus: Publish never blocks, and a subscriber whose
// buffer is full misses the record. RedisForwarder relays records to Redis
// pub/sub channels from its own goroutine.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/roach88/coedit/internal/ir"
)

// DefaultBufferSize is the per-subscriber buffer used when none is given.
const DefaultBufferSize = 64

// Notifier is an in-process publish/subscribe bus for change records.
// Safe for concurrent use.
type Notifier struct {
	subscribers sync.Map // id -> *Subscription
	bufferSize  int
	nextID      atomic.Uint64
	dropped     atomic.Int64
}

// New creates a Notifier. A non-positive bufferSize uses DefaultBufferSize.
func New(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Notifier{bufferSize: bufferSize}
}

// Subscription receives records for one event, or for all events when
// created with an empty event ID.
type Subscription struct {
	ID      uint64
	EventID string

	n      *Notifier
	ch     chan ir.ChangeRecord
	mu     sync.RWMutex
	closed bool
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan ir.ChangeRecord {
	return s.ch
}

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.n.subscribers.Delete(s.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) offer(rec ir.ChangeRecord) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- rec:
		return true
	default:
		return false
	}
}

// Subscribe registers a subscriber. An empty eventID matches every event.
func (n *Notifier) Subscribe(eventID string) *Subscription {
	sub := &Subscription{
		ID:      n.nextID.Add(1),
		EventID: eventID,
		n:       n,
		ch:      make(chan ir.ChangeRecord, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Publish delivers rec to every matching subscriber without blocking.
func (n *Notifier) Publish(rec ir.ChangeRecord) {
	n.subscribers.Range(func(_, value any) bool {
		sub := value.(*Subscription)
		if sub.EventID != "" && sub.EventID != rec.EventID {
			return true
		}
		if !sub.offer(rec) {
			n.dropped.Add(1)
		}
		return true
	})
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}
