package notify

import (
	"sync"

	"github.com/roach88/coedit/internal/ir"
)

// queue is an unbounded FIFO of change records with a coalescing wake-up
// signal, so Publish never waits on the network.
type queue struct {
	mu      sync.Mutex
	records []ir.ChangeRecord
	closed  bool
	signal  chan struct{} // buffered, size 1
}

func newQueue() *queue {
	return &queue{
		records: make([]ir.ChangeRecord, 0, 64),
		signal:  make(chan struct{}, 1),
	}
}

// push appends rec. Returns false once the queue is closed.
func (q *queue) push(rec ir.ChangeRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.records = append(q.records, rec)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryPop removes the front record without blocking.
func (q *queue) tryPop() (ir.ChangeRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.records) == 0 {
		return ir.ChangeRecord{}, false
	}
	rec := q.records[0]
	// Clear the slot so the backing array does not pin the summary.
	q.records[0] = ir.ChangeRecord{}
	if len(q.records) == 1 {
		q.records = q.records[:0]
	} else {
		q.records = q.records[1:]
	}
	return rec, true
}

// wait fires when records may be available, and permanently once closed.
func (q *queue) wait() <-chan struct{} {
	return q.signal
}

// drained reports whether the queue is closed and empty. A wake-up on an
// open queue may be stale, so only this decides shutdown.
func (q *queue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.records) == 0
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
