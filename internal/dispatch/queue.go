// Package dispatch contains the core of the gateway: the inbound
// packet router, the SOS dispatch engine, the AI worker, the watchdog,
// and the range-test beacon. Components share the session store's
// single guard for state and the send helper for all radio output.
package dispatch

import "sync/atomic"

// queueCapacity is the channel buffer behind the work queue. It sits
// well above the router's depth gate so that triage items, which are
// never gated, always find room.
const queueCapacity = 64

// Item is one unit of work for the AI worker.
type Item struct {
	Sender  string
	Text    string
	Channel int
	// Triage routes the item through the active session's prompt
	// instead of general chat.
	Triage bool
}

// Queue is the FIFO between the router (producer) and the single AI
// worker (consumer). One consumer gives per-sender ordering for free.
type Queue struct {
	ch    chan Item
	depth atomic.Int64
}

// NewQueue creates the work queue.
func NewQueue() *Queue {
	return &Queue{ch: make(chan Item, queueCapacity)}
}

// Enqueue adds an item without blocking. Returns false when the buffer
// is full, which the router treats as a drop.
func (q *Queue) Enqueue(item Item) bool {
	select {
	case q.ch <- item:
		q.depth.Add(1)
		return true
	default:
		return false
	}
}

// Items is the consumer side. The worker must call Done after
// processing each received item.
func (q *Queue) Items() <-chan Item {
	return q.ch
}

// Done marks one consumed item complete for depth accounting.
func (q *Queue) Done() {
	q.depth.Add(-1)
}

// Depth returns the number of items accepted but not yet completed.
// The router's depth gate reads this.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}
