// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (router, dispatch engine,
// AI worker, watchdog) to subscribers (the web dashboard's WebSocket
// handler). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceRouter identifies events from the inbound packet router.
	SourceRouter = "router"
	// SourceDispatch identifies events from the SOS dispatch engine.
	SourceDispatch = "dispatch"
	// SourceWorker identifies events from the AI worker.
	SourceWorker = "worker"
	// SourceWatchdog identifies events from the watchdog sweep.
	SourceWatchdog = "watchdog"
	// SourceRadio identifies events from the radio adapter.
	SourceRadio = "radio"
)

// Kind constants describe the type of event within a source.
const (
	// KindPacketReceived signals an accepted inbound text packet.
	// Data: sender, name, message_len, channel.
	KindPacketReceived = "packet_received"
	// KindSOSDispatched signals a completed SOS dispatch sequence.
	// Data: incident, sender, trigger, routed_to.
	KindSOSDispatched = "sos_dispatched"
	// KindMenu911Sent signals a 911 menu was transmitted.
	// Data: sender.
	KindMenu911Sent = "menu_911_sent"
	// KindSessionClosed signals a triage session ended.
	// Data: sender, reason, duration_sec.
	KindSessionClosed = "session_closed"
	// KindTriageExchange signals a completed triage LLM round trip.
	// Data: sender, trigger.
	KindTriageExchange = "triage_exchange"
	// KindGeneralExchange signals a completed general-chat round trip.
	// Data: sender.
	KindGeneralExchange = "general_exchange"
	// KindRestricted signals a sender was locked out by a responder.
	// Data: sender, by, minutes.
	KindRestricted = "restricted"
	// KindQueueDrop signals the queue-depth gate rejected a message.
	// Data: sender, depth.
	KindQueueDrop = "queue_drop"
	// KindWorkerError signals an LLM or radio failure inside the worker.
	// Data: sender, error.
	KindWorkerError = "worker_error"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op). A zero Timestamp
// is filled in with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
