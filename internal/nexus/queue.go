package nexus

import "sync"

const queueCapacity = 64

// SystemQueue buffers asynchronous system events until a dispatch drains
// them or multiplexes them into a live stream.
type SystemQueue struct {
	mu      sync.Mutex
	pending []Event
	notify  chan struct{}
}

// NewSystemQueue creates an empty queue.
func NewSystemQueue() *SystemQueue {
	return &SystemQueue{notify: make(chan struct{}, 1)}
}

// Push enqueues one event; the oldest event is dropped when full.
func (q *SystemQueue) Push(ev Event) {
	q.mu.Lock()
	if len(q.pending) >= queueCapacity {
		q.pending = q.pending[1:]
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns every event addressed to requestID or broadcast
// (empty request id). Events for other requests stay queued.
func (q *SystemQueue) Drain(requestID string) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var matched []Event
	kept := q.pending[:0]
	for _, ev := range q.pending {
		if ev.RequestID == "" || ev.RequestID == requestID {
			matched = append(matched, ev)
		} else {
			kept = append(kept, ev)
		}
	}
	q.pending = kept
	return matched
}

// Wait returns a channel that receives a tick whenever new events arrive.
func (q *SystemQueue) Wait() <-chan struct{} {
	return q.notify
}
