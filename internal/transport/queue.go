// Package transport holds what the radio backends share: ordered,
// asynchronous delivery of device events to the central.
package transport

import (
	"context"
	"sync"

	"github.com/srg/blekit/internal/device"
	"github.com/srg/blekit/internal/groutine"
)

// EventQueue delivers events to a sink in emission order on one goroutine.
// Emit never blocks and never calls the sink itself, so backends may emit
// from request methods and driver callbacks alike.
type EventQueue struct {
	mu     sync.Mutex
	sink   device.EventSink
	queue  []device.Event
	wake   chan struct{}
	closed bool
	done   <-chan struct{}
}

// NewEventQueue starts a delivery goroutine named name.
func NewEventQueue(name string, sink device.EventSink) *EventQueue {
	q := &EventQueue{
		sink: sink,
		wake: make(chan struct{}, 1),
	}
	q.done = groutine.Start(context.Background(), name, q.run)
	return q
}

// Emit queues ev. Events emitted after Close are dropped.
func (q *EventQueue) Emit(ev device.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || ev == nil {
		return
	}
	q.queue = append(q.queue, ev)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *EventQueue) run(ctx context.Context) {
	for range q.wake {
		for {
			q.mu.Lock()
			if q.closed || len(q.queue) == 0 {
				q.mu.Unlock()
				break
			}
			ev := q.queue[0]
			q.queue[0] = nil
			q.queue = q.queue[1:]
			q.mu.Unlock()

			q.sink(ev)
		}
	}
}

// Close stops delivery, drops undelivered events and waits for the goroutine
// to exit. It must not be called from the sink.
func (q *EventQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.queue = nil
	close(q.wake)
	q.mu.Unlock()
	<-q.done
}
