package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/srg/blekit/internal/groutine"
)

var (
	// ErrQueueFull is returned by Submit when the backlog is at capacity.
	ErrQueueFull = errors.New("operation queue is full")
	// ErrQueueClosed is returned by Submit after Close.
	ErrQueueClosed = errors.New("operation queue is closed")
)

// Serial runs operations one at a time in submission order. Backends keep
// one per link so GATT requests never interleave on the radio.
type Serial struct {
	mu     sync.Mutex
	ops    chan func()
	closed bool
	done   <-chan struct{}
}

// NewSerial starts a worker named name with room for size pending operations.
func NewSerial(name string, size int) *Serial {
	if size <= 0 {
		size = 1
	}
	s := &Serial{ops: make(chan func(), size)}
	s.done = groutine.Start(context.Background(), name, func(ctx context.Context) {
		for op := range s.ops {
			op()
		}
	})
	return s
}

// Submit queues op without blocking.
func (s *Serial) Submit(op func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrQueueClosed
	}
	select {
	case s.ops <- op:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close rejects further submissions. Operations already queued still run;
// Close does not wait for them.
func (s *Serial) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ops)
}

// Done is closed once every queued operation has run after Close.
func (s *Serial) Done() <-chan struct{} {
	return s.done
}
