package central

import (
	"context"
	"sync"

	"github.com/srg/blekit/internal/groutine"
)

// notifier runs application callbacks in order on its own goroutine.
// The queue is unbounded so the event loop never waits on a handler.
type notifier struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    <-chan struct{}
}

func newNotifier(onPanic func(error)) *notifier {
	n := &notifier{wake: make(chan struct{}, 1)}
	n.done = groutine.Start(context.Background(), "central-notifier", func(ctx context.Context) {
		n.run(onPanic)
	})
	return n
}

func (n *notifier) post(fn func()) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run(onPanic func(error)) {
	for range n.wake {
		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				stopped := n.stopped
				n.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			fn := n.queue[0]
			n.queue[0] = nil
			n.queue = n.queue[1:]
			n.mu.Unlock()

			n.call(fn, onPanic)
		}
	}
}

func (n *notifier) call(fn func(), onPanic func(error)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(panicError{value: r})
		}
	}()
	fn()
}

// stop drains the queued callbacks and waits for the goroutine to exit.
func (n *notifier) stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.stopped = true
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	<-n.done
}
