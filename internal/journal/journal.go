// Package journal keeps a bounded history of connection state transitions.
package journal

import (
	"fmt"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"

	"github.com/srg/blekit/internal/device"
)

// DefaultCapacity is used when New is given zero.
const DefaultCapacity uint32 = 64

// Entry is one recorded transition.
type Entry struct {
	At    time.Time              `json:"at"`
	From  device.ConnectionState `json:"from"`
	To    device.ConnectionState `json:"to"`
	Cause string                 `json:"cause,omitempty"`
}

func (e Entry) String() string {
	if e.Cause == "" {
		return fmt.Sprintf("%s %s -> %s", e.At.Format(time.RFC3339Nano), e.From, e.To)
	}
	return fmt.Sprintf("%s %s -> %s (%s)", e.At.Format(time.RFC3339Nano), e.From, e.To, e.Cause)
}

// Journal is an overwrite-oldest transition log.
type Journal struct {
	mu          sync.Mutex
	buffer      mpmc.RichOverlappedRingBuffer[Entry]
	overwritten uint64
}

// New creates a Journal holding at most capacity entries. The ring buffer
// rounds capacity up to a power of two.
func New(capacity uint32) *Journal {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	return &Journal{buffer: mpmc.NewOverlappedRingBuffer[Entry](capacity)}
}

// Record appends e, dropping the oldest entry when full.
func (j *Journal) Record(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	overwrites, err := j.buffer.EnqueueM(e)
	if err != nil {
		return fmt.Errorf("journal enqueue: %w", err)
	}
	j.overwritten += uint64(overwrites)
	return nil
}

// Entries returns the retained entries, oldest first.
func (j *Journal) Entries() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Entry
	for !j.buffer.IsEmpty() {
		e, err := j.buffer.Dequeue()
		if err != nil {
			return nil, fmt.Errorf("journal dequeue: %w", err)
		}
		out = append(out, e)
	}
	// Put them back; the buffer is never larger than its capacity so nothing is lost.
	for _, e := range out {
		if _, err := j.buffer.EnqueueM(e); err != nil {
			return out, fmt.Errorf("journal enqueue: %w", err)
		}
	}
	return out, nil
}

// Overwritten returns how many entries were dropped to make room.
func (j *Journal) Overwritten() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.overwritten
}
