package fsm

import (
	"time"
)

// Backoff caps and delays automatic reconnects.
// The zero value retries forever with no delay.
type Backoff struct {
	// MaxAttempts bounds consecutive failed reconnects. Zero means unbounded.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt; it doubles on every
	// following attempt. Zero disables delays.
	InitialDelay time.Duration
	// MaxDelay caps the doubled delay. Zero means uncapped.
	MaxDelay time.Duration
}

// Delay returns the wait before reconnect attempt n (1-based).
// The first attempt after a disconnect is always immediate.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 || b.InitialDelay <= 0 {
		return 0
	}

	shift := attempt - 2
	if shift > 30 {
		shift = 30
	}
	delay := b.InitialDelay * time.Duration(1<<uint(shift))
	if delay < b.InitialDelay {
		delay = b.InitialDelay
	}
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempt n is past the configured maximum.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}
