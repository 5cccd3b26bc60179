package fsm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{"zero value is undelayed", Backoff{}, 7, 0},
		{"first attempt immediate", Backoff{InitialDelay: time.Second}, 1, 0},
		{"second attempt initial", Backoff{InitialDelay: time.Second}, 2, time.Second},
		{"doubles", Backoff{InitialDelay: time.Second}, 4, 4 * time.Second},
		{"capped", Backoff{InitialDelay: time.Second, MaxDelay: 5 * time.Second}, 10, 5 * time.Second},
		{"large attempt stays capped", Backoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Minute}, 1000, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.backoff.Delay(tt.attempt))
		})
	}
}

func TestBackoffExhausted(t *testing.T) {
	assert.False(t, Backoff{}.Exhausted(1_000_000), "zero MaxAttempts MUST be unbounded")
	assert.False(t, Backoff{MaxAttempts: 3}.Exhausted(3))
	assert.True(t, Backoff{MaxAttempts: 3}.Exhausted(4))
}
