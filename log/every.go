package log

import (
	"sync"
	"time"
)

// Every rate limits logging. If an error fires on every poll cycle, we'd
// otherwise fill the log file with the same line.
type Every struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func NewEvery(interval time.Duration) *Every {
	return &Every{interval: interval}
}

// ShouldLog returns true at most once per interval.
func (e *Every) ShouldLog() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	if e.last.IsZero() || now.Sub(e.last) >= e.interval {
		e.last = now
		return true
	}
	return false
}
