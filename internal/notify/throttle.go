package notify

import (
	"sync"
	"time"
)

// AlertThrottle limits alerts to one per rule per window. State is kept in
// memory and resets on restart.
type AlertThrottle struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewAlertThrottle creates an empty throttle.
func NewAlertThrottle() *AlertThrottle {
	return &AlertThrottle{last: make(map[string]time.Time)}
}

// Allow reports whether an alert for ruleID may go out at now, and records it
// if so. A non-positive window never throttles.
func (t *AlertThrottle) Allow(ruleID string, window time.Duration, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.last[ruleID]; ok && window > 0 && now.Sub(prev) < window {
		return false
	}
	t.last[ruleID] = now
	return true
}
