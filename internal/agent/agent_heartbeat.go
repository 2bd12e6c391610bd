package agent

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// HeartbeatTimer remembers when the coordinator last acknowledged a heartbeat.
// Only MarkSent moves that point forward, so a failed send leaves the timer due.
type HeartbeatTimer struct {
	interval time.Duration

	mu         sync.Mutex
	lastSentAt time.Time
	sent       bool
}

func NewHeartbeatTimer(interval time.Duration) *HeartbeatTimer {
	return &HeartbeatTimer{interval: interval}
}

func (t *HeartbeatTimer) IsDue(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.sent {
		return true
	}
	return now.Sub(t.lastSentAt) >= t.interval
}

func (t *HeartbeatTimer) MarkSent(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSentAt = now
	t.sent = true
}

// LastSent returns the last acknowledged send time, or false if none happened yet.
func (t *HeartbeatTimer) LastSent() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSentAt, t.sent
}
