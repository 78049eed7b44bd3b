package router

import (
	"sync"
	"time"

	"lingualink/internal/clock"
)

// RateLimiter caps inbound events per party in fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clock   clock.Clock
	clients map[string]*ClientLimit
}

// ClientLimit tracks one party's current window.
type ClientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter allows limit events per window for each party. A limit of
// zero or less disables limiting.
func NewRateLimiter(limit int, window time.Duration, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clock:   clk,
		clients: make(map[string]*ClientLimit),
	}
}

// Allow records one event for partyID and reports whether it is within the limit.
func (rl *RateLimiter) Allow(partyID string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	limit, exists := rl.clients[partyID]
	if !exists || now.Sub(limit.windowStart) >= rl.window {
		rl.clients[partyID] = &ClientLimit{messageCount: 1, windowStart: now}
		return true
	}

	if limit.messageCount >= rl.limit {
		return false
	}
	limit.messageCount++
	return true
}

// Cleanup drops parties idle for five windows.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for partyID, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, partyID)
		}
	}
}

// Tracked returns how many parties currently have a window.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
