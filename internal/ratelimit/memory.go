package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Rule is the budget for one traffic class: a sustained request rate
// plus the burst allowance a quiet key accumulates.
type Rule struct {
	RPS   float64
	Burst int
}

// Bucket eviction: entries idle this long are dropped, but only once
// the table is large enough to be worth sweeping. The sweep runs inline
// under the Allow lock, so there is no background goroutine to manage.
const (
	idleAfter  = 10 * time.Minute
	sweepAbove = 4096
)

// allowance is the remaining budget for one key.
type allowance struct {
	left    float64
	touched time.Time
}

// MemoryLimiter is an in-process token bucket limiter with per-class
// rules. Keys carry their traffic class as a prefix ("user:alice",
// "ip:10.0.0.7"); a class without a dedicated rule falls back to the
// base rule. Safe for concurrent use.
type MemoryLimiter struct {
	base  Rule
	rules map[string]Rule

	mu      sync.Mutex
	entries map[string]*allowance
}

// NewMemoryLimiter creates a limiter applying base to every key. Add
// per-class rules with Limit before serving traffic.
func NewMemoryLimiter(base Rule) *MemoryLimiter {
	return &MemoryLimiter{
		base:    base,
		rules:   make(map[string]Rule),
		entries: make(map[string]*allowance),
	}
}

// Limit applies a dedicated rule to keys of the given class (the part
// of the key before the first colon).
func (m *MemoryLimiter) Limit(class string, r Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[class] = r
}

// Allow consumes one unit of key's budget. Returns true when budget was
// available, false when the caller should be rejected.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rule := m.base
	if class, _, ok := strings.Cut(key, ":"); ok {
		if r, found := m.rules[class]; found {
			rule = r
		}
	}

	if len(m.entries) > sweepAbove {
		m.sweep(now)
	}

	e, ok := m.entries[key]
	if !ok {
		// A fresh key starts with a full burst and spends one unit now.
		m.entries[key] = &allowance{left: float64(rule.Burst) - 1, touched: now}
		return true, nil
	}

	// Credit the time since the last request, capped at the burst.
	e.left += now.Sub(e.touched).Seconds() * rule.RPS
	if limit := float64(rule.Burst); e.left > limit {
		e.left = limit
	}
	e.touched = now

	if e.left < 1 {
		return false, nil
	}
	e.left--
	return true, nil
}

// sweep drops entries idle past idleAfter. Caller holds the lock.
func (m *MemoryLimiter) sweep(now time.Time) {
	cutoff := now.Add(-idleAfter)
	for key, e := range m.entries {
		if e.touched.Before(cutoff) {
			delete(m.entries, key)
		}
	}
}

// Close releases the tracked state. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*allowance)
	return nil
}
