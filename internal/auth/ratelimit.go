package auth

import (
	"sync"
	"time"
)

type rateEntry struct {
	failures    int
	windowStart time.Time
}

// LoginRateLimiter counts failed login attempts per client address in a
// fixed window anchored at the first failure. It is purely in-memory: a
// process restart clears all limits.
type LoginRateLimiter struct {
	mu          sync.Mutex
	maxFailures int
	window      time.Duration
	entries     map[string]rateEntry
	maxEntries  int
	now         func() time.Time
}

func NewLoginRateLimiter(maxFailures int, window time.Duration) *LoginRateLimiter {
	if maxFailures <= 0 {
		maxFailures = 10
	}
	if window <= 0 {
		window = 15 * time.Minute
	}

	return &LoginRateLimiter{
		maxFailures: maxFailures,
		window:      window,
		entries:     make(map[string]rateEntry),
		maxEntries:  5000,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// NoteFailure records one failed login attempt for addr. The first
// failure after an idle (or elapsed) window starts a new window.
func (l *LoginRateLimiter) NoteFailure(addr string) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[addr]
	if !ok || now.Sub(entry.windowStart) >= l.window {
		l.entries[addr] = rateEntry{failures: 1, windowStart: now}
	} else {
		entry.failures++
		l.entries[addr] = entry
	}

	if len(l.entries) > l.maxEntries {
		for key, value := range l.entries {
			if now.Sub(value.windowStart) >= l.window {
				delete(l.entries, key)
			}
		}
	}
}

// Limited reports whether addr has exhausted its failure budget, and if
// so how long until the window elapses. An elapsed entry is discarded on
// read, so counting restarts cleanly.
func (l *LoginRateLimiter) Limited(addr string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[addr]
	if !ok {
		return false, 0
	}

	if now.Sub(entry.windowStart) >= l.window {
		delete(l.entries, addr)
		return false, 0
	}

	if entry.failures < l.maxFailures {
		return false, 0
	}

	retryAfter := entry.windowStart.Add(l.window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return true, retryAfter
}
