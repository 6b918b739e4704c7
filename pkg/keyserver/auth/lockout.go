package auth

import (
	"sync"
	"time"
)

const (
	// DefaultLockoutThreshold is the number of failed logins that locks an identifier
	DefaultLockoutThreshold = 5
	// DefaultLockoutWindow is how long a lock (and the counter behind it) lasts
	DefaultLockoutWindow = 30 * time.Minute
)

type failedAttempts struct {
	count       int
	lastAttempt time.Time
}

// LockoutTracker counts failed login attempts per identifier in memory.
// It is process-local and not durable across restarts. Stale entries are
// evicted by timestamp comparison on every write (sweep-on-access); no
// background sweeper runs.
type LockoutTracker struct {
	mu        sync.Mutex
	attempts  map[string]*failedAttempts
	threshold int
	window    time.Duration

	now func() time.Time
}

// NewLockoutTracker creates a tracker that locks an identifier after
// threshold failures within the window
func NewLockoutTracker(threshold int, window time.Duration) *LockoutTracker {
	return &LockoutTracker{
		attempts:  make(map[string]*failedAttempts),
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// Fail records a failed attempt and reports whether the identifier is now locked
func (t *LockoutTracker) Fail(identifier string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.sweep(now)

	a := t.attempts[identifier]
	if a == nil {
		a = &failedAttempts{}
		t.attempts[identifier] = a
	}
	a.count++
	a.lastAttempt = now
	return a.count >= t.threshold
}

// Locked reports whether the identifier is currently locked out
func (t *LockoutTracker) Locked(identifier string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.attempts[identifier]
	if a == nil {
		return false
	}
	if t.now().Sub(a.lastAttempt) > t.window {
		delete(t.attempts, identifier)
		return false
	}
	return a.count >= t.threshold
}

// Clear forgets all failed attempts for the identifier, e.g. after a
// successful login
func (t *LockoutTracker) Clear(identifier string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, identifier)
}

// sweep drops entries whose window has passed. Caller must hold the lock.
func (t *LockoutTracker) sweep(now time.Time) {
	for id, a := range t.attempts {
		if now.Sub(a.lastAttempt) > t.window {
			delete(t.attempts, id)
		}
	}
}
