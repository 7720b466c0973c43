// Package semaphore implements the single, process-wide, binary
// remote-transfer lock that serializes cross-host transfers across every
// DR Worker. It is grounded on the teacher's internal/daemon/limiter.go
// channel-backed GlobalLimiter, specialized to capacity 1, and tracks its
// holder so Release can be a safe no-op instead of an error — resolving
// the spec's "release iff held" open question.
package semaphore

import "sync"

// RemoteLock is a binary semaphore with an explicit holder id.
type RemoteLock struct {
	mu     sync.Mutex
	held   bool
	holder string
}

// New returns an unheld RemoteLock.
func New() *RemoteLock { return &RemoteLock{} }

// TryAcquire attempts to take the lock for holder without blocking,
// matching the DR Worker's dispatch-time non-blocking acquire (§4.5): on
// failure the caller re-queues its job rather than waiting.
func (l *RemoteLock) TryAcquire(holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false
	}
	l.held = true
	l.holder = holder
	return true
}

// Release gives up the lock if and only if holder currently owns it. A
// release by a non-holder, or when the lock is not held at all, is a
// silent no-op — never an error — per the spec's resolved open question.
func (l *RemoteLock) Release(holder string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held || l.holder != holder {
		return
	}
	l.held = false
	l.holder = ""
}

// Held reports whether the lock is currently taken.
func (l *RemoteLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// HeldBy reports whether holder currently owns the lock.
func (l *RemoteLock) HeldBy(holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held && l.holder == holder
}
