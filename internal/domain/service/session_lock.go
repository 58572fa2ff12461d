package service

import (
	"context"
	"sync"
)

// SessionLocks serializes mutating requests per session id. Waiters form a
// FIFO chain of channels; a predecessor that fails still releases its slot,
// so one broken request cannot wedge the queue. When the chain drains the
// map entry is removed to bound memory.
type SessionLocks struct {
	mu      sync.Mutex
	tails   map[string]chan struct{}
	waiters map[string]int
}

// NewSessionLocks creates the per-session lock registry.
func NewSessionLocks() *SessionLocks {
	return &SessionLocks{
		tails:   make(map[string]chan struct{}),
		waiters: make(map[string]int),
	}
}

// Acquire joins the tail of the session's queue and blocks until every
// predecessor has released. The returned release function must be called
// exactly once. On context cancellation the slot is forwarded in the
// background so successors are not stranded.
func (l *SessionLocks) Acquire(ctx context.Context, sessionID string) (func(), error) {
	slot := make(chan struct{})

	l.mu.Lock()
	prev := l.tails[sessionID]
	l.tails[sessionID] = slot
	l.waiters[sessionID]++
	l.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				l.release(sessionID, slot)
			}()
			return nil, ctx.Err()
		}
	}
	return func() { l.release(sessionID, slot) }, nil
}

// With runs fn while holding the session lock.
func (l *SessionLocks) With(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	release, err := l.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

func (l *SessionLocks) release(sessionID string, slot chan struct{}) {
	close(slot)
	l.mu.Lock()
	l.waiters[sessionID]--
	if l.waiters[sessionID] <= 0 && l.tails[sessionID] == slot {
		delete(l.tails, sessionID)
		delete(l.waiters, sessionID)
	}
	l.mu.Unlock()
}
