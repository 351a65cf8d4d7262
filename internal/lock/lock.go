// Package lock provides the per-session mutex guarding session state writes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/joescharf/hound/internal/failure"
)

// DefaultTimeout bounds how long WithLock waits for a session lock.
const DefaultTimeout = 30 * time.Second

// SessionMutex grants at most one critical section per session id at a time.
// Waiters are served in arrival order; a waiter that cannot acquire within
// the timeout fails with a lock_timeout error.
type SessionMutex struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewSessionMutex returns a SessionMutex with the given acquire timeout.
func NewSessionMutex(timeout time.Duration) *SessionMutex {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SessionMutex{
		timeout: timeout,
		locks:   make(map[string]*semaphore.Weighted),
	}
}

func (m *SessionMutex) sem(sessionID string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.locks[sessionID]
	if !ok {
		s = semaphore.NewWeighted(1)
		m.locks[sessionID] = s
	}
	return s
}

// WithLock runs fn while holding the lock for sessionID. fn must not block
// on external agent calls or checkpoint operations.
func (m *SessionMutex) WithLock(ctx context.Context, sessionID string, fn func() error) error {
	s := m.sem(sessionID)

	acquireCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := s.Acquire(acquireCtx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return failure.Wrap(fmt.Errorf("session %s: lock not acquired within %s", sessionID, m.timeout), failure.KindLockTimeout)
		}
		return err
	}
	defer s.Release(1)

	return fn()
}
