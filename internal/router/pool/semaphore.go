package pool

import (
	"context"
	"sync"
)

// DynamicSemaphore is a counting semaphore whose permit ceiling can be
// resized at runtime. A naive buffered-channel semaphore cannot shrink
// without waiting for outstanding holders to release first; this
// implementation tracks held/waiting counts directly so SetLimit takes
// effect immediately for new acquires while leaving currently-held permits
// untouched.
type DynamicSemaphore struct {
	mu      sync.Mutex
	limit   int
	held    int
	waiters []chan struct{}
}

// NewDynamicSemaphore creates a semaphore with the given initial permit
// ceiling.
func NewDynamicSemaphore(limit int) *DynamicSemaphore {
	if limit < 0 {
		limit = 0
	}
	return &DynamicSemaphore{limit: limit}
}

// Acquire blocks until a permit is available or ctx is done. Returns false
// if ctx was cancelled before a permit was granted.
func (s *DynamicSemaphore) Acquire(ctx context.Context) bool {
	s.mu.Lock()
	if s.held < s.limit {
		s.held++
		s.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		s.removeWaiter(ch)
		return false
	}
}

func (s *DynamicSemaphore) removeWaiter(ch chan struct{}) {
	s.mu.Lock()
	for i, w := range s.waiters {
		if w == ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			s.mu.Unlock()
			return
		}
	}
	// The waiter was already granted a permit concurrently with the
	// context being cancelled; give it back as an ordinary release.
	granted := false
	select {
	case <-ch:
		granted = true
	default:
	}
	s.mu.Unlock()
	if granted {
		s.Release()
	}
}

// Release returns one permit. If the new ceiling allows it and waiters are
// queued, the longest-waiting caller is woken.
func (s *DynamicSemaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.held--
	if len(s.waiters) > 0 && s.held < s.limit {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.held++
		close(next)
	}
}

// SetLimit changes the permit ceiling. Permits already held remain valid.
// If the new ceiling is higher, up to (n - activeCount) queued waiters are
// woken immediately; if lower, the excess is absorbed as holders release.
func (s *DynamicSemaphore) SetLimit(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.limit = n
	for s.held < s.limit && len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.held++
		close(next)
	}
}

// ActiveCount returns the number of permits currently held.
func (s *DynamicSemaphore) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}
