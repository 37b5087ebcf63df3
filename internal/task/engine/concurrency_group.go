package engine

import (
	"strings"
	"sync"
)

// groupSemaphore is a simple channel-based semaphore used for task
// groups. Tokens are pre-filled up to limit.
//
// Note: limit is fixed for the life of the semaphore. Config reloads
// reset the store (see Service.Apply) instead of resizing in place.
type groupSemaphore struct {
	limit int
	ch    chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	if limit <= 0 {
		limit = 1
	}
	gs := &groupSemaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) tryAcquire() bool {
	if g == nil {
		return true
	}
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *groupSemaphore) release() {
	if g == nil {
		return
	}
	// Best-effort: never block on release.
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// groupLimiterStore holds one semaphore per task group.
// Embedded into Service via fields.
type groupLimiterStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

func (s *groupLimiterStore) get(key string, limit int) *groupSemaphore {
	if s == nil {
		return nil
	}
	if limit <= 0 {
		return nil
	}
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}

	s.mu.Lock()
	if s.groups == nil {
		s.groups = make(map[string]*groupSemaphore)
	}
	gs := s.groups[k]
	if gs == nil {
		gs = newGroupSemaphore(limit)
		s.groups[k] = gs
	}
	// If limit mismatches, keep the first-seen limit to avoid unsafe runtime resizing.
	s.mu.Unlock()
	return gs
}

func (s *groupLimiterStore) reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.groups = nil
	s.mu.Unlock()
}
