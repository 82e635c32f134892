package chat

import (
	"sync"
	"time"
)

// Scheduler runs deferred callbacks on timers. It is fire-and-forget: callbacks
// that have not fired when Close is called are dropped. The zero value is ready
// to use.
type Scheduler struct {
	mu     sync.Mutex
	timers map[uint64]*time.Timer
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// Schedule runs fn after delay. It returns false if the scheduler is closed.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.timers == nil {
		s.timers = make(map[uint64]*time.Timer)
	}

	id := s.nextID
	s.nextID++
	s.wg.Add(1)
	// The callback takes s.mu first, so it cannot observe the map before the
	// timer is registered below.
	s.timers[id] = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		_, pending := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if pending {
			fn()
		}
	})
	return true
}

// Pending returns the number of callbacks that have not fired yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Wait blocks until every scheduled callback has either run or been dropped.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close drops all pending callbacks and rejects new ones.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		delete(s.timers, id)
		if t.Stop() {
			s.wg.Done()
		}
	}
}
