package broadcast

import (
	"context"
	"sync"
	"time"
)

// Subscription is one consumer's bounded event queue.
type Subscription struct {
	ID        string
	Scope     Scope
	CreatedAt time.Time

	b     *Broadcaster
	depth int
	// sessionID is guarded by b.mu.
	sessionID string

	mu        sync.Mutex
	events    []Event
	closed    bool
	suspended bool
	degraded  bool
	dropped   uint64
	attached  bool
	lastSeen  time.Time

	notify chan struct{}
	done   chan struct{}
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	if s.closed || s.suspended {
		s.mu.Unlock()
		return
	}
	overflow := false
	if len(s.events) >= s.depth {
		s.events = append(s.events[:0], s.events[1:]...)
		s.dropped++
		s.b.droppedTotal.Add(1)
		if !s.degraded {
			s.degraded = true
			overflow = true
		}
	}
	s.events = append(s.events, e)
	s.mu.Unlock()
	s.b.enqueuedTotal.Add(1)

	if overflow && s.b.logger != nil {
		s.b.logger.Printf("subscriber overflow subscription=%s session=%s depth=%d", s.ID, s.sessionID, s.depth)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until at least one event is queued and returns everything
// pending, oldest first. It returns ErrClosed once the subscription is gone
// and its queue is empty.
func (s *Subscription) Next(ctx context.Context) ([]Event, error) {
	for {
		s.mu.Lock()
		if n := len(s.events); n > 0 {
			out := make([]Event, n)
			copy(out, s.events)
			s.events = s.events[:0]
			s.mu.Unlock()
			s.b.deliveredTotal.Add(uint64(n))
			return out, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

// Attach marks a live reader. Only one reader may be attached at a time.
func (s *Subscription) Attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.attached {
		return ErrAlreadyAttached
	}
	s.attached = true
	return nil
}

func (s *Subscription) Detach() {
	s.mu.Lock()
	s.attached = false
	s.lastSeen = s.b.now().UTC()
	s.mu.Unlock()
}

func (s *Subscription) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *Subscription) Done() <-chan struct{} { return s.done }

// SessionID reports the session the subscription currently follows.
func (s *Subscription) SessionID() string {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	return s.sessionID
}

func (s *Subscription) setSuspended(v bool) {
	s.mu.Lock()
	s.suspended = v
	s.mu.Unlock()
}

func (s *Subscription) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return 0
	}
	return now.Sub(s.lastSeen)
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
