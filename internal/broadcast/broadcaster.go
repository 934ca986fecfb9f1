// Package broadcast fans committed state changes and session lifecycle events
// out to subscribers. Publish never blocks: every subscription owns a bounded
// queue that drops its oldest event when full.
package broadcast

import (
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClosed          = errors.New("subscription closed")
	ErrAlreadyAttached = errors.New("subscription already attached")
	ErrEmptyScope      = errors.New("subscription scope is empty")
)

type Kind string

const (
	KindStateChanged        Kind = "STATE_CHANGED"
	KindSessionOpened       Kind = "SESSION_OPENED"
	KindSessionResumed      Kind = "SESSION_RESUMED"
	KindSessionDisconnected Kind = "SESSION_DISCONNECTED"
	KindSessionClosed       Kind = "SESSION_CLOSED"
)

// Event is shared between subscribers; Fields must not be mutated after
// Publish.
type Event struct {
	Seq         uint64
	Kind        Kind
	CharacterID string
	AccountID   string
	SessionID   string
	NewVersion  uint64
	Fields      map[string]json.RawMessage
	Reason      string
	At          time.Time
}

// Scope selects events by character or account. All is the firehose used by
// internal sinks.
type Scope struct {
	CharacterID string
	AccountID   string
	All         bool
}

func (s Scope) empty() bool {
	return !s.All && s.CharacterID == "" && s.AccountID == ""
}

func (s Scope) matches(e Event) bool {
	if s.All {
		return true
	}
	if s.CharacterID != "" && s.CharacterID != e.CharacterID {
		return false
	}
	if s.AccountID != "" && s.AccountID != e.AccountID {
		return false
	}
	return true
}

type Stats struct {
	Subscriptions int
	Attached      int
	Suspended     int
	Degraded      int
	Published     uint64
	Enqueued      uint64
	Delivered     uint64
	Dropped       uint64
}

type Broadcaster struct {
	queueDepth int
	logger     *log.Logger
	now        func() time.Time

	seq atomic.Uint64

	mu   sync.RWMutex
	subs map[string]*Subscription

	publishedTotal atomic.Uint64
	enqueuedTotal  atomic.Uint64
	deliveredTotal atomic.Uint64
	droppedTotal   atomic.Uint64
}

func New(queueDepth int, logger *log.Logger) *Broadcaster {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Broadcaster{
		queueDepth: queueDepth,
		logger:     logger,
		now:        time.Now,
		subs:       map[string]*Subscription{},
	}
}

func (b *Broadcaster) SetClock(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

// Subscribe registers a new subscription. A non-empty sessionID ties the
// subscription to that session's lifecycle (Suspend, Resume, DropSession).
func (b *Broadcaster) Subscribe(scope Scope, sessionID string) (*Subscription, error) {
	return b.SubscribeDepth(scope, sessionID, b.queueDepth)
}

// SubscribeDepth is Subscribe with a queue depth of its own, for internal
// sinks that must absorb bursts larger than a client queue.
func (b *Broadcaster) SubscribeDepth(scope Scope, sessionID string, depth int) (*Subscription, error) {
	if depth <= 0 {
		depth = b.queueDepth
	}
	if scope.empty() {
		return nil, ErrEmptyScope
	}
	now := b.now().UTC()
	sub := &Subscription{
		ID:        uuid.NewString(),
		sessionID: sessionID,
		Scope:     scope,
		CreatedAt: now,
		b:         b,
		depth:     depth,
		events:    make([]Event, 0, min(depth, 16)),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		lastSeen:  now,
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub, nil
}

// Unsubscribe is a no-op for unknown ids.
func (b *Broadcaster) Unsubscribe(id string) bool {
	b.mu.Lock()
	sub := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if sub == nil {
		return false
	}
	sub.close()
	return true
}

func (b *Broadcaster) Get(id string) (*Subscription, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subs[id]
	return sub, ok
}

// Publish stamps e with the next sequence number and hands it to every
// matching subscription that is not suspended. It returns the stamped event.
func (b *Broadcaster) Publish(e Event) Event {
	e.Seq = b.seq.Add(1)
	if e.At.IsZero() {
		e.At = b.now().UTC()
	}
	b.publishedTotal.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.Scope.matches(e) {
			continue
		}
		sub.push(e)
	}
	return e
}

func (b *Broadcaster) forSession(sessionID string, fn func(*Subscription)) int {
	if sessionID == "" {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		if sub.sessionID == sessionID {
			fn(sub)
			n++
		}
	}
	return n
}

// Suspend stops delivery to the session's subscriptions until Resume.
// Events published in between are not buffered.
func (b *Broadcaster) Suspend(sessionID string) int {
	return b.forSession(sessionID, func(s *Subscription) { s.setSuspended(true) })
}

func (b *Broadcaster) Resume(sessionID string) int {
	return b.forSession(sessionID, func(s *Subscription) { s.setSuspended(false) })
}

// DropSession removes every subscription bound to sessionID.
func (b *Broadcaster) DropSession(sessionID string) int {
	if sessionID == "" {
		return 0
	}
	var dropped []*Subscription
	b.mu.Lock()
	for id, sub := range b.subs {
		if sub.sessionID == sessionID {
			delete(b.subs, id)
			dropped = append(dropped, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range dropped {
		sub.close()
	}
	return len(dropped)
}

// Rebind moves every subscription of oldSession to newSession and resumes
// delivery for them.
func (b *Broadcaster) Rebind(oldSession, newSession string) int {
	if oldSession == "" || newSession == "" || oldSession == newSession {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, sub := range b.subs {
		if sub.sessionID == oldSession {
			sub.sessionID = newSession
			sub.setSuspended(false)
			n++
		}
	}
	return n
}

// SessionSubscriptions lists the ids bound to sessionID, sorted.
func (b *Broadcaster) SessionSubscriptions(sessionID string) []string {
	var ids []string
	b.forSession(sessionID, func(s *Subscription) { ids = append(ids, s.ID) })
	sort.Strings(ids)
	return ids
}

// Sweep removes session-less subscriptions that have had no attached reader
// for longer than idleTTL.
func (b *Broadcaster) Sweep(now time.Time, idleTTL time.Duration) int {
	if idleTTL <= 0 {
		return 0
	}
	var stale []*Subscription
	b.mu.Lock()
	for id, sub := range b.subs {
		if sub.sessionID != "" || sub.Scope.All {
			continue
		}
		if sub.idleSince(now) > idleTTL {
			delete(b.subs, id)
			stale = append(stale, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range stale {
		sub.close()
	}
	if len(stale) > 0 && b.logger != nil {
		b.logger.Printf("broadcast sweep removed=%d", len(stale))
	}
	return len(stale)
}

// LastSeq is the most recently assigned sequence number.
func (b *Broadcaster) LastSeq() uint64 { return b.seq.Load() }

// RestoreSeq continues numbering after seq. It never moves the sequence
// backwards.
func (b *Broadcaster) RestoreSeq(seq uint64) {
	for {
		cur := b.seq.Load()
		if seq <= cur || b.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (b *Broadcaster) Stats() Stats {
	st := Stats{
		Published: b.publishedTotal.Load(),
		Enqueued:  b.enqueuedTotal.Load(),
		Delivered: b.deliveredTotal.Load(),
		Dropped:   b.droppedTotal.Load(),
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	st.Subscriptions = len(b.subs)
	for _, sub := range b.subs {
		sub.mu.Lock()
		if sub.attached {
			st.Attached++
		}
		if sub.suspended {
			st.Suspended++
		}
		if sub.degraded {
			st.Degraded++
		}
		sub.mu.Unlock()
	}
	return st
}
