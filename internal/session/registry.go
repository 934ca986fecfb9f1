package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	ReasonClient     = "client_close"
	ReasonSuperseded = "superseded"
	ReasonEvicted    = "evicted"
	ReasonExpired    = "expired"
)

type Presence struct {
	Location string
	PartyID  string
	Activity string
}

func (p *Presence) merge(o Presence) {
	if o.Location != "" {
		p.Location = o.Location
	}
	if o.PartyID != "" {
		p.PartyID = o.PartyID
	}
	if o.Activity != "" {
		p.Activity = o.Activity
	}
}

type Session struct {
	ID              string
	AccountID       string
	CharacterID     string
	State           State
	CreatedAt       time.Time
	LastHeartbeatAt time.Time
	DisconnectedAt  time.Time
	ClosedAt        time.Time
	ClosedReason    string
	Presence        Presence
}

// Change is emitted for every state change the registry makes.
type Change struct {
	Session Session
	From    State
	To      State
	Removed bool
}

type Config struct {
	HeartbeatTimeout   time.Duration
	ReconnectRetention time.Duration
	ClosedRetention    time.Duration
	MaxSessions        int
}

type HeartbeatResult struct {
	SessionID     string
	LastHeartbeat time.Time
	ServerTime    time.Time
}

type ReconnectResult struct {
	Session     Session
	Reconnected bool
}

type CloseResult struct {
	SessionID string
	ClosedAt  time.Time
	Duration  time.Duration
}

type Filter struct {
	AccountID     string
	CharacterID   string
	IncludeClosed bool
}

type Stats struct {
	Active       int
	Disconnected int
	Closed       int
}

type record struct {
	mu sync.Mutex
	s  Session
}

// Registry tracks live sessions. The registry lock guards membership only;
// each session carries its own lock for heartbeat and close.
type Registry struct {
	cfg   Config
	now   func() time.Time
	newID func() string

	mu          sync.RWMutex
	sessions    map[string]*record
	byCharacter map[string]string
	owners      map[string]string
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:         cfg,
		now:         time.Now,
		newID:       uuid.NewString,
		sessions:    map[string]*record{},
		byCharacter: map[string]string{},
		owners:      map[string]string{},
	}
}

// SetClock overrides the time source (tests, replay).
func (r *Registry) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

func (r *Registry) lookup(id string) *record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Open allocates a fresh ACTIVE session. A still-live session of the same
// character is closed as superseded.
func (r *Registry) Open(accountID, characterID string) (Session, []Change, error) {
	accountID = strings.TrimSpace(accountID)
	characterID = strings.TrimSpace(characterID)
	if accountID == "" || characterID == "" {
		return Session{}, nil, ErrInvalidIdentity
	}
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	var changes []Change
	if prevID := r.byCharacter[characterID]; prevID != "" {
		if prev := r.sessions[prevID]; prev != nil {
			prev.mu.Lock()
			if ch, ok := closeLocked(prev, now, ReasonSuperseded); ok {
				changes = append(changes, ch)
			}
			prev.mu.Unlock()
		}
	}
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		if ch, ok := r.evictOldestLocked(now); ok {
			changes = append(changes, ch)
		}
	}

	rec := &record{s: Session{
		ID:              r.newID(),
		AccountID:       accountID,
		CharacterID:     characterID,
		State:           StateActive,
		CreatedAt:       now,
		LastHeartbeatAt: now,
	}}
	r.sessions[rec.s.ID] = rec
	r.byCharacter[characterID] = rec.s.ID
	r.owners[characterID] = accountID
	changes = append(changes, Change{Session: rec.s, To: StateActive})
	return rec.s, changes, nil
}

// evictOldestLocked frees a slot: it removes the oldest closed session, or
// failing that closes the longest-disconnected one. r.mu must be held.
func (r *Registry) evictOldestLocked(now time.Time) (Change, bool) {
	var (
		victim   *record
		victimAt time.Time
		oldest   *record
		oldestAt time.Time
		live     int
	)
	for _, rec := range r.sessions {
		rec.mu.Lock()
		switch rec.s.State {
		case StateDisconnected:
			if victim == nil || rec.s.DisconnectedAt.Before(victimAt) {
				victim, victimAt = rec, rec.s.DisconnectedAt
			}
			live++
		case StateClosed:
			if oldest == nil || rec.s.ClosedAt.Before(oldestAt) {
				oldest, oldestAt = rec, rec.s.ClosedAt
			}
		default:
			live++
		}
		rec.mu.Unlock()
	}
	if oldest != nil {
		oldest.mu.Lock()
		s := oldest.s
		oldest.mu.Unlock()
		r.removeLocked(s.ID, s.CharacterID)
		return Change{Session: s, From: StateClosed, To: StateClosed, Removed: true}, true
	}
	if victim == nil || live < r.cfg.MaxSessions {
		return Change{}, false
	}
	victim.mu.Lock()
	defer victim.mu.Unlock()
	return closeLocked(victim, now, ReasonEvicted)
}

func (r *Registry) removeLocked(id, characterID string) {
	delete(r.sessions, id)
	if r.byCharacter[characterID] == id {
		delete(r.byCharacter, characterID)
	}
}

// closeLocked closes rec; rec.mu must be held. It reports false when the
// session was already closed.
func closeLocked(rec *record, now time.Time, reason string) (Change, bool) {
	from := rec.s.State
	if from == StateClosed {
		return Change{}, false
	}
	to, err := Transition(from, TriggerClose)
	if err != nil {
		return Change{}, false
	}
	rec.s.State = to
	rec.s.ClosedAt = now
	rec.s.ClosedReason = reason
	return Change{Session: rec.s, From: from, To: to}, true
}

// Heartbeat refreshes liveness. Only ACTIVE sessions accept heartbeats; a
// disconnected session must reconnect first.
func (r *Registry) Heartbeat(id string, presence *Presence) (HeartbeatResult, error) {
	rec := r.lookup(id)
	if rec == nil {
		return HeartbeatResult{}, fmt.Errorf("heartbeat %s: %w", id, ErrSessionNotFound)
	}
	now := r.now().UTC()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	next, err := Transition(rec.s.State, TriggerHeartbeat)
	if err != nil {
		return HeartbeatResult{}, fmt.Errorf("heartbeat %s: %w (state=%s)", id, ErrSessionNotActive, rec.s.State)
	}
	rec.s.State = next
	rec.s.LastHeartbeatAt = now
	if presence != nil {
		rec.s.Presence.merge(*presence)
	}
	return HeartbeatResult{SessionID: id, LastHeartbeat: now, ServerTime: now}, nil
}

// Reconnect resumes previousID when it belongs to the same account and
// character and is still within the retention window; otherwise it opens a
// new session.
func (r *Registry) Reconnect(accountID, characterID, previousID string) (ReconnectResult, []Change, error) {
	accountID = strings.TrimSpace(accountID)
	characterID = strings.TrimSpace(characterID)
	previousID = strings.TrimSpace(previousID)
	if accountID == "" || characterID == "" {
		return ReconnectResult{}, nil, ErrInvalidIdentity
	}

	var changes []Change
	if previousID != "" {
		if rec := r.lookup(previousID); rec != nil {
			now := r.now().UTC()
			rec.mu.Lock()
			if rec.s.AccountID != accountID || rec.s.CharacterID != characterID {
				rec.mu.Unlock()
				return ReconnectResult{}, nil, fmt.Errorf("reconnect %s: %w", previousID, ErrSessionMismatch)
			}
			from := rec.s.State
			if from == StateDisconnected && r.cfg.ReconnectRetention > 0 && now.Sub(rec.s.DisconnectedAt) > r.cfg.ReconnectRetention {
				to, _ := Transition(from, TriggerExpire)
				rec.s.State = to
				rec.s.ClosedAt = now
				rec.s.ClosedReason = ReasonExpired
				changes = append(changes, Change{Session: rec.s, From: from, To: to})
			} else if to, err := Transition(from, TriggerReconnect); err == nil {
				rec.s.State = to
				rec.s.LastHeartbeatAt = now
				rec.s.DisconnectedAt = time.Time{}
				resumed := rec.s
				rec.mu.Unlock()

				r.mu.Lock()
				r.byCharacter[characterID] = resumed.ID
				r.owners[characterID] = accountID
				r.mu.Unlock()
				return ReconnectResult{Session: resumed, Reconnected: true}, []Change{{Session: resumed, From: from, To: to}}, nil
			}
			rec.mu.Unlock()
		}
	}

	s, opened, err := r.Open(accountID, characterID)
	if err != nil {
		return ReconnectResult{}, nil, err
	}
	return ReconnectResult{Session: s}, append(changes, opened...), nil
}

// Close is idempotent: closing a closed session returns the original result.
func (r *Registry) Close(id, reason string) (CloseResult, []Change, error) {
	rec := r.lookup(id)
	if rec == nil {
		return CloseResult{}, nil, fmt.Errorf("close %s: %w", id, ErrSessionNotFound)
	}
	if strings.TrimSpace(reason) == "" {
		reason = ReasonClient
	}
	now := r.now().UTC()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var changes []Change
	if ch, ok := closeLocked(rec, now, reason); ok {
		changes = append(changes, ch)
	}
	return CloseResult{
		SessionID: id,
		ClosedAt:  rec.s.ClosedAt,
		Duration:  rec.s.ClosedAt.Sub(rec.s.CreatedAt),
	}, changes, nil
}

// Sweep applies the time-based transitions. Each session moves at most one
// step per sweep.
func (r *Registry) Sweep(now time.Time) []Change {
	now = now.UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var changes []Change
	for _, id := range ids {
		rec := r.sessions[id]
		rec.mu.Lock()
		switch rec.s.State {
		case StateActive:
			if r.cfg.HeartbeatTimeout > 0 && now.Sub(rec.s.LastHeartbeatAt) > r.cfg.HeartbeatTimeout {
				to, _ := Transition(rec.s.State, TriggerTimeout)
				rec.s.State = to
				rec.s.DisconnectedAt = now
				changes = append(changes, Change{Session: rec.s, From: StateActive, To: to})
			}
		case StateDisconnected:
			if now.Sub(rec.s.DisconnectedAt) > r.cfg.ReconnectRetention {
				to, _ := Transition(rec.s.State, TriggerExpire)
				rec.s.State = to
				rec.s.ClosedAt = now
				rec.s.ClosedReason = ReasonExpired
				changes = append(changes, Change{Session: rec.s, From: StateDisconnected, To: to})
			}
		case StateClosed:
			if now.Sub(rec.s.ClosedAt) > r.cfg.ClosedRetention {
				r.removeLocked(id, rec.s.CharacterID)
				changes = append(changes, Change{Session: rec.s, From: StateClosed, To: StateClosed, Removed: true})
			}
		}
		rec.mu.Unlock()
	}
	return changes
}

func (r *Registry) Get(id string) (Session, bool) {
	rec := r.lookup(id)
	if rec == nil {
		return Session{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.s, true
}

// Active lists sessions matching f, oldest first. Closed sessions are
// skipped unless f.IncludeClosed is set.
func (r *Registry) Active(f Filter) []Session {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.sessions))
	for _, rec := range r.sessions {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]Session, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		s := rec.s
		rec.mu.Unlock()
		if s.State == StateClosed && !f.IncludeClosed {
			continue
		}
		if f.AccountID != "" && s.AccountID != f.AccountID {
			continue
		}
		if f.CharacterID != "" && s.CharacterID != f.CharacterID {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OwnerOf returns the account that last opened a session for characterID.
func (r *Registry) OwnerOf(characterID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[characterID]
}

// UpdatePresence refreshes the live session of characterID, if any.
func (r *Registry) UpdatePresence(characterID string, p Presence) {
	r.mu.RLock()
	rec := r.sessions[r.byCharacter[characterID]]
	r.mu.RUnlock()
	if rec == nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.s.State == StateClosed {
		return
	}
	rec.s.Presence.merge(p)
}

func (r *Registry) Stats() Stats {
	var st Stats
	for _, s := range r.Active(Filter{IncludeClosed: true}) {
		switch s.State {
		case StateActive:
			st.Active++
		case StateDisconnected:
			st.Disconnected++
		case StateClosed:
			st.Closed++
		}
	}
	return st
}

// Export copies every tracked session.
func (r *Registry) Export() []Session {
	return r.Active(Filter{IncludeClosed: true})
}

// Import restores sessions from a snapshot. Sessions that were ACTIVE lost
// their connection with the previous process and come back DISCONNECTED.
func (r *Registry) Import(sessions []Session) {
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range sessions {
		if s.ID == "" || s.CharacterID == "" {
			continue
		}
		if s.State == StateActive {
			s.State = StateDisconnected
			s.DisconnectedAt = now
		}
		r.sessions[s.ID] = &record{s: s}
		r.owners[s.CharacterID] = s.AccountID
		if s.State != StateClosed {
			r.byCharacter[s.CharacterID] = s.ID
		}
	}
}
