// Package gateway coordinates the state store, conflict resolver, session
// registry and event broadcaster behind the public sync and session calls.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/broadcast"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/charstate"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/conflict"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/session"
)

var ErrBadRequest = errors.New("bad request")

const tracerName = "github.com/gc-lover/necpgame-monorepo-sub025/internal/gateway"

type RetryConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Config struct {
	SweepInterval       time.Duration
	SubscriptionIdleTTL time.Duration
	StoreRetry          RetryConfig
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.StoreRetry.MaxTries == 0 {
		c.StoreRetry.MaxTries = 5
	}
	if c.StoreRetry.InitialInterval <= 0 {
		c.StoreRetry.InitialInterval = 20 * time.Millisecond
	}
	if c.StoreRetry.MaxInterval <= 0 {
		c.StoreRetry.MaxInterval = 500 * time.Millisecond
	}
	return c
}

type Options struct {
	Store    *charstate.Store
	Sessions *session.Registry
	Events   *broadcast.Broadcaster
	Audit    AuditLogger
	Logger   *log.Logger
	Config   Config
}

type SyncRequest struct {
	CharacterID   string
	SessionID     string
	ClientVersion uint64
	State         map[string]json.RawMessage
}

type SyncResult struct {
	Success     bool
	NewVersion  uint64
	Conflicts   []conflict.Record
	Touched     []string
	Initialized bool
}

type Metrics struct {
	SyncTotal       uint64
	CommitTotal     uint64
	InitTotal       uint64
	ConflictTotal   uint64
	RetryTotal      uint64
	SyncFailTotal   uint64
	HeartbeatTotal  uint64
	ReconnectTotal  uint64
	ResumedTotal    uint64
	CloseTotal      uint64
	LockedCharCount int
}

type Gateway struct {
	store    *charstate.Store
	sessions *session.Registry
	events   *broadcast.Broadcaster
	audit    AuditLogger
	logger   *log.Logger
	cfg      Config
	tracer   trace.Tracer
	locks    *keyLock
	now      func() time.Time

	// sessionLocks orders suspend/resume decisions per session.
	sessionLocks *keyLock

	syncTotal      atomic.Uint64
	commitTotal    atomic.Uint64
	initTotal      atomic.Uint64
	conflictTotal  atomic.Uint64
	retryTotal     atomic.Uint64
	syncFailTotal  atomic.Uint64
	heartbeatTotal atomic.Uint64
	reconnectTotal atomic.Uint64
	resumedTotal   atomic.Uint64
	closeTotal     atomic.Uint64
}

func New(opts Options) *Gateway {
	if opts.Store == nil {
		opts.Store = charstate.NewStore(nil)
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewRegistry(session.Config{})
	}
	if opts.Events == nil {
		opts.Events = broadcast.New(0, opts.Logger)
	}
	return &Gateway{
		store:    opts.Store,
		sessions: opts.Sessions,
		events:   opts.Events,
		audit:    opts.Audit,
		logger:   opts.Logger,
		cfg:      opts.Config.withDefaults(),
		tracer:   otel.Tracer(tracerName),
		locks:    newKeyLock(),
		now:      time.Now,

		sessionLocks: newKeyLock(),
	}
}

func (g *Gateway) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

func (g *Gateway) Store() *charstate.Store        { return g.store }
func (g *Gateway) Sessions() *session.Registry    { return g.sessions }
func (g *Gateway) Events() *broadcast.Broadcaster { return g.events }

// Sync runs read, resolve, commit and publish for one character under that
// character's lock. Store failures are retried with exponential backoff; a
// sync either commits fully or returns an error without any state change.
func (g *Gateway) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	req.CharacterID = strings.TrimSpace(req.CharacterID)
	ctx, span := g.tracer.Start(ctx, "gateway.Sync", trace.WithAttributes(
		attribute.String("character.id", req.CharacterID),
		attribute.Int64("client.version", int64(req.ClientVersion)),
		attribute.Int("client.fields", len(req.State)),
	))
	defer span.End()
	g.syncTotal.Add(1)

	if req.CharacterID == "" {
		g.syncFailTotal.Add(1)
		span.SetStatus(codes.Error, "empty character id")
		return SyncResult{}, fmt.Errorf("%w: character_id is required", ErrBadRequest)
	}
	if req.SessionID != "" {
		if s, ok := g.sessions.Get(req.SessionID); ok && s.CharacterID != req.CharacterID {
			g.syncFailTotal.Add(1)
			span.SetStatus(codes.Error, "session mismatch")
			return SyncResult{}, fmt.Errorf("sync %s: %w", req.CharacterID, session.ErrSessionMismatch)
		}
	}

	var (
		attempts int
		prev     uint64
	)
	op := func() (SyncResult, error) {
		attempts++
		res, before, err := g.syncOnce(ctx, req)
		prev = before
		if err == nil {
			return res, nil
		}
		if errors.Is(err, charstate.ErrStoreUnavailable) || errors.Is(err, charstate.ErrAlreadyExists) {
			return SyncResult{}, err
		}
		return SyncResult{}, backoff.Permanent(err)
	}
	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(g.newBackOff()),
		backoff.WithMaxTries(g.cfg.StoreRetry.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			g.retryTotal.Add(1)
			g.printf("sync retry character=%s wait=%s err=%v", req.CharacterID, wait, err)
		}),
	)
	if err != nil && errors.Is(err, charstate.ErrAlreadyExists) {
		err = fmt.Errorf("%w: concurrent initialization of %s: %v", charstate.ErrStoreUnavailable, req.CharacterID, err)
	}
	span.SetAttributes(attribute.Int("sync.attempts", attempts))

	entry := AuditEntry{
		At:            g.now().UTC(),
		CharacterID:   req.CharacterID,
		SessionID:     req.SessionID,
		ClientVersion: req.ClientVersion,
		PrevVersion:   prev,
		Attempts:      attempts,
	}
	if err != nil {
		g.syncFailTotal.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")
		entry.Error = err.Error()
		g.recordAudit(entry)
		return SyncResult{}, err
	}

	span.SetAttributes(
		attribute.Int64("sync.new_version", int64(res.NewVersion)),
		attribute.Int("sync.conflicts", len(res.Conflicts)),
		attribute.Bool("sync.initialized", res.Initialized),
	)
	entry.NewVersion = res.NewVersion
	entry.Initialized = res.Initialized
	entry.Touched = res.Touched
	entry.Conflicts = res.Conflicts
	g.recordAudit(entry)
	return res, nil
}

// syncOnce is one attempt. It also returns the document version observed
// before the attempt.
func (g *Gateway) syncOnce(ctx context.Context, req SyncRequest) (SyncResult, uint64, error) {
	unlock := g.locks.Lock(req.CharacterID)
	defer unlock()

	cur, found, err := g.store.Get(ctx, req.CharacterID)
	if err != nil {
		return SyncResult{}, 0, err
	}

	if !found {
		version, err := g.store.Init(ctx, req.CharacterID, req.State)
		if err != nil {
			return SyncResult{}, 0, err
		}
		g.initTotal.Add(1)
		touched := sortedKeys(req.State)
		g.afterCommit(req.CharacterID, version, touched, req.State)
		return SyncResult{
			Success:     true,
			NewVersion:  version,
			Conflicts:   []conflict.Record{},
			Touched:     touched,
			Initialized: true,
		}, 0, nil
	}

	res := conflict.Resolve(cur, conflict.Snapshot{
		CharacterID:   req.CharacterID,
		ClientVersion: req.ClientVersion,
		State:         req.State,
	})
	version, err := g.store.Commit(ctx, req.CharacterID, res.Merged, res.Touched)
	if err != nil {
		return SyncResult{}, cur.DocumentVersion, err
	}
	if len(res.Touched) > 0 {
		g.commitTotal.Add(1)
		delta := make(map[string]json.RawMessage, len(res.Touched))
		for _, f := range res.Touched {
			delta[f] = res.Merged[f]
		}
		g.afterCommit(req.CharacterID, version, res.Touched, delta)
	}
	g.conflictTotal.Add(uint64(len(res.Conflicts)))

	conflicts := res.Conflicts
	if conflicts == nil {
		conflicts = []conflict.Record{}
	}
	return SyncResult{
		Success:    true,
		NewVersion: version,
		Conflicts:  conflicts,
		Touched:    res.Touched,
	}, cur.DocumentVersion, nil
}

// afterCommit refreshes presence and hands the delta to the broadcaster.
// The caller holds the character lock, which keeps events for one character
// in commit order.
func (g *Gateway) afterCommit(characterID string, version uint64, touched []string, delta map[string]json.RawMessage) {
	if len(touched) == 0 {
		return
	}
	if p, ok := presenceFromFields(delta); ok {
		g.sessions.UpdatePresence(characterID, p)
	}
	g.events.Publish(broadcast.Event{
		Kind:        broadcast.KindStateChanged,
		CharacterID: characterID,
		AccountID:   g.sessions.OwnerOf(characterID),
		NewVersion:  version,
		Fields:      delta,
	})
}

func presenceFromFields(fields map[string]json.RawMessage) (session.Presence, bool) {
	var p session.Presence
	found := false
	read := func(key string, dst *string) {
		raw, ok := fields[key]
		if !ok {
			return
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			*dst = s
			found = true
		}
	}
	read("location", &p.Location)
	read("party_id", &p.PartyID)
	read("activity", &p.Activity)
	return p, found
}

func (g *Gateway) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.StoreRetry.InitialInterval
	b.MaxInterval = g.cfg.StoreRetry.MaxInterval
	return b
}

func (g *Gateway) recordAudit(e AuditEntry) {
	if g.audit != nil {
		g.audit.RecordSync(e)
	}
}

// Subscribe registers interest in a character or account. When sessionID is
// set the subscription follows that session: it is suspended while the
// session is disconnected and dropped when it closes. An empty scope with a
// session defaults to the session's character.
func (g *Gateway) Subscribe(ctx context.Context, scope broadcast.Scope, sessionID string) (*broadcast.Subscription, error) {
	_, span := g.tracer.Start(ctx, "gateway.Subscribe", trace.WithAttributes(
		attribute.String("character.id", scope.CharacterID),
		attribute.String("account.id", scope.AccountID),
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	scope.CharacterID = strings.TrimSpace(scope.CharacterID)
	scope.AccountID = strings.TrimSpace(scope.AccountID)
	scope.All = false
	if sessionID != "" {
		s, ok := g.sessions.Get(sessionID)
		if !ok {
			return nil, fmt.Errorf("subscribe: %w", session.ErrSessionNotFound)
		}
		if s.State == session.StateClosed {
			return nil, fmt.Errorf("subscribe: %w", session.ErrSessionNotActive)
		}
		if scope.CharacterID == "" && scope.AccountID == "" {
			scope.CharacterID = s.CharacterID
		}
	}
	sub, err := g.events.Subscribe(scope, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if sessionID != "" {
		// A subscription added to a disconnected session waits for reconnect.
		g.syncDelivery(sessionID)
	}
	return sub, nil
}

func (g *Gateway) Unsubscribe(id string) bool {
	return g.events.Unsubscribe(id)
}

func (g *Gateway) Heartbeat(ctx context.Context, sessionID string, presence *session.Presence) (session.HeartbeatResult, error) {
	_, span := g.tracer.Start(ctx, "gateway.Heartbeat", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	g.heartbeatTotal.Add(1)

	res, err := g.sessions.Heartbeat(sessionID, presence)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "heartbeat failed")
	}
	return res, err
}

// Reconnect resumes or opens a session and brings its subscriptions along.
// When the previous session could not be resumed, its subscriptions move to
// the new session.
func (g *Gateway) Reconnect(ctx context.Context, accountID, characterID, previousID string) (session.ReconnectResult, error) {
	_, span := g.tracer.Start(ctx, "gateway.Reconnect", trace.WithAttributes(
		attribute.String("account.id", accountID),
		attribute.String("character.id", characterID),
		attribute.String("session.previous_id", previousID),
	))
	defer span.End()
	g.reconnectTotal.Add(1)

	res, changes, err := g.sessions.Reconnect(accountID, characterID, previousID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconnect failed")
		return session.ReconnectResult{}, err
	}
	if !res.Reconnected && previousID != "" && previousID != res.Session.ID {
		if n := g.events.Rebind(previousID, res.Session.ID); n > 0 {
			g.printf("session rebind from=%s to=%s subscriptions=%d", previousID, res.Session.ID, n)
		}
	}
	g.applyChanges(changes)
	if res.Reconnected {
		g.resumedTotal.Add(1)
	}
	span.SetAttributes(
		attribute.String("session.id", res.Session.ID),
		attribute.Bool("session.reconnected", res.Reconnected),
	)
	return res, nil
}

func (g *Gateway) CloseSession(ctx context.Context, sessionID, reason string) (session.CloseResult, error) {
	_, span := g.tracer.Start(ctx, "gateway.CloseSession", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	g.closeTotal.Add(1)

	res, changes, err := g.sessions.Close(sessionID, reason)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "close failed")
		return session.CloseResult{}, err
	}
	g.applyChanges(changes)
	return res, nil
}

func (g *Gateway) ActiveSessions(f session.Filter) []session.Session {
	return g.sessions.Active(f)
}

// Sweep applies time-based session transitions and removes idle
// subscriptions.
func (g *Gateway) Sweep(now time.Time) []session.Change {
	changes := g.sessions.Sweep(now)
	g.applyChanges(changes)
	g.events.Sweep(now, g.cfg.SubscriptionIdleTTL)

	if len(changes) > 0 {
		var disc, closed, removed int
		for _, ch := range changes {
			switch {
			case ch.Removed:
				removed++
			case ch.To == session.StateDisconnected:
				disc++
			case ch.To == session.StateClosed:
				closed++
			}
		}
		g.printf("sweep disconnected=%d closed=%d removed=%d", disc, closed, removed)
	}
	return changes
}

// Run sweeps every SweepInterval until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Sweep(g.now())
		}
	}
}

// applyChanges mirrors registry transitions onto the broadcaster and
// publishes the matching lifecycle events.
func (g *Gateway) applyChanges(changes []session.Change) {
	for _, ch := range changes {
		s := ch.Session
		ev := broadcast.Event{
			CharacterID: s.CharacterID,
			AccountID:   s.AccountID,
			SessionID:   s.ID,
			Reason:      s.ClosedReason,
		}
		switch {
		case ch.Removed:
			g.events.DropSession(s.ID)
			continue
		case ch.To == session.StateActive && ch.From == 0:
			ev.Kind = broadcast.KindSessionOpened
		case ch.To == session.StateActive:
			if g.syncDelivery(s.ID) != session.StateActive {
				continue
			}
			ev.Kind = broadcast.KindSessionResumed
		case ch.To == session.StateDisconnected:
			// Skip the event when a reconnect already superseded this change.
			if g.syncDelivery(s.ID) != session.StateDisconnected {
				continue
			}
			ev.Kind = broadcast.KindSessionDisconnected
		case ch.To == session.StateClosed:
			g.events.DropSession(s.ID)
			ev.Kind = broadcast.KindSessionClosed
		default:
			continue
		}
		g.events.Publish(ev)
	}
}

// syncDelivery suspends or resumes the session's subscriptions to match the
// session's current registry state. A change may be applied after a newer
// transition for the same session, so the state is re-read under the
// session lock rather than taken from the change. It returns the state it
// acted on, or StateClosed when the session is gone.
func (g *Gateway) syncDelivery(sessionID string) session.State {
	unlock := g.sessionLocks.Lock(sessionID)
	defer unlock()
	s, ok := g.sessions.Get(sessionID)
	if !ok || s.State == session.StateClosed {
		return session.StateClosed
	}
	if s.State == session.StateActive {
		g.events.Resume(sessionID)
	} else {
		g.events.Suspend(sessionID)
	}
	return s.State
}

func (g *Gateway) Metrics() Metrics {
	return Metrics{
		SyncTotal:       g.syncTotal.Load(),
		CommitTotal:     g.commitTotal.Load(),
		InitTotal:       g.initTotal.Load(),
		ConflictTotal:   g.conflictTotal.Load(),
		RetryTotal:      g.retryTotal.Load(),
		SyncFailTotal:   g.syncFailTotal.Load(),
		HeartbeatTotal:  g.heartbeatTotal.Load(),
		ReconnectTotal:  g.reconnectTotal.Load(),
		ResumedTotal:    g.resumedTotal.Load(),
		CloseTotal:      g.closeTotal.Load(),
		LockedCharCount: g.locks.Len(),
	}
}

func (g *Gateway) printf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

func sortedKeys(m map[string]json.RawMessage) []string {
	st := charstate.CharacterState{Fields: m}
	return st.FieldNames()
}
