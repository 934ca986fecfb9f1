package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/broadcast"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/charstate"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/session"
)

var fastRetry = Config{StoreRetry: RetryConfig{MaxTries: 5, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	gw    *Gateway
	clk   *clock
	audit *memAudit
}

func newHarness(t *testing.T, backend charstate.Backend) *harness {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := session.NewRegistry(session.Config{
		HeartbeatTimeout:   30 * time.Second,
		ReconnectRetention: 5 * time.Minute,
		ClosedRetention:    10 * time.Minute,
	})
	reg.SetClock(clk.Now)
	events := broadcast.New(64, nil)
	events.SetClock(clk.Now)
	audit := &memAudit{}
	gw := New(Options{
		Store:    charstate.NewStore(backend),
		Sessions: reg,
		Events:   events,
		Audit:    audit,
		Config:   fastRetry,
	})
	gw.SetClock(clk.Now)
	return &harness{gw: gw, clk: clk, audit: audit}
}

type memAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (m *memAudit) RecordSync(e AuditEntry) {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
}

func (m *memAudit) last() AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func seedC1(gw *Gateway) {
	gw.Store().Import([]charstate.CharacterState{{
		CharacterID:     "c1",
		Fields:          map[string]json.RawMessage{"hp": raw("80"), "gold": raw("10")},
		FieldVersions:   map[string]uint64{"hp": 5, "gold": 3},
		DocumentVersion: 5,
	}})
}

func drain(t *testing.T, sub *broadcast.Subscription) []broadcast.Event {
	t.Helper()
	if sub.Pending() == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evs, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return evs
}

func TestSync_StaleClientGetsConflict(t *testing.T) {
	h := newHarness(t, nil)
	seedC1(h.gw)

	res, err := h.gw.Sync(context.Background(), SyncRequest{
		CharacterID:   "c1",
		ClientVersion: 4,
		State:         map[string]json.RawMessage{"hp": raw("100")},
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.Success || res.NewVersion != 5 {
		t.Fatalf("res = %+v", res)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Field != "hp" || res.Conflicts[0].ExpectedVersion != 4 || res.Conflicts[0].ActualVersion != 5 {
		t.Fatalf("conflicts = %+v", res.Conflicts)
	}
	st, _, _ := h.gw.Store().Get(context.Background(), "c1")
	if string(st.Fields["hp"]) != "80" || st.DocumentVersion != 5 {
		t.Fatalf("state = %+v", st)
	}
	if a := h.audit.last(); len(a.Conflicts) != 1 || a.NewVersion != 5 || a.PrevVersion != 5 {
		t.Fatalf("audit = %+v", a)
	}
}

func TestSync_CurrentClientAdvancesVersion(t *testing.T) {
	h := newHarness(t, nil)
	seedC1(h.gw)
	sub, _ := h.gw.Subscribe(context.Background(), broadcast.Scope{CharacterID: "c1"}, "")

	res, err := h.gw.Sync(context.Background(), SyncRequest{
		CharacterID:   "c1",
		ClientVersion: 5,
		State:         map[string]json.RawMessage{"hp": raw("60")},
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(res.Conflicts) != 0 || res.NewVersion != 6 {
		t.Fatalf("res = %+v", res)
	}
	st, _, _ := h.gw.Store().Get(context.Background(), "c1")
	if string(st.Fields["hp"]) != "60" || st.FieldVersions["hp"] != 6 || st.FieldVersions["gold"] != 3 {
		t.Fatalf("state = %+v", st)
	}

	evs := drain(t, sub)
	if len(evs) != 1 || evs[0].Kind != broadcast.KindStateChanged || evs[0].NewVersion != 6 {
		t.Fatalf("events = %+v", evs)
	}
	if len(evs[0].Fields) != 1 || string(evs[0].Fields["hp"]) != "60" {
		t.Fatalf("delta = %v", evs[0].Fields)
	}
}

func TestSync_NoTouchKeepsVersionAndPublishesNothing(t *testing.T) {
	h := newHarness(t, nil)
	seedC1(h.gw)
	sub, _ := h.gw.Subscribe(context.Background(), broadcast.Scope{CharacterID: "c1"}, "")

	res, err := h.gw.Sync(context.Background(), SyncRequest{CharacterID: "c1", ClientVersion: 5})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.NewVersion != 5 || res.Conflicts == nil {
		t.Fatalf("res = %+v", res)
	}
	if sub.Pending() != 0 {
		t.Fatalf("no-op sync published an event")
	}
}

func TestSync_InitializesUnknownCharacter(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.gw.Sync(context.Background(), SyncRequest{
		CharacterID:   "new",
		ClientVersion: 42,
		State:         map[string]json.RawMessage{"hp": raw("100"), "name": raw(`"Ayla"`)},
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.Initialized || res.NewVersion != 1 || len(res.Conflicts) != 0 || len(res.Touched) != 2 {
		t.Fatalf("res = %+v", res)
	}
	st, ok, _ := h.gw.Store().Get(context.Background(), "new")
	if !ok || st.FieldVersions["name"] != 1 {
		t.Fatalf("state = %+v", st)
	}
}

func TestSync_RejectsEmptyCharacter(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.gw.Sync(context.Background(), SyncRequest{CharacterID: "  "}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err = %v", err)
	}
}

func TestSync_SessionForOtherCharacterIsMismatch(t *testing.T) {
	h := newHarness(t, nil)
	rr, _ := h.gw.Reconnect(context.Background(), "a1", "c2", "")
	_, err := h.gw.Sync(context.Background(), SyncRequest{CharacterID: "c1", SessionID: rr.Session.ID})
	if !errors.Is(err, session.ErrSessionMismatch) {
		t.Fatalf("err = %v", err)
	}
}

func TestSync_ConcurrentSyncsDoNotLoseUpdates(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.gw.Sync(context.Background(), SyncRequest{CharacterID: "c1", State: map[string]json.RawMessage{"seed": raw("0")}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const writers = 50
	var wg sync.WaitGroup
	versions := make(chan uint64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.gw.Sync(context.Background(), SyncRequest{
				CharacterID:   "c1",
				ClientVersion: 1,
				State:         map[string]json.RawMessage{fmt.Sprintf("f%02d", i): raw("1")},
			})
			if err != nil {
				t.Errorf("sync %d: %v", i, err)
				return
			}
			versions <- res.NewVersion
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := map[uint64]bool{}
	for v := range versions {
		if seen[v] {
			t.Fatalf("two syncs committed version %d", v)
		}
		seen[v] = true
	}
	st, _, _ := h.gw.Store().Get(context.Background(), "c1")
	if st.DocumentVersion != writers+1 || len(st.Fields) != writers+1 {
		t.Fatalf("document_version=%d fields=%d", st.DocumentVersion, len(st.Fields))
	}
	if n := h.gw.Metrics().LockedCharCount; n != 0 {
		t.Fatalf("lock entries leaked: %d", n)
	}
}

func TestSync_ParallelCharactersUseSeparateLocks(t *testing.T) {
	h := newHarness(t, nil)
	unlock := h.gw.locks.Lock("busy")
	defer unlock()

	done := make(chan error, 1)
	go func() {
		_, err := h.gw.Sync(context.Background(), SyncRequest{CharacterID: "free", State: map[string]json.RawMessage{"hp": raw("1")}})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Sync: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sync on another character blocked")
	}
}

func TestSync_RetriesStoreUnavailable(t *testing.T) {
	be := newFlakyBackend()
	h := newHarness(t, be)
	if _, err := h.gw.Sync(context.Background(), SyncRequest{CharacterID: "c1", State: map[string]json.RawMessage{"hp": raw("10")}}); err != nil {
		t.Fatalf("init: %v", err)
	}

	be.failSaves(2)
	res, err := h.gw.Sync(context.Background(), SyncRequest{CharacterID: "c1", ClientVersion: 1, State: map[string]json.RawMessage{"hp": raw("20")}})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.NewVersion != 2 {
		t.Fatalf("res = %+v", res)
	}
	if m := h.gw.Metrics(); m.RetryTotal != 2 {
		t.Fatalf("retries = %d", m.RetryTotal)
	}
	if a := h.audit.last(); a.Attempts != 3 {
		t.Fatalf("audit attempts = %d", a.Attempts)
	}
}

func TestSync_RetryExhaustionLeavesStateUntouched(t *testing.T) {
	be := newFlakyBackend()
	h := newHarness(t, be)
	if _, err := h.gw.Sync(context.Background(), SyncRequest{CharacterID: "c1", State: map[string]json.RawMessage{"hp": raw("10")}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	sub, _ := h.gw.Subscribe(context.Background(), broadcast.Scope{CharacterID: "c1"}, "")

	be.failSaves(100)
	_, err := h.gw.Sync(context.Background(), SyncRequest{CharacterID: "c1", ClientVersion: 1, State: map[string]json.RawMessage{"hp": raw("20")}})
	if !errors.Is(err, charstate.ErrStoreUnavailable) {
		t.Fatalf("err = %v", err)
	}
	st, _, _ := h.gw.Store().Get(context.Background(), "c1")
	if string(st.Fields["hp"]) != "10" || st.DocumentVersion != 1 {
		t.Fatalf("state changed: %+v", st)
	}
	if sub.Pending() != 0 {
		t.Fatalf("failed sync published")
	}
	if a := h.audit.last(); a.Error == "" || a.Attempts != int(fastRetry.StoreRetry.MaxTries) {
		t.Fatalf("audit = %+v", a)
	}
}

func TestSync_ConcurrentInitElsewhereIsRetried(t *testing.T) {
	be := newFlakyBackend()
	be.raceCreate = &charstate.CharacterState{
		CharacterID:     "c1",
		Fields:          map[string]json.RawMessage{"hp": raw("50")},
		FieldVersions:   map[string]uint64{"hp": 1},
		DocumentVersion: 1,
	}
	h := newHarness(t, be)

	res, err := h.gw.Sync(context.Background(), SyncRequest{
		CharacterID:   "c1",
		ClientVersion: 0,
		State:         map[string]json.RawMessage{"hp": raw("70")},
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Initialized || len(res.Conflicts) != 1 || res.NewVersion != 1 {
		t.Fatalf("res = %+v", res)
	}
	if h.gw.Metrics().RetryTotal != 1 {
		t.Fatalf("retries = %d", h.gw.Metrics().RetryTotal)
	}
}

func TestSync_CommittedPresenceFieldsUpdateSession(t *testing.T) {
	h := newHarness(t, nil)
	rr, _ := h.gw.Reconnect(context.Background(), "a1", "c1", "")
	_, err := h.gw.Sync(context.Background(), SyncRequest{
		CharacterID: "c1",
		State: map[string]json.RawMessage{
			"location": raw(`"harbor"`),
			"activity": raw(`"fishing"`),
		},
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	s, _ := h.gw.Sessions().Get(rr.Session.ID)
	if s.Presence.Location != "harbor" || s.Presence.Activity != "fishing" {
		t.Fatalf("presence = %+v", s.Presence)
	}
}

func TestSync_AccountScopeReceivesOwnedCharacter(t *testing.T) {
	h := newHarness(t, nil)
	_, _ = h.gw.Reconnect(context.Background(), "a1", "c1", "")
	sub, _ := h.gw.Subscribe(context.Background(), broadcast.Scope{AccountID: "a1"}, "")
	if _, err := h.gw.Sync(context.Background(), SyncRequest{CharacterID: "c1", State: map[string]json.RawMessage{"hp": raw("1")}}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	evs := drain(t, sub)
	if len(evs) != 1 || evs[0].AccountID != "a1" {
		t.Fatalf("events = %+v", evs)
	}
}

func TestSession_TimeoutSweepReconnectResumesSubscriptions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	seedC1(h.gw)

	rr, err := h.gw.Reconnect(ctx, "a1", "c1", "")
	if err != nil || rr.Reconnected {
		t.Fatalf("open: %+v %v", rr, err)
	}
	sid := rr.Session.ID
	sub, err := h.gw.Subscribe(ctx, broadcast.Scope{}, sid)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.Scope.CharacterID != "c1" {
		t.Fatalf("scope = %+v", sub.Scope)
	}
	if _, err := h.gw.Heartbeat(ctx, sid, nil); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	h.clk.Advance(31 * time.Second)
	changes := h.gw.Sweep(h.clk.Now())
	if len(changes) != 1 || changes[0].To != session.StateDisconnected {
		t.Fatalf("changes = %+v", changes)
	}
	if !sub.Suspended() {
		t.Fatalf("subscription should be suspended while disconnected")
	}
	if _, err := h.gw.Heartbeat(ctx, sid, nil); !errors.Is(err, session.ErrSessionNotActive) {
		t.Fatalf("heartbeat err = %v", err)
	}
	_, _ = h.gw.Sync(ctx, SyncRequest{CharacterID: "c1", ClientVersion: 5, State: map[string]json.RawMessage{"hp": raw("1")}})
	if sub.Pending() != 0 {
		t.Fatalf("suspended subscription received event")
	}

	rr, err = h.gw.Reconnect(ctx, "a1", "c1", sid)
	if err != nil || !rr.Reconnected || rr.Session.ID != sid {
		t.Fatalf("reconnect: %+v %v", rr, err)
	}
	if sub.Suspended() {
		t.Fatalf("subscription not resumed")
	}
	_, _ = h.gw.Sync(ctx, SyncRequest{CharacterID: "c1", ClientVersion: 6, State: map[string]json.RawMessage{"hp": raw("2")}})
	evs := drain(t, sub)
	var kinds []broadcast.Kind
	for _, e := range evs {
		kinds = append(kinds, e.Kind)
	}
	if len(evs) != 2 || kinds[0] != broadcast.KindSessionResumed || kinds[1] != broadcast.KindStateChanged {
		t.Fatalf("kinds = %v", kinds)
	}
	if h.gw.Metrics().ResumedTotal != 1 {
		t.Fatalf("metrics = %+v", h.gw.Metrics())
	}
}

func TestSession_StaleSweepChangeAfterReconnectKeepsDelivery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	seedC1(h.gw)

	rr, err := h.gw.Reconnect(ctx, "a1", "c1", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sid := rr.Session.ID
	sub, err := h.gw.Subscribe(ctx, broadcast.Scope{}, sid)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	drain(t, sub)

	// The registry disconnects the session, a reconnect lands, and only then
	// does the sweep's broadcaster side run.
	h.clk.Advance(31 * time.Second)
	changes := h.gw.Sessions().Sweep(h.clk.Now())
	if len(changes) != 1 || changes[0].To != session.StateDisconnected {
		t.Fatalf("changes = %+v", changes)
	}
	rr, err = h.gw.Reconnect(ctx, "a1", "c1", sid)
	if err != nil || !rr.Reconnected {
		t.Fatalf("reconnect: %+v %v", rr, err)
	}
	h.gw.applyChanges(changes)

	if sub.Suspended() {
		t.Fatalf("subscription suspended after reconnect")
	}
	if _, err := h.gw.Sync(ctx, SyncRequest{CharacterID: "c1", ClientVersion: 5, State: map[string]json.RawMessage{"hp": raw("3")}}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	var kinds []broadcast.Kind
	for _, e := range drain(t, sub) {
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) != 2 || kinds[0] != broadcast.KindSessionResumed || kinds[1] != broadcast.KindStateChanged {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestSubscribe_SuspendedWhenSessionDisconnected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	rr, err := h.gw.Reconnect(ctx, "a1", "c1", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	h.clk.Advance(31 * time.Second)
	h.gw.Sweep(h.clk.Now())

	sub, err := h.gw.Subscribe(ctx, broadcast.Scope{}, rr.Session.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !sub.Suspended() {
		t.Fatalf("subscription on disconnected session should wait for reconnect")
	}
	if _, err := h.gw.Reconnect(ctx, "a1", "c1", rr.Session.ID); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if sub.Suspended() {
		t.Fatalf("subscription not resumed")
	}
}

func TestSession_ReconnectAfterExpiryMovesSubscriptions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	rr, _ := h.gw.Reconnect(ctx, "a1", "c1", "")
	sub, _ := h.gw.Subscribe(ctx, broadcast.Scope{CharacterID: "c1"}, rr.Session.ID)

	h.clk.Advance(31 * time.Second)
	h.gw.Sweep(h.clk.Now())
	h.clk.Advance(6 * time.Minute)

	next, err := h.gw.Reconnect(ctx, "a1", "c1", rr.Session.ID)
	if err != nil || next.Reconnected {
		t.Fatalf("reconnect = %+v %v", next, err)
	}
	if got := sub.SessionID(); got != next.Session.ID {
		t.Fatalf("subscription session = %q, want %q", got, next.Session.ID)
	}
	if sub.Suspended() {
		t.Fatalf("moved subscription still suspended")
	}
	if _, ok := h.gw.Events().Get(sub.ID); !ok {
		t.Fatalf("subscription dropped")
	}
}

func TestSession_ReconnectMismatch(t *testing.T) {
	h := newHarness(t, nil)
	rr, _ := h.gw.Reconnect(context.Background(), "a1", "c1", "")
	if _, err := h.gw.Reconnect(context.Background(), "a2", "c1", rr.Session.ID); !errors.Is(err, session.ErrSessionMismatch) {
		t.Fatalf("err = %v", err)
	}
}

func TestSession_CloseDropsSubscriptionsAndIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	fire, _ := h.gw.Events().Subscribe(broadcast.Scope{All: true}, "")
	rr, _ := h.gw.Reconnect(ctx, "a1", "c1", "")
	sub, _ := h.gw.Subscribe(ctx, broadcast.Scope{CharacterID: "c1"}, rr.Session.ID)

	h.clk.Advance(2 * time.Minute)
	first, err := h.gw.CloseSession(ctx, rr.Session.ID, "")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if first.Duration != 2*time.Minute {
		t.Fatalf("duration = %s", first.Duration)
	}
	select {
	case <-sub.Done():
	default:
		t.Fatalf("subscription not dropped on close")
	}
	second, err := h.gw.CloseSession(ctx, rr.Session.ID, "again")
	if err != nil || !second.ClosedAt.Equal(first.ClosedAt) {
		t.Fatalf("second close = %+v %v", second, err)
	}
	if _, err := h.gw.CloseSession(ctx, "missing", ""); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}

	evs := drain(t, fire)
	if len(evs) != 2 || evs[0].Kind != broadcast.KindSessionOpened || evs[1].Kind != broadcast.KindSessionClosed {
		t.Fatalf("events = %+v", evs)
	}
	if evs[1].Reason != session.ReasonClient {
		t.Fatalf("reason = %q", evs[1].Reason)
	}
}

func TestSubscribe_ValidatesSession(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.gw.Subscribe(context.Background(), broadcast.Scope{CharacterID: "c1"}, "nope"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := h.gw.Subscribe(context.Background(), broadcast.Scope{}, ""); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err = %v", err)
	}
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	reg := session.NewRegistry(session.Config{HeartbeatTimeout: time.Nanosecond, ReconnectRetention: time.Hour, ClosedRetention: time.Hour})
	gw := New(Options{Sessions: reg, Config: Config{SweepInterval: 5 * time.Millisecond}})
	rr, _ := gw.Reconnect(context.Background(), "a1", "c1", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		s, _ := reg.Get(rr.Session.ID)
		if s.State == session.StateDisconnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweep loop never disconnected the session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
