package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func nextWithin(t *testing.T, sub *Subscription, d time.Duration) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	evs, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return evs
}

func TestPublish_ScopeMatching(t *testing.T) {
	b := New(8, nil)
	byChar, _ := b.Subscribe(Scope{CharacterID: "c1"}, "")
	byAcct, _ := b.Subscribe(Scope{AccountID: "a1"}, "")
	all, _ := b.Subscribe(Scope{All: true}, "")
	other, _ := b.Subscribe(Scope{CharacterID: "c2"}, "")

	b.Publish(Event{Kind: KindStateChanged, CharacterID: "c1", AccountID: "a1", NewVersion: 6})

	for _, sub := range []*Subscription{byChar, byAcct, all} {
		evs := nextWithin(t, sub, time.Second)
		if len(evs) != 1 || evs[0].NewVersion != 6 || evs[0].Seq != 1 {
			t.Fatalf("sub %v got %+v", sub.Scope, evs)
		}
	}
	if other.Pending() != 0 {
		t.Fatalf("unrelated subscription received event")
	}
}

func TestPublish_OrderPreserved(t *testing.T) {
	b := New(64, nil)
	sub, _ := b.Subscribe(Scope{CharacterID: "c1"}, "")
	for v := uint64(1); v <= 10; v++ {
		b.Publish(Event{Kind: KindStateChanged, CharacterID: "c1", NewVersion: v})
	}
	evs := nextWithin(t, sub, time.Second)
	if len(evs) != 10 {
		t.Fatalf("got %d events", len(evs))
	}
	for i, e := range evs {
		if e.NewVersion != uint64(i+1) {
			t.Fatalf("event %d has version %d", i, e.NewVersion)
		}
	}
}

func TestPublish_OverflowDropsOldestAndDegrades(t *testing.T) {
	b := New(3, nil)
	sub, _ := b.Subscribe(Scope{CharacterID: "c1"}, "")
	for v := uint64(1); v <= 5; v++ {
		b.Publish(Event{Kind: KindStateChanged, CharacterID: "c1", NewVersion: v})
	}
	if !sub.Degraded() || sub.Dropped() != 2 {
		t.Fatalf("degraded=%v dropped=%d", sub.Degraded(), sub.Dropped())
	}
	evs := nextWithin(t, sub, time.Second)
	if len(evs) != 3 || evs[0].NewVersion != 3 || evs[2].NewVersion != 5 {
		t.Fatalf("events = %+v", evs)
	}
	st := b.Stats()
	if st.Dropped != 2 || st.Degraded != 1 || st.Published != 5 || st.Delivered != 3 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPublish_DoesNotBlockOnSlowConsumer(t *testing.T) {
	b := New(1, nil)
	_, _ = b.Subscribe(Scope{All: true}, "")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			b.Publish(Event{Kind: KindStateChanged, CharacterID: "c1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
}

func TestSuspendResumeAndDropSession(t *testing.T) {
	b := New(8, nil)
	sub, _ := b.Subscribe(Scope{CharacterID: "c1"}, "S1")

	if n := b.Suspend("S1"); n != 1 {
		t.Fatalf("suspended %d", n)
	}
	b.Publish(Event{Kind: KindStateChanged, CharacterID: "c1", NewVersion: 1})
	if sub.Pending() != 0 {
		t.Fatalf("suspended subscription received event")
	}

	b.Resume("S1")
	b.Publish(Event{Kind: KindStateChanged, CharacterID: "c1", NewVersion: 2})
	evs := nextWithin(t, sub, time.Second)
	if len(evs) != 1 || evs[0].NewVersion != 2 {
		t.Fatalf("events = %+v", evs)
	}

	if ids := b.SessionSubscriptions("S1"); len(ids) != 1 || ids[0] != sub.ID {
		t.Fatalf("session subscriptions = %v", ids)
	}
	if n := b.DropSession("S1"); n != 1 {
		t.Fatalf("dropped %d", n)
	}
	if _, err := sub.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Next after drop err = %v", err)
	}
	if _, ok := b.Get(sub.ID); ok {
		t.Fatalf("subscription still registered")
	}
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	b := New(8, nil)
	if b.Unsubscribe("nope") {
		t.Fatalf("expected false for unknown id")
	}
	sub, _ := b.Subscribe(Scope{CharacterID: "c1"}, "")
	if !b.Unsubscribe(sub.ID) || b.Unsubscribe(sub.ID) {
		t.Fatalf("unsubscribe should succeed once")
	}
	select {
	case <-sub.Done():
	default:
		t.Fatalf("done channel not closed")
	}
}

func TestSubscribeRejectsEmptyScope(t *testing.T) {
	b := New(8, nil)
	if _, err := b.Subscribe(Scope{}, ""); !errors.Is(err, ErrEmptyScope) {
		t.Fatalf("err = %v", err)
	}
}

func TestNextUnblocksOnPublish(t *testing.T) {
	b := New(8, nil)
	sub, _ := b.Subscribe(Scope{CharacterID: "c1"}, "")
	got := make(chan []Event, 1)
	go func() {
		evs, _ := sub.Next(context.Background())
		got <- evs
	}()
	time.Sleep(10 * time.Millisecond)
	b.Publish(Event{Kind: KindSessionOpened, CharacterID: "c1"})
	select {
	case evs := <-got:
		if len(evs) != 1 || evs[0].Kind != KindSessionOpened {
			t.Fatalf("events = %+v", evs)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Next did not wake up")
	}
}

func TestAttachDetachAndIdleSweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	b := New(8, nil)
	b.SetClock(clock)

	idle, _ := b.Subscribe(Scope{CharacterID: "c1"}, "")
	bound, _ := b.Subscribe(Scope{CharacterID: "c1"}, "S1")
	live, _ := b.Subscribe(Scope{CharacterID: "c1"}, "")
	if err := live.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := live.Attach(); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("second Attach err = %v", err)
	}

	mu.Lock()
	now = now.Add(3 * time.Minute)
	mu.Unlock()
	if n := b.Sweep(clock(), 2*time.Minute); n != 1 {
		t.Fatalf("swept %d", n)
	}
	if _, ok := b.Get(idle.ID); ok {
		t.Fatalf("idle subscription survived")
	}
	if _, ok := b.Get(bound.ID); !ok {
		t.Fatalf("session-bound subscription was swept")
	}

	live.Detach()
	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	if n := b.Sweep(clock(), 2*time.Minute); n != 0 {
		t.Fatalf("recently detached subscription swept")
	}
	if st := b.Stats(); st.Subscriptions != 2 || st.Attached != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New(16, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b.Publish(Event{Kind: KindStateChanged, CharacterID: "c1"})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				sub, _ := b.Subscribe(Scope{CharacterID: "c1"}, "")
				b.Unsubscribe(sub.ID)
			}
		}()
	}
	wg.Wait()
	if st := b.Stats(); st.Published != 1600 {
		t.Fatalf("published = %d", st.Published)
	}
}

func TestRestoreSeqContinuesNumbering(t *testing.T) {
	b := New(4, nil)
	b.RestoreSeq(41)
	if e := b.Publish(Event{Kind: KindSessionOpened, CharacterID: "c1"}); e.Seq != 42 {
		t.Fatalf("seq = %d, want 42", e.Seq)
	}
	b.RestoreSeq(10)
	if got := b.LastSeq(); got != 42 {
		t.Fatalf("LastSeq = %d after lower restore", got)
	}
}

func TestSubscribeDepthAbsorbsBurstPastClientDepth(t *testing.T) {
	b := New(4, nil)
	client, _ := b.Subscribe(Scope{All: true}, "")
	sink, err := b.SubscribeDepth(Scope{All: true}, "", 64)
	if err != nil {
		t.Fatalf("SubscribeDepth: %v", err)
	}
	for v := uint64(1); v <= 40; v++ {
		b.Publish(Event{Kind: KindStateChanged, CharacterID: "c1", NewVersion: v})
	}
	if !client.Degraded() || client.Pending() != 4 {
		t.Fatalf("client pending=%d degraded=%v", client.Pending(), client.Degraded())
	}
	if sink.Degraded() || sink.Dropped() != 0 {
		t.Fatalf("sink dropped %d events", sink.Dropped())
	}
	evs := nextWithin(t, sink, time.Second)
	if len(evs) != 40 || evs[0].Seq != 1 || evs[39].Seq != 40 {
		t.Fatalf("sink got %d events", len(evs))
	}
}
