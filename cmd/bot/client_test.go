package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/broadcast"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/gateway"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/session"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/transport/httpapi"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/transport/ws"
)

func startService(t *testing.T) (*gateway.Gateway, string) {
	t.Helper()
	gw := gateway.New(gateway.Options{
		Sessions: session.NewRegistry(session.Config{HeartbeatTimeout: time.Minute}),
		Events:   broadcast.New(32, nil),
	})
	mux := http.NewServeMux()
	httpapi.NewServer(gw, nil, nil, "").Register(mux)
	mux.HandleFunc(httpapi.EventsWSPath, ws.NewServer(gw.Events(), nil).Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return gw, srv.URL
}

func TestClientSessionAndSync(t *testing.T) {
	gw, base := startService(t)
	ctx := context.Background()
	c := newClient(base+"/", "a1", "c1")

	res, err := c.Reconnect(ctx)
	if err != nil || res.Reconnected || c.SessionID == "" {
		t.Fatalf("Reconnect: res=%+v err=%v", res, err)
	}
	if _, err := c.Heartbeat(ctx, "town", "idle"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	out, err := c.Sync(ctx, map[string]json.RawMessage{"hp": json.RawMessage("10")})
	if err != nil || out.NewVersion != 1 || c.Version != 1 {
		t.Fatalf("Sync: out=%+v version=%d err=%v", out, c.Version, err)
	}

	// Another writer moves hp ahead; a stale client sees the conflict.
	if _, err := gw.Sync(ctx, gateway.SyncRequest{CharacterID: "c1", ClientVersion: 1, State: map[string]json.RawMessage{"hp": json.RawMessage("9")}}); err != nil {
		t.Fatalf("gateway Sync: %v", err)
	}
	stale := newClient(base, "a1", "c1")
	stale.Version = 0
	out, err = stale.Sync(ctx, map[string]json.RawMessage{"hp": json.RawMessage("1")})
	if err != nil || len(out.Conflicts) != 1 || out.Conflicts[0].ActualVersion != 2 {
		t.Fatalf("stale Sync: out=%+v err=%v", out, err)
	}
	if stale.Version != 2 {
		t.Fatalf("stale client version = %d, want adopted 2", stale.Version)
	}

	closed, err := c.Close(ctx, "")
	if err != nil || closed.SessionID != c.SessionID {
		t.Fatalf("Close: %+v err=%v", closed, err)
	}
	_, err = c.Heartbeat(ctx, "", "")
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("heartbeat after close err = %v", err)
	}
}

func TestRunFollowsOwnEvents(t *testing.T) {
	gw, base := startService(t)
	c := newClient(base, "a1", "c7")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, c, 20*time.Millisecond, time.Hour, log.New(io.Discard, "", 0))
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		st, ok, _ := gw.Store().Get(context.Background(), "c7")
		if ok && st.DocumentVersion >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bot did not sync repeatedly")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run err = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop")
	}
	if got := gw.ActiveSessions(session.Filter{CharacterID: "c7"}); len(got) != 0 {
		t.Fatalf("session still active after shutdown: %+v", got)
	}
}
