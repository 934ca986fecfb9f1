package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/broadcast"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/charstate"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/gateway"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/indexdb"
	persistlog "github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/log"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/offsite"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/snapshot"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/session"
)

func newTestRuntime(t *testing.T, dataDir string) *runtime {
	t.Helper()
	rt := &runtime{
		dataDir: dataDir,
		logger:  log.New(io.Discard, "", 0),
		started: time.Now(),
	}
	rt.gw = gateway.New(gateway.Options{
		Store:    charstate.NewStore(nil),
		Sessions: session.NewRegistry(session.Config{HeartbeatTimeout: 30 * time.Second}),
		Events:   broadcast.New(64, nil),
	})
	return rt
}

func syncFields(t *testing.T, gw *gateway.Gateway, characterID string, version uint64, fields string) {
	t.Helper()
	var state map[string]json.RawMessage
	if err := json.Unmarshal([]byte(fields), &state); err != nil {
		t.Fatalf("fields: %v", err)
	}
	if _, err := gw.Sync(context.Background(), gateway.SyncRequest{CharacterID: characterID, ClientVersion: version, State: state}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, dir)
	syncFields(t, rt.gw, "c1", 0, `{"hp":100,"gold":5}`)
	syncFields(t, rt.gw, "c1", 1, `{"hp":80}`)
	if _, err := rt.gw.Reconnect(context.Background(), "a1", "c1", ""); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	seq := rt.gw.Events().LastSeq()

	path, h, err := rt.takeSnapshot()
	if err != nil {
		t.Fatalf("takeSnapshot: %v", err)
	}
	if h.Characters != 1 || h.Sessions != 1 || h.LastSeq != seq {
		t.Fatalf("header = %+v", h)
	}
	if got := snapshot.Latest(rt.snapshotDir()); got != path {
		t.Fatalf("latest = %q, want %q", got, path)
	}

	fresh := newTestRuntime(t, dir)
	if err := fresh.restore(path, true); err != nil {
		t.Fatalf("restore: %v", err)
	}
	st, ok, err := fresh.gw.Store().Get(context.Background(), "c1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if st.DocumentVersion != 2 || string(st.Fields["hp"]) != "80" || st.FieldVersions["gold"] != 1 {
		t.Fatalf("restored = %+v", st)
	}
	sessions := fresh.gw.Sessions().Export()
	if len(sessions) != 1 || sessions[0].State != session.StateDisconnected {
		t.Fatalf("sessions = %+v", sessions)
	}
	if got := fresh.gw.Events().LastSeq(); got != seq {
		t.Fatalf("seq = %d, want %d", got, seq)
	}
}

func TestPumpEventsWritesJournalAndIndex(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, dir)
	rt.events = persistlog.NewEventJournal(dir)
	idx, err := indexdb.OpenSQLite(dir+"/index/statesync.sqlite", 64)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	rt.idx = idx

	sub, err := openFirehose(rt.gw.Events(), 0)
	if err != nil {
		t.Fatalf("openFirehose: %v", err)
	}
	syncFields(t, rt.gw, "c1", 0, `{"hp":1}`)
	syncFields(t, rt.gw, "c2", 0, `{"hp":2}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rt.pumpEvents(ctx, sub); err != nil {
		t.Fatalf("pumpEvents: %v", err)
	}
	rt.close()

	var seen []string
	if err := persistlog.ReadEvents(dir+"/journal", func(e persistlog.EventEntry) error {
		seen = append(seen, e.CharacterID)
		return nil
	}); err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(seen) != 2 || seen[0] != "c1" || seen[1] != "c2" {
		t.Fatalf("journal = %v", seen)
	}

	ro, err := indexdb.OpenReadOnly(dir + "/index/statesync.sqlite")
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer ro.Close()
	rows, err := ro.EventsAfter(context.Background(), "", 0, 10)
	if err != nil || len(rows) != 2 {
		t.Fatalf("indexed events = %d err=%v", len(rows), err)
	}
}

func TestMetricsExposition(t *testing.T) {
	rt := newTestRuntime(t, t.TempDir())
	syncFields(t, rt.gw, "c1", 0, `{"hp":1}`)

	rec := httptest.NewRecorder()
	rt.handleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE statesync_sync_total counter\nstatesync_sync_total 1\n",
		"statesync_sync_init_total 1\n",
		`statesync_sessions{state="ACTIVE"} 0`,
		"statesync_events_published_total 1\n",
		"statesync_characters_cached 1\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "statesync_index_") || strings.Contains(body, "statesync_event_journal_") {
		t.Fatalf("index metrics emitted without an index")
	}
}

func TestAdminRoutesAreLoopbackOnly(t *testing.T) {
	rt := newTestRuntime(t, t.TempDir())
	syncFields(t, rt.gw, "c1", 0, `{"hp":7}`)
	mux := http.NewServeMux()
	rt.registerAdmin(mux)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/characters?id=c1", nil)
	req.RemoteAddr = "10.0.0.8:5555"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/characters?id=c1", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var doc struct {
		DocumentVersion uint64                     `json:"document_version"`
		Fields          map[string]json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.DocumentVersion != 1 || string(doc.Fields["hp"]) != "7" {
		t.Fatalf("doc = %+v", doc)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/characters?id=nobody", nil)
	req.RemoteAddr = "[::1]:5555"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/v1/snapshot", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"characters":1`) {
		t.Fatalf("snapshot status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestOffsiteReceivesSnapshotsAndJournals(t *testing.T) {
	var (
		mu   sync.Mutex
		puts []string
	)
	bucket := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		mu.Lock()
		puts = append(puts, r.Method+" "+r.URL.Path)
		mu.Unlock()
		rw.WriteHeader(http.StatusOK)
	}))
	defer bucket.Close()

	dir := t.TempDir()
	rt := newTestRuntime(t, dir)
	rt.events = persistlog.NewEventJournal(dir)
	client, err := offsite.NewClient(offsite.ClientConfig{Endpoint: bucket.URL, Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	rt.offsite = offsite.NewMirror(client, offsite.MirrorConfig{DataDir: dir, Prefix: "node-1"}, nil)
	rt.mirrorJournals()

	sub, err := openFirehose(rt.gw.Events(), 0)
	if err != nil {
		t.Fatalf("openFirehose: %v", err)
	}
	syncFields(t, rt.gw, "c1", 0, `{"hp":1}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rt.pumpEvents(ctx, sub); err != nil {
		t.Fatalf("pumpEvents: %v", err)
	}
	if _, _, err := rt.takeSnapshot(); err != nil {
		t.Fatalf("takeSnapshot: %v", err)
	}
	rt.close()

	mu.Lock()
	defer mu.Unlock()
	var snaps, journals int
	for _, p := range puts {
		switch {
		case strings.HasPrefix(p, "PUT /b/node-1/snapshots/"):
			snaps++
		case strings.HasPrefix(p, "PUT /b/node-1/journal/events-"):
			journals++
		}
	}
	if snaps != 1 || journals != 1 {
		t.Fatalf("uploads = %v", puts)
	}
	if st := rt.offsite.Stats(); st.UploadSuccessTotal != 2 {
		t.Fatalf("offsite stats = %+v", st)
	}
}

func TestFirehoseKeepsEventsPastClientQueueDepth(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, dir)
	rt.events = persistlog.NewEventJournal(dir)
	sub, err := openFirehose(rt.gw.Events(), 1024)
	if err != nil {
		t.Fatalf("openFirehose: %v", err)
	}
	rt.firehose = sub

	// The test broadcaster's client queue holds 64 events.
	for i := 0; i < 200; i++ {
		syncFields(t, rt.gw, fmt.Sprintf("c%d", i), 0, `{"hp":1}`)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rt.pumpEvents(ctx, sub); err != nil {
		t.Fatalf("pumpEvents: %v", err)
	}

	rec := httptest.NewRecorder()
	rt.handleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "statesync_event_journal_dropped_total 0\n") {
		t.Fatalf("metrics:\n%s", rec.Body.String())
	}
	rt.close()

	var seqs []uint64
	if err := persistlog.ReadEvents(dir+"/journal", func(e persistlog.EventEntry) error {
		seqs = append(seqs, e.Seq)
		return nil
	}); err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(seqs) != 200 || seqs[0] != 1 || seqs[199] != 200 {
		t.Fatalf("journal has %d events", len(seqs))
	}
}
