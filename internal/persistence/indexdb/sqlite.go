package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/broadcast"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/gateway"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/snapshot"
)

const schemaVersion = "1"

// SQLiteIndex is a queryable secondary index of sync audits, conflicts,
// broadcast events and snapshots. The JSONL journal stays the source of
// truth; the index drops writes when its queue is full.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	mu   sync.RWMutex
	shut bool

	commitEvery   int
	commitMaxWait time.Duration

	dropAudit    atomic.Uint64
	dropEvent    atomic.Uint64
	dropSnapshot atomic.Uint64
	writeErrors  atomic.Uint64
	commits      atomic.Uint64
}

type reqKind int

const (
	reqAudit reqKind = iota + 1
	reqEvent
	reqSnapshot
)

type req struct {
	kind reqKind

	audit    gateway.AuditEntry
	event    broadcast.Event
	snapshot snapshotRow
}

type snapshotRow struct {
	TakenAt    int64
	Path       string
	Characters int
	Sessions   int
	LastSeq    uint64
}

type Stats struct {
	DropAuditTotal    uint64
	DropEventTotal    uint64
	DropSnapshotTotal uint64
	WriteErrorTotal   uint64
	CommitTotal       uint64
	QueueDepth        int
	QueueCapacity     int
}

func OpenSQLite(path string, queueDepth int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if queueDepth <= 0 {
		queueDepth = 4096
	}

	s := &SQLiteIndex{
		db:            db,
		ch:            make(chan req, queueDepth),
		commitEvery:   2000,
		commitMaxWait: 2 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

// OpenReadOnly opens an existing index for queries only; Record* calls on
// it are ignored.
func OpenReadOnly(path string) (*SQLiteIndex, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteIndex{db: db, shut: true}, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sync_audits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			character_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			client_version INTEGER NOT NULL,
			prev_version INTEGER NOT NULL,
			new_version INTEGER NOT NULL,
			initialized INTEGER NOT NULL,
			touched INTEGER NOT NULL,
			conflicts INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			error TEXT NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sync_audits_character ON sync_audits(character_id, id);`,
		`CREATE TABLE IF NOT EXISTS sync_conflicts (
			audit_id INTEGER NOT NULL REFERENCES sync_audits(id),
			character_id TEXT NOT NULL,
			field TEXT NOT NULL,
			expected_version INTEGER NOT NULL,
			actual_version INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sync_conflicts_field ON sync_conflicts(field);`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY,
			kind TEXT NOT NULL,
			character_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			new_version INTEGER NOT NULL,
			reason TEXT NOT NULL,
			at TEXT NOT NULL,
			fields_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_character ON events(character_id, seq);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			taken_at INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			characters INTEGER NOT NULL,
			sessions INTEGER NOT NULL,
			last_seq INTEGER NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue, commits and closes the database.
func (s *SQLiteIndex) Close() error {
	s.mu.Lock()
	if s.shut {
		s.mu.Unlock()
		if s.ch == nil && s.db != nil {
			return s.db.Close()
		}
		return nil
	}
	s.shut = true
	close(s.ch)
	s.mu.Unlock()
	s.wg.Wait()
	return s.db.Close()
}

func (s *SQLiteIndex) enqueue(r req, dropped *atomic.Uint64) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shut {
		return
	}
	select {
	case s.ch <- r:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		dropped.Add(1)
	}
}

// RecordSync implements gateway.AuditLogger.
func (s *SQLiteIndex) RecordSync(e gateway.AuditEntry) {
	s.enqueue(req{kind: reqAudit, audit: e}, &s.dropAudit)
}

func (s *SQLiteIndex) RecordEvent(e broadcast.Event) {
	s.enqueue(req{kind: reqEvent, event: e}, &s.dropEvent)
}

func (s *SQLiteIndex) RecordSnapshot(path string, h snapshot.Header) {
	s.enqueue(req{kind: reqSnapshot, snapshot: snapshotRow{
		TakenAt:    h.TakenAt.Unix(),
		Path:       path,
		Characters: h.Characters,
		Sessions:   h.Sessions,
		LastSeq:    h.LastSeq,
	}}, &s.dropSnapshot)
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropAuditTotal:    s.dropAudit.Load(),
		DropEventTotal:    s.dropEvent.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		WriteErrorTotal:   s.writeErrors.Load(),
		CommitTotal:       s.commits.Load(),
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	insertAudit, _ := s.db.Prepare(`INSERT INTO sync_audits(at,character_id,session_id,client_version,prev_version,new_version,initialized,touched,conflicts,attempts,error,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertConflict, _ := s.db.Prepare(`INSERT INTO sync_conflicts(audit_id,character_id,field,expected_version,actual_version,at) VALUES(?,?,?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO events(seq,kind,character_id,account_id,session_id,new_version,reason,at,fields_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(taken_at,path,characters,sessions,last_seq) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertAudit, insertConflict, insertEvent, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx         *sql.Tx
		opCount    int
		lastCommit = time.Now()
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErrors.Add(1)
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		} else {
			s.commits.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		s.writeErrors.Add(1)
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	ticker := time.NewTicker(s.commitMaxWait)
	defer ticker.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-ticker.C:
			if tx != nil && time.Since(lastCommit) >= s.commitMaxWait {
				commit()
			}
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqAudit:
			a := r.audit
			at := a.At.UTC().Format(time.RFC3339Nano)
			raw, _ := json.Marshal(a)
			if insertAudit == nil {
				continue
			}
			res, err := tx.Stmt(insertAudit).Exec(
				at,
				a.CharacterID,
				a.SessionID,
				int64(a.ClientVersion),
				int64(a.PrevVersion),
				int64(a.NewVersion),
				boolInt(a.Initialized),
				len(a.Touched),
				len(a.Conflicts),
				a.Attempts,
				a.Error,
				string(raw),
			)
			if err != nil {
				rollback()
				continue
			}
			opCount++
			id, err := res.LastInsertId()
			if err != nil || insertConflict == nil {
				continue
			}
			for _, c := range a.Conflicts {
				if _, err := tx.Stmt(insertConflict).Exec(id, a.CharacterID, c.Field, int64(c.ExpectedVersion), int64(c.ActualVersion), at); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqEvent:
			e := r.event
			fields := "{}"
			if len(e.Fields) > 0 {
				b, _ := json.Marshal(e.Fields)
				fields = string(b)
			}
			if insertEvent != nil {
				if _, err := tx.Stmt(insertEvent).Exec(
					int64(e.Seq),
					string(e.Kind),
					e.CharacterID,
					e.AccountID,
					e.SessionID,
					int64(e.NewVersion),
					e.Reason,
					e.At.UTC().Format(time.RFC3339Nano),
					fields,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(sn.TakenAt, sn.Path, sn.Characters, sn.Sessions, int64(sn.LastSeq)); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		if tx != nil && (opCount >= s.commitEvery || time.Since(lastCommit) >= s.commitMaxWait) {
			commit()
		}
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
