package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/broadcast"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/gateway"
)

const (
	EventsPrefix = "events"
	AuditPrefix  = "audit"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	curPath string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer

	// onClosed receives the path of every file once it is complete.
	onClosed func(path string)
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

// OnClosed registers fn to run after a file is rotated out or closed.
// fn runs with the writer locked and must not block.
func (w *JSONLZstdWriter) OnClosed(fn func(path string)) {
	w.mu.Lock()
	w.onClosed = fn
	w.mu.Unlock()
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	w.curPath = path
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	if w.curPath != "" && w.onClosed != nil {
		w.onClosed(w.curPath)
	}
	w.curPath = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// EventEntry is the journal form of a broadcast event.
type EventEntry struct {
	Seq         uint64                     `json:"seq"`
	Kind        string                     `json:"kind"`
	CharacterID string                     `json:"character_id"`
	AccountID   string                     `json:"account_id,omitempty"`
	SessionID   string                     `json:"session_id,omitempty"`
	NewVersion  uint64                     `json:"new_version,omitempty"`
	Fields      map[string]json.RawMessage `json:"fields,omitempty"`
	Reason      string                     `json:"reason,omitempty"`
	At          time.Time                  `json:"at"`
}

func NewEventEntry(e broadcast.Event) EventEntry {
	return EventEntry{
		Seq:         e.Seq,
		Kind:        string(e.Kind),
		CharacterID: e.CharacterID,
		AccountID:   e.AccountID,
		SessionID:   e.SessionID,
		NewVersion:  e.NewVersion,
		Fields:      e.Fields,
		Reason:      e.Reason,
		At:          e.At,
	}
}

// EventJournal writes one JSONL entry per published event (compressed).
type EventJournal struct{ w *JSONLZstdWriter }

func NewEventJournal(dataDir string) *EventJournal {
	return &EventJournal{w: NewJSONLZstdWriter(filepath.Join(dataDir, "journal"), EventsPrefix)}
}

func (l *EventJournal) WriteEvent(e broadcast.Event) error { return l.w.Write(NewEventEntry(e)) }
func (l *EventJournal) OnClosed(fn func(path string))      { l.w.OnClosed(fn) }
func (l *EventJournal) Close() error                       { return l.w.Close() }

type JournalStats struct {
	Written       uint64
	Dropped       uint64
	WriteErrors   uint64
	QueueDepth    int
	QueueCapacity int
}

// SyncJournal records sync audit entries to audit-*.jsonl.zst. RecordSync
// hands entries to a writer goroutine and drops them when the queue is full.
type SyncJournal struct {
	w  *JSONLZstdWriter
	ch chan gateway.AuditEntry
	wg sync.WaitGroup

	// mu orders RecordSync against Close so nothing sends on a closed channel.
	mu     sync.RWMutex
	closed bool

	written   atomic.Uint64
	dropped   atomic.Uint64
	writeErrs atomic.Uint64
}

func NewSyncJournal(dataDir string, queueDepth int) *SyncJournal {
	if queueDepth <= 0 {
		queueDepth = 4096
	}
	j := &SyncJournal{
		w:  NewJSONLZstdWriter(filepath.Join(dataDir, "journal"), AuditPrefix),
		ch: make(chan gateway.AuditEntry, queueDepth),
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for e := range j.ch {
			if err := j.w.Write(e); err != nil {
				j.writeErrs.Add(1)
				continue
			}
			j.written.Add(1)
		}
	}()
	return j
}

func (j *SyncJournal) RecordSync(e gateway.AuditEntry) {
	if j == nil {
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- e:
	default:
		j.dropped.Add(1)
	}
}

// OnClosed registers a hook for completed audit files.
func (j *SyncJournal) OnClosed(fn func(path string)) { j.w.OnClosed(fn) }

func (j *SyncJournal) Stats() JournalStats {
	if j == nil {
		return JournalStats{}
	}
	return JournalStats{
		Written:       j.written.Load(),
		Dropped:       j.dropped.Load(),
		WriteErrors:   j.writeErrs.Load(),
		QueueDepth:    len(j.ch),
		QueueCapacity: cap(j.ch),
	}
}

// Close drains queued entries and closes the current file.
func (j *SyncJournal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()
	j.wg.Wait()
	return j.w.Close()
}
