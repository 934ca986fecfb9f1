package main

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/broadcast"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/gateway"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/indexdb"
	persistlog "github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/log"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/offsite"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/snapshot"
)

// snapshotKeep is how many snapshot files survive a prune.
const snapshotKeep = 24

// runtime owns the gateway and its persistence sinks for one process.
type runtime struct {
	dataDir string
	gw      *gateway.Gateway
	logger  *log.Logger

	// Optional sinks; nil when disabled.
	idx     *indexdb.SQLiteIndex
	syncLog *persistlog.SyncJournal
	events  *persistlog.EventJournal
	offsite *offsite.Mirror

	// firehose feeds events and idx; its drops are journal gaps.
	firehose *broadcast.Subscription

	snapMu   sync.Mutex
	lastSnap snapshot.Header
	started  time.Time
}

func (rt *runtime) snapshotDir() string { return filepath.Join(rt.dataDir, "snapshots") }

// restore loads a snapshot into the gateway. Character documents are only
// imported for the in-memory store; a durable backend is authoritative.
func (rt *runtime) restore(path string, importCharacters bool) error {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return err
	}
	if importCharacters {
		rt.gw.Store().Import(snap.CharacterStates())
	}
	rt.gw.Sessions().Import(snap.SessionRecords())
	rt.gw.Events().RestoreSeq(snap.Header.LastSeq)

	rt.snapMu.Lock()
	rt.lastSnap = snap.Header
	rt.snapMu.Unlock()
	rt.logger.Printf("resumed from snapshot=%s characters=%d sessions=%d last_seq=%d",
		filepath.Base(path), snap.Header.Characters, snap.Header.Sessions, snap.Header.LastSeq)
	return nil
}

// takeSnapshot writes the current store and registry contents and prunes
// old snapshot files.
func (rt *runtime) takeSnapshot() (string, snapshot.Header, error) {
	rt.snapMu.Lock()
	defer rt.snapMu.Unlock()

	snap := snapshot.Build(time.Now().UTC(),
		rt.gw.Store().Export(),
		rt.gw.Sessions().Export(),
		rt.gw.Events().LastSeq())
	path := snapshot.PathFor(rt.snapshotDir(), snap.Header.TakenAt)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", snapshot.Header{}, err
	}
	rt.lastSnap = snap.Header
	if rt.idx != nil {
		rt.idx.RecordSnapshot(path, snap.Header)
	}
	rt.offsite.Enqueue(path)
	if n, err := snapshot.Prune(rt.snapshotDir(), snapshotKeep); err != nil {
		rt.logger.Printf("snapshot prune: %v", err)
	} else if n > 0 {
		rt.logger.Printf("snapshot prune removed=%d", n)
	}
	return path, snap.Header, nil
}

func (rt *runtime) lastSnapshot() snapshot.Header {
	rt.snapMu.Lock()
	defer rt.snapMu.Unlock()
	return rt.lastSnap
}

// snapshotLoop snapshots every interval and once more on shutdown.
func (rt *runtime) snapshotLoop(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if _, _, err := rt.takeSnapshot(); err != nil {
				rt.logger.Printf("final snapshot: %v", err)
			}
			return nil
		case <-ticker.C:
			if _, _, err := rt.takeSnapshot(); err != nil {
				rt.logger.Printf("snapshot write: %v", err)
			}
		}
	}
}

// pumpEvents copies every published event to the journal and the index.
// sub must be a firehose subscription; it is drained before returning.
func (rt *runtime) pumpEvents(ctx context.Context, sub *broadcast.Subscription) error {
	for {
		evs, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, broadcast.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, e := range evs {
			if rt.events != nil {
				if err := rt.events.WriteEvent(e); err != nil {
					rt.logger.Printf("event journal: %v", err)
				}
			}
			if rt.idx != nil {
				rt.idx.RecordEvent(e)
			}
		}
	}
}

// openFirehose subscribes to every event with its own queue depth and keeps
// the subscription attached so idle sweeps never collect it.
func openFirehose(events *broadcast.Broadcaster, depth int) (*broadcast.Subscription, error) {
	sub, err := events.SubscribeDepth(broadcast.Scope{All: true}, "", depth)
	if err != nil {
		return nil, err
	}
	if err := sub.Attach(); err != nil {
		return nil, err
	}
	return sub, nil
}

// mirrorJournals sends every completed journal file offsite.
func (rt *runtime) mirrorJournals() {
	if rt.offsite == nil {
		return
	}
	if rt.syncLog != nil {
		rt.syncLog.OnClosed(rt.offsite.Enqueue)
	}
	if rt.events != nil {
		rt.events.OnClosed(rt.offsite.Enqueue)
	}
}

// close flushes the journals before the mirror so their last files upload.
func (rt *runtime) close() {
	if rt.syncLog != nil {
		_ = rt.syncLog.Close()
	}
	if rt.events != nil {
		_ = rt.events.Close()
	}
	if rt.idx != nil {
		_ = rt.idx.Close()
	}
	rt.offsite.Close()
}
