package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/charstate"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/session"
)

const (
	Version = 1
	suffix  = ".snap.zst"
)

type Header struct {
	Version    int       `json:"version"`
	TakenAt    time.Time `json:"taken_at"`
	Characters int       `json:"characters"`
	Sessions   int       `json:"sessions"`
	// LastSeq is the broadcaster sequence at the time of the snapshot.
	LastSeq uint64 `json:"last_seq,omitempty"`
}

type SnapshotV1 struct {
	Header     Header        `json:"header"`
	Characters []CharacterV1 `json:"characters"`
	Sessions   []SessionV1   `json:"sessions"`
}

type CharacterV1 struct {
	CharacterID     string            `json:"character_id"`
	Fields          map[string][]byte `json:"fields"`
	FieldVersions   map[string]uint64 `json:"field_versions"`
	DocumentVersion uint64            `json:"document_version"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

type SessionV1 struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"account_id"`
	CharacterID     string    `json:"character_id"`
	State           string    `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	DisconnectedAt  time.Time `json:"disconnected_at,omitempty"`
	ClosedAt        time.Time `json:"closed_at,omitempty"`
	ClosedReason    string    `json:"closed_reason,omitempty"`
	Location        string    `json:"location,omitempty"`
	PartyID         string    `json:"party_id,omitempty"`
	Activity        string    `json:"activity,omitempty"`
}

// Build captures store and registry contents into a snapshot.
func Build(takenAt time.Time, chars []charstate.CharacterState, sessions []session.Session, lastSeq uint64) SnapshotV1 {
	snap := SnapshotV1{
		Header: Header{
			Version:    Version,
			TakenAt:    takenAt.UTC(),
			Characters: len(chars),
			Sessions:   len(sessions),
			LastSeq:    lastSeq,
		},
		Characters: make([]CharacterV1, 0, len(chars)),
		Sessions:   make([]SessionV1, 0, len(sessions)),
	}
	for _, c := range chars {
		cv := CharacterV1{
			CharacterID:     c.CharacterID,
			Fields:          make(map[string][]byte, len(c.Fields)),
			FieldVersions:   make(map[string]uint64, len(c.FieldVersions)),
			DocumentVersion: c.DocumentVersion,
			UpdatedAt:       c.UpdatedAt,
		}
		for k, v := range c.Fields {
			cv.Fields[k] = append([]byte(nil), v...)
		}
		for k, v := range c.FieldVersions {
			cv.FieldVersions[k] = v
		}
		snap.Characters = append(snap.Characters, cv)
	}
	for _, s := range sessions {
		snap.Sessions = append(snap.Sessions, SessionV1{
			ID:              s.ID,
			AccountID:       s.AccountID,
			CharacterID:     s.CharacterID,
			State:           s.State.String(),
			CreatedAt:       s.CreatedAt,
			LastHeartbeatAt: s.LastHeartbeatAt,
			DisconnectedAt:  s.DisconnectedAt,
			ClosedAt:        s.ClosedAt,
			ClosedReason:    s.ClosedReason,
			Location:        s.Presence.Location,
			PartyID:         s.Presence.PartyID,
			Activity:        s.Presence.Activity,
		})
	}
	return snap
}

// CharacterStates converts the snapshot back into store documents.
func (s SnapshotV1) CharacterStates() []charstate.CharacterState {
	out := make([]charstate.CharacterState, 0, len(s.Characters))
	for _, c := range s.Characters {
		st := charstate.CharacterState{
			CharacterID:     c.CharacterID,
			Fields:          make(map[string]json.RawMessage, len(c.Fields)),
			FieldVersions:   make(map[string]uint64, len(c.FieldVersions)),
			DocumentVersion: c.DocumentVersion,
			UpdatedAt:       c.UpdatedAt,
		}
		for k, v := range c.Fields {
			st.Fields[k] = json.RawMessage(v)
		}
		for k, v := range c.FieldVersions {
			st.FieldVersions[k] = v
		}
		out = append(out, st)
	}
	return out
}

// SessionRecords converts the snapshot back into registry sessions. Entries
// with an unknown state are skipped.
func (s SnapshotV1) SessionRecords() []session.Session {
	out := make([]session.Session, 0, len(s.Sessions))
	for _, sv := range s.Sessions {
		st, ok := session.ParseState(sv.State)
		if !ok {
			continue
		}
		out = append(out, session.Session{
			ID:              sv.ID,
			AccountID:       sv.AccountID,
			CharacterID:     sv.CharacterID,
			State:           st,
			CreatedAt:       sv.CreatedAt,
			LastHeartbeatAt: sv.LastHeartbeatAt,
			DisconnectedAt:  sv.DisconnectedAt,
			ClosedAt:        sv.ClosedAt,
			ClosedReason:    sv.ClosedReason,
			Presence: session.Presence{
				Location: sv.Location,
				PartyID:  sv.PartyID,
				Activity: sv.Activity,
			},
		})
	}
	return out
}

// PathFor names the snapshot file for takenAt under dir.
func PathFor(dir string, takenAt time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", takenAt.UTC().Unix(), suffix))
}

// List returns snapshot paths in dir, oldest first.
func List(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type entry struct {
		unix int64
		path string
	}
	var found []entry
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(e.Name(), suffix), 10, 64)
		if err != nil {
			continue
		}
		found = append(found, entry{unix: n, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].unix < found[j].unix })
	out := make([]string, 0, len(found))
	for _, f := range found {
		out = append(out, f.path)
	}
	return out, nil
}

// Latest returns the newest snapshot in dir, or "" when there is none.
func Latest(dir string) string {
	paths, err := List(dir)
	if err != nil || len(paths) == 0 {
		return ""
	}
	return paths[len(paths)-1]
}

// Prune removes all but the newest keep snapshots in dir.
func Prune(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	paths, err := List(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for len(paths) > keep {
		if err := os.Remove(paths[0]); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
		paths = paths[1:]
	}
	return removed, nil
}

// WriteSnapshot writes to a temp file and renames it into place, so readers
// never see a partial snapshot.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap SnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}
