package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/broadcast"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/gateway"
	persistlog "github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/log"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/snapshot"
)

// replay verifies a snapshot and the journals against the versioning rules:
// a document version is the max of its field versions, committed versions
// only grow per character, and event sequence numbers never repeat.
func main() {
	var (
		dataDir   = flag.String("data", "./data", "runtime data directory")
		snapPath  = flag.String("snapshot", "", "path to .snap.zst (optional; defaults to latest)")
		noJournal = flag.Bool("skip_journal", false, "only verify the snapshot")
		maxReport = flag.Int("max_report", 50, "stop printing problems after this many")
	)
	flag.Parse()

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		path = snapshot.Latest(filepath.Join(*dataDir, "snapshots"))
	}

	var (
		problems []string
		snap     *snapshot.SnapshotV1
	)
	if path != "" {
		s, err := snapshot.ReadSnapshot(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		snap = &s
		fmt.Printf("snapshot v%d %s taken_at=%s characters=%d sessions=%d last_seq=%d\n",
			s.Header.Version, filepath.Base(path), s.Header.TakenAt.Format("2006-01-02T15:04:05Z07:00"),
			len(s.Characters), len(s.Sessions), s.Header.LastSeq)
		problems = append(problems, checkSnapshot(s)...)
	} else {
		fmt.Println("no snapshot found")
	}

	if !*noJournal {
		jdir := filepath.Join(*dataDir, "journal")
		v := newJournalVerifier(snap)
		if err := persistlog.ReadEvents(jdir, v.event); err != nil {
			fmt.Fprintln(os.Stderr, "read events:", err)
			os.Exit(1)
		}
		if err := persistlog.ReadAudits(jdir, v.audit); err != nil {
			fmt.Fprintln(os.Stderr, "read audits:", err)
			os.Exit(1)
		}
		problems = append(problems, v.finish()...)
		fmt.Printf("journal events=%d audits=%d characters=%d\n", v.events, v.audits, len(v.lastVersion))
	}

	if len(problems) == 0 {
		fmt.Println("OK")
		return
	}
	for i, p := range problems {
		if i >= *maxReport {
			fmt.Printf("... %d more\n", len(problems)-i)
			break
		}
		fmt.Println("FAIL", p)
	}
	os.Exit(1)
}

func checkSnapshot(s snapshot.SnapshotV1) []string {
	var out []string
	if s.Header.Characters != len(s.Characters) {
		out = append(out, fmt.Sprintf("header characters=%d body=%d", s.Header.Characters, len(s.Characters)))
	}
	if s.Header.Sessions != len(s.Sessions) {
		out = append(out, fmt.Sprintf("header sessions=%d body=%d", s.Header.Sessions, len(s.Sessions)))
	}
	for _, c := range s.Characters {
		var maxV uint64
		for f, v := range c.FieldVersions {
			if _, ok := c.Fields[f]; !ok {
				out = append(out, fmt.Sprintf("character=%s field=%s has a version but no value", c.CharacterID, f))
			}
			if v > maxV {
				maxV = v
			}
		}
		for f := range c.Fields {
			if _, ok := c.FieldVersions[f]; !ok {
				out = append(out, fmt.Sprintf("character=%s field=%s has no version", c.CharacterID, f))
			}
		}
		if len(c.Fields) > 0 && c.DocumentVersion != maxV {
			out = append(out, fmt.Sprintf("character=%s document_version=%d max_field_version=%d", c.CharacterID, c.DocumentVersion, maxV))
		}
	}

	ids := map[string]bool{}
	live := map[string]string{}
	for _, ss := range s.Sessions {
		if ids[ss.ID] {
			out = append(out, fmt.Sprintf("session=%s duplicated", ss.ID))
		}
		ids[ss.ID] = true
		if ss.State == "CLOSED" {
			continue
		}
		if other, ok := live[ss.CharacterID]; ok {
			out = append(out, fmt.Sprintf("character=%s has two live sessions %s and %s", ss.CharacterID, other, ss.ID))
		}
		live[ss.CharacterID] = ss.ID
	}
	return out
}

type journalVerifier struct {
	snap *snapshot.SnapshotV1

	lastSeq     uint64
	lastVersion map[string]uint64
	beforeSnap  map[string]uint64
	events      int
	audits      int
	problems    []string
}

func newJournalVerifier(snap *snapshot.SnapshotV1) *journalVerifier {
	return &journalVerifier{snap: snap, lastVersion: map[string]uint64{}, beforeSnap: map[string]uint64{}}
}

func (v *journalVerifier) event(e persistlog.EventEntry) error {
	v.events++
	if e.Seq != 0 && e.Seq <= v.lastSeq {
		v.problems = append(v.problems, fmt.Sprintf("event seq=%d after seq=%d", e.Seq, v.lastSeq))
	}
	if e.Seq > v.lastSeq {
		v.lastSeq = e.Seq
	}
	if e.Kind != string(broadcast.KindStateChanged) {
		return nil
	}
	if prev := v.lastVersion[e.CharacterID]; e.NewVersion <= prev {
		v.problems = append(v.problems, fmt.Sprintf("character=%s seq=%d new_version=%d not above %d", e.CharacterID, e.Seq, e.NewVersion, prev))
	}
	if e.NewVersion > v.lastVersion[e.CharacterID] {
		v.lastVersion[e.CharacterID] = e.NewVersion
	}
	if v.snap != nil && e.Seq <= v.snap.Header.LastSeq && e.NewVersion > v.beforeSnap[e.CharacterID] {
		v.beforeSnap[e.CharacterID] = e.NewVersion
	}
	return nil
}

func (v *journalVerifier) audit(e gateway.AuditEntry) error {
	v.audits++
	if e.Error != "" {
		return nil
	}
	if e.NewVersion < e.PrevVersion {
		v.problems = append(v.problems, fmt.Sprintf("audit character=%s new_version=%d below prev_version=%d", e.CharacterID, e.NewVersion, e.PrevVersion))
	}
	if e.Initialized && e.PrevVersion != 0 {
		v.problems = append(v.problems, fmt.Sprintf("audit character=%s initialized with prev_version=%d", e.CharacterID, e.PrevVersion))
	}
	for _, c := range e.Conflicts {
		if c.ActualVersion <= c.ExpectedVersion {
			v.problems = append(v.problems, fmt.Sprintf("audit character=%s field=%s conflict expected=%d actual=%d", e.CharacterID, c.Field, c.ExpectedVersion, c.ActualVersion))
		}
	}
	return nil
}

// finish cross-checks the journal against the snapshot: every commit
// published at or before the snapshot's sequence must be reflected in it.
func (v *journalVerifier) finish() []string {
	if v.snap == nil {
		return v.problems
	}
	for _, c := range v.snap.Characters {
		if ver := v.beforeSnap[c.CharacterID]; c.DocumentVersion < ver {
			v.problems = append(v.problems, fmt.Sprintf("character=%s snapshot version=%d behind journal version=%d", c.CharacterID, c.DocumentVersion, ver))
		}
	}
	return v.problems
}
