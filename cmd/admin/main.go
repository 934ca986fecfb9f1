package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/gateway"
	persistlog "github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/log"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "sessions":
			sessionsCmd(os.Args[2:])
			return
		case "character":
			characterCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the header of every snapshot in the data dir.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	paths, err := snapshot.List(filepath.Join(*dataDir, "snapshots"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	for _, p := range paths {
		h, err := snapshot.ReadHeader(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(p), err)
			continue
		}
		fmt.Printf("%s taken_at=%s characters=%d sessions=%d last_seq=%d\n",
			filepath.Base(p), h.TakenAt.Format("2006-01-02T15:04:05Z07:00"), h.Characters, h.Sessions, h.LastSeq)
	}
}

func sessionsCmd(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	account := fs.String("account", "", "account_id filter")
	character := fs.String("character", "", "character_id filter")
	state := fs.String("state", "", "state filter: ACTIVE|DISCONNECTED|CLOSED")
	_ = fs.Parse(args)

	snap := mustLoadSnapshot(*dataDir, *snapPath)
	for _, s := range filterSessions(snap.Sessions, *account, *character, *state) {
		printJSON(s)
	}
}

func filterSessions(in []snapshot.SessionV1, account, character, state string) []snapshot.SessionV1 {
	account = strings.TrimSpace(account)
	character = strings.TrimSpace(character)
	state = strings.ToUpper(strings.TrimSpace(state))
	var out []snapshot.SessionV1
	for _, s := range in {
		if account != "" && s.AccountID != account {
			continue
		}
		if character != "" && s.CharacterID != character {
			continue
		}
		if state != "" && s.State != state {
			continue
		}
		out = append(out, s)
	}
	return out
}

func characterCmd(args []string) {
	fs := flag.NewFlagSet("character", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	id := fs.String("id", "", "character id (required)")
	live := fs.String("url", "", "query a running server instead of a snapshot")
	_ = fs.Parse(args)

	if strings.TrimSpace(*id) == "" {
		fmt.Fprintln(os.Stderr, "missing -id")
		os.Exit(2)
	}
	if strings.TrimSpace(*live) != "" {
		os.Exit(liveCharacter(*live, *id))
	}
	snap := mustLoadSnapshot(*dataDir, *snapPath)
	for _, st := range snap.CharacterStates() {
		if st.CharacterID == *id {
			printJSON(st)
			return
		}
	}
	fmt.Fprintln(os.Stderr, "character not in snapshot:", *id)
	os.Exit(1)
}

func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	kind := fs.String("kind", "audit", "journal kind: audit|events")
	character := fs.String("character", "", "character_id filter")
	conflictsOnly := fs.Bool("conflicts", false, "audit only: entries with at least one conflict")
	_ = fs.Parse(args)

	n, err := dumpJournal(os.Stdout, filepath.Join(*dataDir, "journal"), *kind, *character, *conflictsOnly)
	if err != nil {
		fmt.Fprintln(os.Stderr, "journal:", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%d entries\n", n)
}

func dumpJournal(w io.Writer, dir, kind, character string, conflictsOnly bool) (int, error) {
	character = strings.TrimSpace(character)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	n := 0
	switch kind {
	case "audit":
		return n, persistlog.ReadAudits(dir, func(e gateway.AuditEntry) error {
			if character != "" && e.CharacterID != character {
				return nil
			}
			if conflictsOnly && len(e.Conflicts) == 0 {
				return nil
			}
			n++
			return enc.Encode(e)
		})
	case "events":
		return n, persistlog.ReadEvents(dir, func(e persistlog.EventEntry) error {
			if character != "" && e.CharacterID != character {
				return nil
			}
			n++
			return enc.Encode(e)
		})
	default:
		return 0, fmt.Errorf("unknown kind %q (want audit|events)", kind)
	}
}

func mustLoadSnapshot(dataDir, path string) snapshot.SnapshotV1 {
	p := strings.TrimSpace(path)
	if p == "" {
		p = snapshot.Latest(filepath.Join(dataDir, "snapshots"))
	}
	if p == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run the server until it writes one")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(p)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	return snap
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
