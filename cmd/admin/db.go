package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index/statesync.sqlite)")
	character := fs.String("character", "", "character_id filter (audits, events)")
	afterSeq := fs.Uint64("after_seq", 0, "events: only seq greater than this")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "statesync.sqlite")
	}
	idx, err := indexdb.OpenReadOnly(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch q {
	case "snapshots":
		rows, err := idx.Snapshots(ctx)
		exitOn("query", err)
		for _, r := range rows {
			printJSON(r)
		}

	case "audits":
		rows, err := idx.RecentAudits(ctx, strings.TrimSpace(*character), *limit)
		exitOn("query", err)
		for _, r := range rows {
			printJSON(r)
		}

	case "hotspots":
		rows, err := idx.ConflictHotspots(ctx, *limit)
		exitOn("query", err)
		for _, r := range rows {
			printJSON(r)
		}

	case "events":
		rows, err := idx.EventsAfter(ctx, strings.TrimSpace(*character), *afterSeq, *limit)
		exitOn("query", err)
		for _, r := range rows {
			printJSON(r)
		}

	case "sql":
		stmt := strings.TrimSpace(strings.Join(fs.Args()[1:], " "))
		if stmt == "" {
			fmt.Fprintln(os.Stderr, "usage: admin db sql 'SELECT ...'")
			os.Exit(2)
		}
		cols, rows, err := idx.QueryRaw(ctx, stmt)
		exitOn("query", err)
		for _, r := range rows {
			m := make(map[string]string, len(cols))
			for i, c := range cols {
				m[c] = r[i]
			}
			printJSON(m)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] [-character ID] [-limit N] snapshots|audits|hotspots|events|sql")
		os.Exit(2)
	}
}

func exitOn(what string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
		os.Exit(1)
	}
}
