package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/broadcast"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/charstate"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/config"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/gateway"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/indexdb"
	persistlog "github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/log"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/offsite"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/snapshot"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/persistence/statedb"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/protocol"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/session"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/telemetry"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/transport/httpapi"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		configPath = flag.String("config", "./configs/statesync.yaml", "config file (empty for defaults + env)")
		storeKind  = flag.String("store", "memory", "character store backend: memory|sqlite")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite audit/event index")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfgPath := strings.TrimSpace(*configPath)
	if cfgPath != "" {
		if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
			logger.Printf("config not found (%s); using defaults", cfgPath)
			cfgPath = ""
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, "statesync")
	if err != nil {
		logger.Printf("tracing disabled: %v", err)
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = shutdownTracing(ctx2)
	}()

	var backend charstate.Backend
	switch strings.ToLower(strings.TrimSpace(*storeKind)) {
	case "", "memory":
	case "sqlite":
		st, err := statedb.Open(filepath.Join(*dataDir, "state", "characters.sqlite"))
		if err != nil {
			logger.Fatalf("open state db: %v", err)
		}
		defer st.Close()
		backend = st
	default:
		logger.Fatalf("unsupported -store: %s", *storeKind)
	}

	rt := &runtime{
		dataDir: *dataDir,
		logger:  logger,
		started: time.Now(),
		syncLog: persistlog.NewSyncJournal(*dataDir, cfg.IndexQueueDepth),
		events:  persistlog.NewEventJournal(*dataDir),
	}
	if !*disableDB {
		idx, err := indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "statesync.sqlite"), cfg.IndexQueueDepth)
		if err != nil {
			logger.Fatalf("open index db: %v", err)
		}
		rt.idx = idx
	}
	if o := cfg.Offsite; o.Enabled() {
		client, err := offsite.NewClient(offsite.ClientConfig{
			Endpoint:        o.Endpoint,
			Bucket:          o.Bucket,
			Region:          o.Region,
			AccessKeyID:     o.AccessKeyID,
			SecretAccessKey: o.SecretAccessKey,
		})
		if err != nil {
			logger.Fatalf("offsite: %v", err)
		}
		rt.offsite = offsite.NewMirror(client, offsite.MirrorConfig{
			DataDir: *dataDir,
			Prefix:  o.Prefix,
			Workers: 2,
		}, log.New(os.Stdout, "[offsite] ", log.LstdFlags|log.Lmicroseconds))
		rt.mirrorJournals()
		logger.Printf("offsite mirror enabled endpoint=%s bucket=%s prefix=%q", o.Endpoint, o.Bucket, o.Prefix)
	}
	defer rt.close()

	audit := []gateway.AuditLogger{rt.syncLog}
	if rt.idx != nil {
		audit = append(audit, rt.idx)
	}
	rt.gw = gateway.New(gateway.Options{
		Store:    charstate.NewStore(backend),
		Sessions: session.NewRegistry(cfg.Session()),
		Events:   broadcast.New(cfg.SubscriberQueueDepth, logger),
		Audit:    gateway.MultiAudit(audit...),
		Logger:   logger,
		Config:   cfg.Gateway(),
	})

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = snapshot.Latest(rt.snapshotDir())
	}
	if snapshotToLoad != "" {
		if err := rt.restore(snapshotToLoad, backend == nil); err != nil {
			logger.Fatalf("load snapshot: %v", err)
		}
	}

	firehose, err := openFirehose(rt.gw.Events(), cfg.JournalQueueDepth)
	if err != nil {
		logger.Fatalf("event firehose: %v", err)
	}
	rt.firehose = firehose

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /metrics", rt.handleMetrics)
	httpapi.NewServer(rt.gw, protocol.MustLoadSchemas(), logger, cfg.PublicWSBase).Register(mux)
	mux.HandleFunc(httpapi.EventsWSPath, ws.NewServer(rt.gw.Events(), logger).Handler())

	if envBool("STATESYNC_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		rt.registerAdmin(mux)
	} else {
		logger.Printf("admin endpoints disabled (STATESYNC_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("STATESYNC_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.gw.Run(gctx) })
	g.Go(func() error { return rt.pumpEvents(gctx, firehose) })
	g.Go(func() error { return rt.snapshotLoop(gctx, cfg.SnapshotEvery) })
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	g.Go(func() error {
		logger.Printf("listening on %s store=%s index=%v", *addr, *storeKind, rt.idx != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Printf("server stopped: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
