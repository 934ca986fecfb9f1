package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/protocol"
)

var locations = []string{"town", "forest", "dungeon-1", "harbor"}

func main() {
	var (
		baseURL   = flag.String("url", "http://localhost:8080", "sync service base url")
		account   = flag.String("account", "bot-account", "account id")
		character = flag.String("character", "bot-character", "character id")
		every     = flag.Duration("sync_every", 3*time.Second, "sync interval")
		heartbeat = flag.Duration("heartbeat_every", 10*time.Second, "heartbeat interval")
		duration  = flag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	c := newClient(*baseURL, *account, *character)
	if err := run(ctx, c, *every, *heartbeat, logger); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Fatalf("%v", err)
	}
}

func run(ctx context.Context, c *client, syncEvery, heartbeatEvery time.Duration, logger *log.Logger) error {
	res, err := backoff.Retry(ctx, func() (protocol.ReconnectResponse, error) {
		return c.Reconnect(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(8))
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	logger.Printf("session=%s reconnected=%v location=%q", res.SessionID, res.Reconnected, res.SessionState.Location)

	sub, err := c.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, sub.WebsocketURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", sub.WebsocketURL, err)
	}
	defer conn.Close()

	versions := make(chan uint64, 16)
	go readEvents(conn, c.CharacterID, versions, logger)

	syncT := time.NewTicker(syncEvery)
	defer syncT.Stop()
	hbT := time.NewTicker(heartbeatEvery)
	defer hbT.Stop()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-ctx.Done():
			shutdown(c, sub.SubscriptionID, logger)
			return ctx.Err()

		case v, ok := <-versions:
			if !ok {
				return errors.New("event stream closed")
			}
			if v > c.Version {
				c.Version = v
			}

		case <-hbT.C:
			loc := locations[r.Intn(len(locations))]
			if _, err := c.Heartbeat(ctx, loc, "exploring"); err != nil {
				logger.Printf("heartbeat: %v", err)
			}

		case <-syncT.C:
			state := map[string]json.RawMessage{
				"hp":   json.RawMessage(fmt.Sprint(50 + r.Intn(50))),
				"gold": json.RawMessage(fmt.Sprint(r.Intn(1000))),
			}
			out, err := c.Sync(ctx, state)
			if err != nil {
				logger.Printf("sync: %v", err)
				continue
			}
			logger.Printf("sync version=%d conflicts=%d", out.NewVersion, len(out.Conflicts))
		}
	}
}

// readEvents logs the stream and forwards committed versions of our own
// character so the next sync starts from the latest state.
func readEvents(conn *websocket.Conn, characterID string, versions chan<- uint64, logger *log.Logger) {
	defer close(versions)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err == nil {
				logger.Printf("WELCOME subscription=%s session=%s", w.SubscriptionID, w.SessionID)
			}
		case protocol.TypeEvent:
			var e protocol.EventMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			if e.Degraded {
				logger.Printf("EVENT stream degraded; events were dropped")
			}
			if e.Kind == protocol.EventStateChanged && e.CharacterID == characterID {
				select {
				case versions <- e.NewVersion:
				default:
				}
			}
		}
	}
}

func shutdown(c *client, subscriptionID string, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Unsubscribe(ctx, subscriptionID); err != nil {
		logger.Printf("unsubscribe: %v", err)
	}
	out, err := c.Close(ctx, "bot_shutdown")
	if err != nil {
		logger.Printf("close: %v", err)
		return
	}
	logger.Printf("closed session=%s after %ds", out.SessionID, out.Duration)
}
