package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/broadcast"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/protocol"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Server streams a subscription's events over one websocket.
type Server struct {
	events *broadcast.Broadcaster
	log    *log.Logger

	upgrader websocket.Upgrader

	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewServer(events *broadcast.Broadcaster, logger *log.Logger) *Server {
	return &Server{
		events: events,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.URL.Query().Get("subscription_id"))
		sub, ok := s.events.Get(id)
		if id == "" || !ok {
			writeHTTPError(rw, http.StatusNotFound, protocol.ErrNotFound, "subscription not found")
			return
		}
		if err := sub.Attach(); err != nil {
			status := http.StatusConflict
			if errors.Is(err, broadcast.ErrClosed) {
				status = http.StatusNotFound
			}
			writeHTTPError(rw, status, protocol.ErrBadRequest, err.Error())
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			sub.Detach()
			return
		}
		defer conn.Close()
		defer s.release(sub)

		if err := writeJSON(conn, protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			SubscriptionID:  sub.ID,
			SessionID:       sub.SessionID(),
			CharacterID:     sub.Scope.CharacterID,
			AccountID:       sub.Scope.AccountID,
		}); err != nil {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		c := &client{conn: conn}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			defer cancel()
			c.writeEvents(ctx, sub)
			// Unblock the reader.
			_ = conn.Close()
		}()
		go func() {
			defer wg.Done()
			c.pingLoop(ctx, s.pingPeriod)
		}()

		// Reader loop.
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.pongWait))
		})
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypePing {
				continue
			}
			if err := c.writeJSON(protocol.BaseMessage{Type: protocol.TypePong, ProtocolVersion: protocol.Version}); err != nil {
				break
			}
		}
		cancel()
		wg.Wait()
	}
}

// client serializes data frame writes on one connection.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeJSON(c.conn, v)
}

// writeEvents drains the subscription until ctx ends or the subscription
// closes.
func (c *client) writeEvents(ctx context.Context, sub *broadcast.Subscription) {
	for {
		evs, err := sub.Next(ctx)
		if errors.Is(err, broadcast.ErrClosed) {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "subscription closed"),
				time.Now().Add(time.Second))
			return
		}
		if err != nil {
			return
		}
		degraded := sub.Degraded()
		for _, e := range evs {
			if err := c.writeJSON(eventMsg(e, degraded)); err != nil {
				return
			}
		}
	}
}

func (c *client) pingLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// release detaches a session-bound subscription so it survives a dropped
// socket; session-less subscriptions end with their connection.
func (s *Server) release(sub *broadcast.Subscription) {
	if sub.SessionID() == "" {
		s.events.Unsubscribe(sub.ID)
		return
	}
	sub.Detach()
}

func eventMsg(e broadcast.Event, degraded bool) protocol.EventMsg {
	return protocol.EventMsg{
		Type:            protocol.TypeEvent,
		ProtocolVersion: protocol.Version,
		Seq:             e.Seq,
		Kind:            string(e.Kind),
		CharacterID:     e.CharacterID,
		AccountID:       e.AccountID,
		SessionID:       e.SessionID,
		NewVersion:      e.NewVersion,
		Fields:          e.Fields,
		Reason:          e.Reason,
		At:              e.At,
		Degraded:        degraded,
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func writeHTTPError(rw http.ResponseWriter, status int, code, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(protocol.ErrorResponse{Code: code, Message: msg})
}
