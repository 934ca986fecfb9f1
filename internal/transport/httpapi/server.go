// Package httpapi serves the JSON sync and session endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/broadcast"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/charstate"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/gateway"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/protocol"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/session"
)

// EventsWSPath is where the websocket event stream is mounted.
const EventsWSPath = "/v1/events/ws"

const maxBodyBytes = 1 << 20

type Server struct {
	gw      *gateway.Gateway
	schemas *protocol.Schemas
	log     *log.Logger

	// publicWSBase is "ws(s)://host[:port]"; empty derives it per request.
	publicWSBase string
}

func NewServer(gw *gateway.Gateway, schemas *protocol.Schemas, logger *log.Logger, publicWSBase string) *Server {
	if schemas == nil {
		schemas = protocol.MustLoadSchemas()
	}
	return &Server{
		gw:           gw,
		schemas:      schemas,
		log:          logger,
		publicWSBase: strings.TrimRight(publicWSBase, "/"),
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("POST /sessions/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /sessions/reconnect", s.handleReconnect)
	mux.HandleFunc("POST /sessions/close", s.handleClose)
	mux.HandleFunc("GET /sessions/active", s.handleActive)
	mux.HandleFunc("POST /events/subscribe", s.handleSubscribe)
	mux.HandleFunc("DELETE /events/subscriptions/{id}", s.handleUnsubscribe)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) handleSync(rw http.ResponseWriter, r *http.Request) {
	var req protocol.SyncRequest
	if !s.decode(rw, r, protocol.SchemaSyncRequest, &req) {
		return
	}
	res, err := s.gw.Sync(r.Context(), gateway.SyncRequest{
		CharacterID:   req.CharacterID,
		SessionID:     req.SessionID,
		ClientVersion: req.ClientVersion,
		State:         req.ClientState,
	})
	if err != nil {
		s.writeError(rw, err)
		return
	}
	out := protocol.StateUpdateResult{
		Success:    res.Success,
		NewVersion: res.NewVersion,
		Conflicts:  make([]protocol.ConflictInfo, 0, len(res.Conflicts)),
	}
	for _, c := range res.Conflicts {
		out.Conflicts = append(out.Conflicts, protocol.ConflictInfo{
			Field:           c.Field,
			ExpectedVersion: c.ExpectedVersion,
			ActualVersion:   c.ActualVersion,
		})
	}
	writeJSON(rw, http.StatusOK, out)
}

func (s *Server) handleHeartbeat(rw http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if !s.decode(rw, r, protocol.SchemaHeartbeatRequest, &req) {
		return
	}
	var presence *session.Presence
	if req.Location != "" || req.PartyID != "" || req.Activity != "" {
		presence = &session.Presence{Location: req.Location, PartyID: req.PartyID, Activity: req.Activity}
	}
	res, err := s.gw.Heartbeat(r.Context(), req.SessionID, presence)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, protocol.HeartbeatResponse{
		SessionID:     res.SessionID,
		LastHeartbeat: res.LastHeartbeat,
		ServerTime:    res.ServerTime,
	})
}

func (s *Server) handleReconnect(rw http.ResponseWriter, r *http.Request) {
	var req protocol.ReconnectRequest
	if !s.decode(rw, r, protocol.SchemaReconnectRequest, &req) {
		return
	}
	res, err := s.gw.Reconnect(r.Context(), req.AccountID, req.CharacterID, req.PreviousSessionID)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	p := res.Session.Presence
	writeJSON(rw, http.StatusOK, protocol.ReconnectResponse{
		SessionID:   res.Session.ID,
		Reconnected: res.Reconnected,
		SessionState: protocol.SessionState{
			Location: p.Location,
			PartyID:  p.PartyID,
			Activity: p.Activity,
		},
	})
}

func (s *Server) handleClose(rw http.ResponseWriter, r *http.Request) {
	var req protocol.CloseSessionRequest
	if !s.decode(rw, r, protocol.SchemaCloseRequest, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = session.ReasonClient
	}
	res, err := s.gw.CloseSession(r.Context(), req.SessionID, reason)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, protocol.CloseSessionResponse{
		SessionID: res.SessionID,
		ClosedAt:  res.ClosedAt,
		Duration:  int64(res.Duration / time.Second),
	})
}

func (s *Server) handleActive(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessions := s.gw.ActiveSessions(session.Filter{
		AccountID:   strings.TrimSpace(q.Get("account_id")),
		CharacterID: strings.TrimSpace(q.Get("character_id")),
	})
	out := protocol.ActiveSessionsResponse{Sessions: make([]protocol.SessionInfo, 0, len(sessions))}
	for _, ss := range sessions {
		out.Sessions = append(out.Sessions, protocol.SessionInfo{
			SessionID:     ss.ID,
			AccountID:     ss.AccountID,
			CharacterID:   ss.CharacterID,
			State:         ss.State.String(),
			CreatedAt:     ss.CreatedAt,
			LastHeartbeat: ss.LastHeartbeatAt,
			Location:      ss.Presence.Location,
			PartyID:       ss.Presence.PartyID,
			Activity:      ss.Presence.Activity,
		})
	}
	writeJSON(rw, http.StatusOK, out)
}

func (s *Server) handleSubscribe(rw http.ResponseWriter, r *http.Request) {
	var req protocol.SubscribeRequest
	if !s.decode(rw, r, protocol.SchemaSubscribeRequest, &req) {
		return
	}
	sub, err := s.gw.Subscribe(r.Context(), broadcast.Scope{
		CharacterID: req.CharacterID,
		AccountID:   req.AccountID,
	}, req.SessionID)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, protocol.SubscribeResponse{
		SubscriptionID: sub.ID,
		WebsocketURL:   s.websocketURL(r, sub.ID),
	})
}

func (s *Server) handleUnsubscribe(rw http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSON(rw, http.StatusBadRequest, protocol.ErrorResponse{Code: protocol.ErrBadRequest, Message: "subscription id is required"})
		return
	}
	// Unknown ids are already gone, so a retried delete succeeds too.
	s.gw.Unsubscribe(id)
	rw.WriteHeader(http.StatusNoContent)
}

func (s *Server) websocketURL(r *http.Request, subscriptionID string) string {
	base := s.publicWSBase
	if base == "" {
		scheme := "ws"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "wss"
		}
		host := r.Host
		if fh := r.Header.Get("X-Forwarded-Host"); fh != "" {
			host = fh
		}
		base = scheme + "://" + host
	}
	return base + EventsWSPath + "?subscription_id=" + url.QueryEscape(subscriptionID)
}

// decode validates the body against the named schema before unmarshalling.
func (s *Server) decode(rw http.ResponseWriter, r *http.Request, schema string, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.ErrorResponse{Code: protocol.ErrBadRequest, Message: "read body: " + err.Error()})
		return false
	}
	if err := s.schemas.Validate(schema, body); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.ErrorResponse{Code: protocol.ErrBadRequest, Message: err.Error()})
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.ErrorResponse{Code: protocol.ErrBadRequest, Message: err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(rw http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= 500 && s.log != nil {
		s.log.Printf("http error status=%d code=%s err=%v", status, code, err)
	}
	writeJSON(rw, status, protocol.ErrorResponse{Code: code, Message: err.Error()})
}

// classify maps domain errors onto HTTP status and protocol error codes.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrBadRequest), errors.Is(err, session.ErrInvalidIdentity):
		return http.StatusBadRequest, protocol.ErrBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, protocol.ErrSessionNotFound
	case errors.Is(err, charstate.ErrNotFound):
		return http.StatusNotFound, protocol.ErrNotFound
	case errors.Is(err, session.ErrSessionNotActive):
		return http.StatusConflict, protocol.ErrSessionNotActive
	case errors.Is(err, session.ErrSessionMismatch):
		return http.StatusConflict, protocol.ErrSessionMismatch
	case errors.Is(err, charstate.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, protocol.ErrStoreUnavailable
	default:
		return http.StatusInternalServerError, protocol.ErrInternal
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
