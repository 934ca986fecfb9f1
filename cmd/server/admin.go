package main

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/broadcast"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/gateway"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/session"
)

type adminState struct {
	Uptime        string          `json:"uptime"`
	Characters    int             `json:"characters_cached"`
	Sessions      session.Stats   `json:"sessions"`
	Subscriptions broadcast.Stats `json:"subscriptions"`
	Gateway       gateway.Metrics `json:"gateway"`
	LastSeq       uint64          `json:"last_seq"`
	LastSnapshot  time.Time       `json:"last_snapshot,omitempty"`
}

// registerAdmin mounts local-only operator endpoints.
func (rt *runtime) registerAdmin(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/v1/state", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		writeAdminJSON(rw, http.StatusOK, adminState{
			Uptime:        time.Since(rt.started).Truncate(time.Second).String(),
			Characters:    rt.gw.Store().Len(),
			Sessions:      rt.gw.Sessions().Stats(),
			Subscriptions: rt.gw.Events().Stats(),
			Gateway:       rt.gw.Metrics(),
			LastSeq:       rt.gw.Events().LastSeq(),
			LastSnapshot:  rt.lastSnapshot().TakenAt,
		})
	}))
	mux.HandleFunc("POST /admin/v1/snapshot", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		path, h, err := rt.takeSnapshot()
		if err != nil {
			writeAdminJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeAdminJSON(rw, http.StatusOK, map[string]any{
			"ok":         true,
			"path":       path,
			"characters": h.Characters,
			"sessions":   h.Sessions,
			"last_seq":   h.LastSeq,
		})
	}))
	mux.HandleFunc("GET /admin/v1/characters", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.URL.Query().Get("id"))
		if id == "" {
			writeAdminJSON(rw, http.StatusBadRequest, map[string]any{"error": "missing id"})
			return
		}
		st, ok, err := rt.gw.Store().Get(r.Context(), id)
		if err != nil {
			writeAdminJSON(rw, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
			return
		}
		if !ok {
			writeAdminJSON(rw, http.StatusNotFound, map[string]any{"error": "character not found"})
			return
		}
		writeAdminJSON(rw, http.StatusOK, map[string]any{
			"character_id":     st.CharacterID,
			"document_version": st.DocumentVersion,
			"field_versions":   st.FieldVersions,
			"fields":           st.Fields,
			"updated_at":       st.UpdatedAt,
			"owner_account_id": rt.gw.Sessions().OwnerOf(id),
		})
	}))
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeAdminJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
