package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/protocol"
)

// apiError is a non-2xx reply from the sync service.
type apiError struct {
	Status int
	protocol.ErrorResponse
}

func (e *apiError) Error() string {
	return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
}

// client speaks the JSON endpoints for one account and character.
type client struct {
	base string
	http *http.Client

	AccountID   string
	CharacterID string
	SessionID   string
	Version     uint64
}

func newClient(base, accountID, characterID string) *client {
	return &client{
		base:        strings.TrimRight(strings.TrimSpace(base), "/"),
		http:        &http.Client{Timeout: 10 * time.Second},
		AccountID:   accountID,
		CharacterID: characterID,
	}
}

func (c *client) post(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		e := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, &e.ErrorResponse)
		return e
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// Reconnect resumes the previous session when possible.
func (c *client) Reconnect(ctx context.Context) (protocol.ReconnectResponse, error) {
	var out protocol.ReconnectResponse
	err := c.post(ctx, "/sessions/reconnect", protocol.ReconnectRequest{
		AccountID:         c.AccountID,
		CharacterID:       c.CharacterID,
		PreviousSessionID: c.SessionID,
	}, &out)
	if err == nil {
		c.SessionID = out.SessionID
	}
	return out, err
}

func (c *client) Heartbeat(ctx context.Context, location, activity string) (protocol.HeartbeatResponse, error) {
	var out protocol.HeartbeatResponse
	err := c.post(ctx, "/sessions/heartbeat", protocol.HeartbeatRequest{
		SessionID: c.SessionID,
		Location:  location,
		Activity:  activity,
	}, &out)
	return out, err
}

// Sync pushes state at the client's current version and adopts the version
// the server returns, conflicts included.
func (c *client) Sync(ctx context.Context, state map[string]json.RawMessage) (protocol.StateUpdateResult, error) {
	var out protocol.StateUpdateResult
	err := c.post(ctx, "/sync", protocol.SyncRequest{
		CharacterID:   c.CharacterID,
		ClientVersion: c.Version,
		ClientState:   state,
		SessionID:     c.SessionID,
	}, &out)
	if err == nil && out.NewVersion > c.Version {
		c.Version = out.NewVersion
	}
	return out, err
}

func (c *client) Subscribe(ctx context.Context) (protocol.SubscribeResponse, error) {
	var out protocol.SubscribeResponse
	err := c.post(ctx, "/events/subscribe", protocol.SubscribeRequest{
		CharacterID: c.CharacterID,
		SessionID:   c.SessionID,
	}, &out)
	return out, err
}

func (c *client) Unsubscribe(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/events/subscriptions/"+id, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *client) Close(ctx context.Context, reason string) (protocol.CloseSessionResponse, error) {
	var out protocol.CloseSessionResponse
	err := c.post(ctx, "/sessions/close", protocol.CloseSessionRequest{SessionID: c.SessionID, Reason: reason}, &out)
	return out, err
}
