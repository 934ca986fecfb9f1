package charstate

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

var (
	ErrNotFound         = errors.New("character state not found")
	ErrAlreadyExists    = errors.New("character state already exists")
	ErrStoreUnavailable = errors.New("state store unavailable")
)

// CharacterState is the authoritative document for one character.
// DocumentVersion equals the largest entry of FieldVersions once committed.
type CharacterState struct {
	CharacterID     string                     `json:"character_id"`
	Fields          map[string]json.RawMessage `json:"fields"`
	FieldVersions   map[string]uint64          `json:"field_versions"`
	DocumentVersion uint64                     `json:"document_version"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// Clone returns a deep copy; callers may mutate it freely.
func (s CharacterState) Clone() CharacterState {
	out := CharacterState{
		CharacterID:     s.CharacterID,
		Fields:          make(map[string]json.RawMessage, len(s.Fields)),
		FieldVersions:   make(map[string]uint64, len(s.FieldVersions)),
		DocumentVersion: s.DocumentVersion,
		UpdatedAt:       s.UpdatedAt,
	}
	for k, v := range s.Fields {
		out.Fields[k] = cloneRaw(v)
	}
	for k, v := range s.FieldVersions {
		out.FieldVersions[k] = v
	}
	return out
}

// FieldNames returns the field keys in sorted order.
func (s CharacterState) FieldNames() []string {
	if len(s.Fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Backend is the pluggable keyed persistence behind Store. Implementations
// report transient failures wrapped in ErrStoreUnavailable.
type Backend interface {
	Load(ctx context.Context, characterID string) (CharacterState, bool, error)
	Create(ctx context.Context, st CharacterState) error
	Save(ctx context.Context, st CharacterState, touched []string) error
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}
