package charstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const shardCount = 64

type shard struct {
	mu   sync.RWMutex
	docs map[string]*CharacterState
}

// Store holds the authoritative character documents in memory, backed by an
// optional Backend. Readers only ever see fully committed documents.
type Store struct {
	backend Backend
	now     func() time.Time
	shards  [shardCount]shard
}

func NewStore(backend Backend) *Store {
	s := &Store{backend: backend, now: time.Now}
	for i := range s.shards {
		s.shards[i].docs = map[string]*CharacterState{}
	}
	return s
}

// SetClock overrides the time source used for UpdatedAt.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.shards[h.Sum32()%shardCount]
}

// Get returns a point-in-time copy of the character document.
func (s *Store) Get(ctx context.Context, characterID string) (CharacterState, bool, error) {
	sh := s.shardFor(characterID)
	sh.mu.RLock()
	doc := sh.docs[characterID]
	if doc != nil {
		out := doc.Clone()
		sh.mu.RUnlock()
		return out, true, nil
	}
	sh.mu.RUnlock()

	if s.backend == nil {
		return CharacterState{}, false, nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	doc, err := s.loadLocked(ctx, sh, characterID)
	if err != nil {
		return CharacterState{}, false, err
	}
	if doc == nil {
		return CharacterState{}, false, nil
	}
	return doc.Clone(), true, nil
}

// loadLocked fills the cache from the backend. sh.mu must be held for writing.
func (s *Store) loadLocked(ctx context.Context, sh *shard, characterID string) (*CharacterState, error) {
	if doc := sh.docs[characterID]; doc != nil {
		return doc, nil
	}
	if s.backend == nil {
		return nil, nil
	}
	st, ok, err := s.backend.Load(ctx, characterID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", characterID, err)
	}
	if !ok {
		return nil, nil
	}
	if st.Fields == nil {
		st.Fields = map[string]json.RawMessage{}
	}
	if st.FieldVersions == nil {
		st.FieldVersions = map[string]uint64{}
	}
	sh.docs[characterID] = &st
	return &st, nil
}

// Init creates the document for a brand-new character, seeding every field
// at version 1.
func (s *Store) Init(ctx context.Context, characterID string, fields map[string]json.RawMessage) (uint64, error) {
	if characterID == "" {
		return 0, fmt.Errorf("init: empty character id")
	}
	sh := s.shardFor(characterID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing, err := s.loadLocked(ctx, sh, characterID)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, fmt.Errorf("init %s: %w", characterID, ErrAlreadyExists)
	}

	st := CharacterState{
		CharacterID:   characterID,
		Fields:        make(map[string]json.RawMessage, len(fields)),
		FieldVersions: make(map[string]uint64, len(fields)),
		UpdatedAt:     s.now().UTC(),
	}
	for k, v := range fields {
		st.Fields[k] = cloneRaw(v)
		st.FieldVersions[k] = 1
	}
	if len(fields) > 0 {
		st.DocumentVersion = 1
	}
	if s.backend != nil {
		if err := s.backend.Create(ctx, st); err != nil {
			return 0, fmt.Errorf("init %s: %w", characterID, err)
		}
	}
	sh.docs[characterID] = &st
	return st.DocumentVersion, nil
}

// Commit applies the touched fields of merged atomically. Each touched field
// takes the new document version as its field version.
func (s *Store) Commit(ctx context.Context, characterID string, merged map[string]json.RawMessage, touched []string) (uint64, error) {
	sh := s.shardFor(characterID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, err := s.loadLocked(ctx, sh, characterID)
	if err != nil {
		return 0, err
	}
	if cur == nil {
		return 0, fmt.Errorf("commit %s: %w", characterID, ErrNotFound)
	}
	if len(touched) == 0 {
		return cur.DocumentVersion, nil
	}
	for _, f := range touched {
		if _, ok := merged[f]; !ok {
			return 0, fmt.Errorf("commit %s: touched field %q missing from merged state", characterID, f)
		}
	}

	next := cur.Clone()
	next.DocumentVersion = cur.DocumentVersion + 1
	next.UpdatedAt = s.now().UTC()
	for _, f := range touched {
		next.Fields[f] = cloneRaw(merged[f])
		next.FieldVersions[f] = next.DocumentVersion
	}
	if s.backend != nil {
		if err := s.backend.Save(ctx, next, touched); err != nil {
			if !errors.Is(err, ErrStoreUnavailable) {
				// The backend refused this version; reload it on the next Get.
				delete(sh.docs, characterID)
			}
			return 0, fmt.Errorf("commit %s: %w", characterID, err)
		}
	}
	sh.docs[characterID] = &next
	return next.DocumentVersion, nil
}

// Len reports the number of cached documents.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.docs)
		sh.mu.RUnlock()
	}
	return n
}

// Export copies every cached document, sorted by id.
func (s *Store) Export() []CharacterState {
	var out []CharacterState
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, doc := range sh.docs {
			out = append(out, doc.Clone())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CharacterID < out[j].CharacterID })
	return out
}

// Import replaces cached documents with the given ones (snapshot resume).
// It does not write through to the backend.
func (s *Store) Import(states []CharacterState) {
	for _, st := range states {
		if st.CharacterID == "" {
			continue
		}
		c := st.Clone()
		sh := s.shardFor(c.CharacterID)
		sh.mu.Lock()
		sh.docs[c.CharacterID] = &c
		sh.mu.Unlock()
	}
}
