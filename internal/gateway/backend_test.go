package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/charstate"
)

// flakyBackend is an in-memory charstate.Backend that can fail saves on
// demand or pretend another writer initialized a character first.
type flakyBackend struct {
	mu         sync.Mutex
	docs       map[string]charstate.CharacterState
	saveFails  int
	raceCreate *charstate.CharacterState
}

func newFlakyBackend() *flakyBackend {
	return &flakyBackend{docs: map[string]charstate.CharacterState{}}
}

func (b *flakyBackend) failSaves(n int) {
	b.mu.Lock()
	b.saveFails = n
	b.mu.Unlock()
}

func (b *flakyBackend) Load(_ context.Context, id string) (charstate.CharacterState, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.docs[id]
	if !ok {
		return charstate.CharacterState{}, false, nil
	}
	return st.Clone(), true, nil
}

func (b *flakyBackend) Create(_ context.Context, st charstate.CharacterState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.raceCreate != nil && b.raceCreate.CharacterID == st.CharacterID {
		b.docs[st.CharacterID] = b.raceCreate.Clone()
		b.raceCreate = nil
	}
	if _, ok := b.docs[st.CharacterID]; ok {
		return charstate.ErrAlreadyExists
	}
	b.docs[st.CharacterID] = st.Clone()
	return nil
}

func (b *flakyBackend) Save(_ context.Context, st charstate.CharacterState, _ []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveFails > 0 {
		b.saveFails--
		return fmt.Errorf("disk full: %w", charstate.ErrStoreUnavailable)
	}
	b.docs[st.CharacterID] = st.Clone()
	return nil
}
