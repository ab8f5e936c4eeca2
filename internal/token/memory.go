package token

import (
	"context"
	"sync"
	"time"

	"examhub/internal/model"
)

// MemoryStore keeps tokens in process. Every operation holds one mutex, so
// Decrement is a compare-and-decrement.
type MemoryStore struct {
	mu      sync.Mutex
	byToken map[string]*model.DownloadToken
	byItem  map[string]*model.DownloadToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byToken: make(map[string]*model.DownloadToken),
		byItem:  make(map[string]*model.DownloadToken),
	}
}

func (m *MemoryStore) Upsert(_ context.Context, t model.DownloadToken) (model.DownloadToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byItem[t.ItemID]; ok {
		cur.ExpiresAt = t.ExpiresAt
		cur.RemainingUses = t.RemainingUses
		return *cur, nil
	}
	stored := t
	m.byItem[t.ItemID] = &stored
	m.byToken[t.Token] = &stored
	return stored, nil
}

func (m *MemoryStore) Get(_ context.Context, token string) (model.DownloadToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byToken[token]
	if !ok {
		return model.DownloadToken{}, ErrNotFound
	}
	return *t, nil
}

func (m *MemoryStore) Decrement(_ context.Context, token string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byToken[token]
	if !ok || !t.ValidAt(now) {
		return false, nil
	}
	t.RemainingUses--
	return true, nil
}
