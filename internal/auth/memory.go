package auth

import (
	"context"
	"sort"
	"sync"

	"github.com/sawpanic/xgateway/internal/apperr"
)

// MemoryStore is an in-process Store, used in tests and single-instance
// deployments with Postgres disabled (config.Postgres.Enabled).
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]User
	tokens   map[string]Token
	revoked  map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]User),
		tokens:  make(map[string]Token),
		revoked: make(map[string]bool),
	}
}

func (m *MemoryStore) CreateUser(ctx context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.Username]; exists {
		return apperr.ErrUsernameTaken
	}
	m.users[u.Username] = u
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, username string) (User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	return u, ok, nil
}

func (m *MemoryStore) ListUsers(ctx context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (m *MemoryStore) DeleteUser(ctx context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, username)
	return nil
}

func (m *MemoryStore) PutToken(ctx context.Context, t Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.ID] = t
	return nil
}

func (m *MemoryStore) GetToken(ctx context.Context, id string) (Token, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[id]
	return t, ok, nil
}

func (m *MemoryStore) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[id] = true
	return nil
}

func (m *MemoryStore) IsRevoked(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revoked[id], nil
}
