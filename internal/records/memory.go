package records

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/you/surplus-alerts/internal/model"
)

// Seed is the JSON fixture layout accepted by LoadSeedFile.
type Seed struct {
	Stores []model.Store `json:"stores"`
	Users  []model.User  `json:"users"`
}

// MemoryStore holds records in process memory, for local runs and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	stores        map[string]model.Store
	users         map[string]model.User
	notifications []model.Notification
	notified      map[string]struct{} // notification ids
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stores:   make(map[string]model.Store),
		users:    make(map[string]model.User),
		notified: make(map[string]struct{}),
	}
}

// LoadSeedFile builds a MemoryStore from a JSON fixture.
func LoadSeedFile(path string) (*MemoryStore, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(b, &seed); err != nil {
		return nil, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	m := NewMemoryStore()
	for _, s := range seed.Stores {
		m.PutStore(s)
	}
	for _, u := range seed.Users {
		m.PutUser(u)
	}
	return m, nil
}

// PutStore inserts or replaces a store.
func (m *MemoryStore) PutStore(s model.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[s.ID] = s
}

// PutUser inserts or replaces a user.
func (m *MemoryStore) PutUser(u model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *MemoryStore) GetStore(_ context.Context, id string) (model.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[id]
	if !ok {
		return model.Store{}, fmt.Errorf("%w: %s", ErrStoreNotFound, id)
	}
	return s, nil
}

func (m *MemoryStore) EligibleUsers(_ context.Context) ([]model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.User, 0, len(m.users))
	for _, u := range m.users {
		if u.Eligible() {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b model.User) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *MemoryStore) InsertNotification(_ context.Context, n model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notified[n.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNotification, n.ID)
	}
	m.notified[n.ID] = struct{}{}
	m.notifications = append(m.notifications, n)
	return nil
}

// Notifications returns a copy of every record inserted so far.
func (m *MemoryStore) Notifications() []model.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.notifications)
}
