package admin

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ums-aaa/internal/models"
)

// Store persists admin accounts. Usernames are unique, case-insensitive.
type Store interface {
	SaveAdmin(ctx context.Context, a models.AdminAccount) (models.AdminAccount, error)
	Admin(ctx context.Context, id string) (*models.AdminAccount, error)
	AdminByUsername(ctx context.Context, username string) (*models.AdminAccount, error)
	ListAdmins(ctx context.Context) ([]models.AdminAccount, error)
	DeleteAdmin(ctx context.Context, id string) error
	TouchLogin(ctx context.Context, id string, at time.Time) error
}

// MemoryStore keeps admins in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	admins map[string]*models.AdminAccount
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{admins: make(map[string]*models.AdminAccount)}
}

func (m *MemoryStore) SaveAdmin(ctx context.Context, a models.AdminAccount) (models.AdminAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.admins {
		if id != a.ID && strings.EqualFold(other.Username, a.Username) {
			return models.AdminAccount{}, models.NewValidationError(models.CodeDuplicateName, "admin %q exists", a.Username)
		}
	}
	stored := a
	m.admins[a.ID] = &stored
	return stored, nil
}

func (m *MemoryStore) Admin(ctx context.Context, id string) (*models.AdminAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.admins[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) AdminByUsername(ctx context.Context, username string) (*models.AdminAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.admins {
		if strings.EqualFold(a.Username, username) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListAdmins(ctx context.Context) ([]models.AdminAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AdminAccount, 0, len(m.admins))
	for _, a := range m.admins {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *MemoryStore) DeleteAdmin(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.admins[id]; !ok {
		return models.NewNotFound("admin %s", id)
	}
	delete(m.admins, id)
	return nil
}

func (m *MemoryStore) TouchLogin(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.admins[id]
	if !ok {
		return models.NewNotFound("admin %s", id)
	}
	a.LastLogin = &at
	return nil
}
