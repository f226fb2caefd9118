package nas

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ums-aaa/internal/models"
)

// Store persists routers. Names and IP addresses are unique.
type Store interface {
	SaveRouter(ctx context.Context, r models.Router) (models.Router, error)
	Router(ctx context.Context, id string) (*models.Router, error)
	RouterByIP(ctx context.Context, ip string) (*models.Router, error)
	ListRouters(ctx context.Context) ([]models.Router, error)
	DeleteRouter(ctx context.Context, id string) error
	TouchRouter(ctx context.Context, id string, at time.Time) error
}

// MemoryStore keeps routers in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	routers map[string]*models.Router
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{routers: make(map[string]*models.Router)}
}

func (m *MemoryStore) SaveRouter(ctx context.Context, r models.Router) (models.Router, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, other := range m.routers {
		if id == r.ID {
			continue
		}
		if strings.EqualFold(other.Name, r.Name) {
			return models.Router{}, models.NewValidationError(models.CodeDuplicateName, "router %q exists", r.Name)
		}
		if other.IPAddress == r.IPAddress {
			return models.Router{}, models.NewValidationError(models.CodeDuplicateName, "router with address %s exists", r.IPAddress)
		}
	}
	stored := r
	m.routers[r.ID] = &stored
	return stored, nil
}

func (m *MemoryStore) Router(ctx context.Context, id string) (*models.Router, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routers[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) RouterByIP(ctx context.Context, ip string) (*models.Router, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.routers {
		if r.IPAddress == ip {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListRouters(ctx context.Context) ([]models.Router, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Router, 0, len(m.routers))
	for _, r := range m.routers {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteRouter(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routers[id]; !ok {
		return models.NewNotFound("router %s", id)
	}
	delete(m.routers, id)
	return nil
}

func (m *MemoryStore) TouchRouter(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routers[id]
	if !ok {
		return models.NewNotFound("router %s", id)
	}
	r.LastSeen = &at
	r.Status = models.RouterOnline
	return nil
}
