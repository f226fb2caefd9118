package policy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ums-aaa/internal/models"
)

// MemoryStore keeps policy in process memory. Used by tests and by the
// memory storage driver.
type MemoryStore struct {
	mu           sync.RWMutex
	macRules     map[string]*models.MacRule // id -> rule
	activeByMAC  map[string]string          // mac -> id
	profiles     map[string]*models.BandwidthProfile
	voucherTypes map[string]*models.VoucherType
	codes        map[string]*models.AccessCode
	groups       map[string]*models.UserGroup
	subscribers  map[string]*models.Subscriber
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		macRules:     make(map[string]*models.MacRule),
		activeByMAC:  make(map[string]string),
		profiles:     make(map[string]*models.BandwidthProfile),
		voucherTypes: make(map[string]*models.VoucherType),
		codes:        make(map[string]*models.AccessCode),
		groups:       make(map[string]*models.UserGroup),
		subscribers:  make(map[string]*models.Subscriber),
	}
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (m *MemoryStore) UpsertMacRule(ctx context.Context, rule models.MacRule) (models.MacRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if prev, ok := m.macRules[rule.ID]; ok && prev.MACAddress != rule.MACAddress {
		if m.activeByMAC[prev.MACAddress] == prev.ID {
			delete(m.activeByMAC, prev.MACAddress)
		}
	}
	if rule.Active {
		if id, ok := m.activeByMAC[rule.MACAddress]; ok && id != rule.ID {
			m.macRules[id].Active = false
		}
		m.activeByMAC[rule.MACAddress] = rule.ID
	} else if m.activeByMAC[rule.MACAddress] == rule.ID {
		delete(m.activeByMAC, rule.MACAddress)
	}

	stored := rule
	m.macRules[rule.ID] = &stored
	return stored, nil
}

func (m *MemoryStore) ActiveMacRule(ctx context.Context, mac string) (*models.MacRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.activeByMAC[mac]
	if !ok {
		return nil, nil
	}
	rule := *m.macRules[id]
	return &rule, nil
}

func (m *MemoryStore) ListMacRules(ctx context.Context, activeOnly bool) ([]models.MacRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make([]models.MacRule, 0, len(m.macRules))
	for _, r := range m.macRules {
		if activeOnly && !r.Active {
			continue
		}
		rules = append(rules, *r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].MACAddress < rules[j].MACAddress })
	return rules, nil
}

func (m *MemoryStore) DeleteMacRule(ctx context.Context, mac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	for id, r := range m.macRules {
		if r.MACAddress == mac {
			delete(m.macRules, id)
			found = true
		}
	}
	delete(m.activeByMAC, mac)
	if !found {
		return models.NewNotFound("mac rule %s", mac)
	}
	return nil
}

func (m *MemoryStore) SaveBandwidthProfile(ctx context.Context, p models.BandwidthProfile) (models.BandwidthProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.profiles {
		if key(other.Name) == key(p.Name) && other.ID != p.ID {
			return models.BandwidthProfile{}, models.NewConflict(models.CodeDuplicateName, "bandwidth profile %q", p.Name)
		}
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	stored := p
	m.profiles[p.ID] = &stored
	return stored, nil
}

func (m *MemoryStore) BandwidthProfile(ctx context.Context, name string) (*models.BandwidthProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.profiles {
		if key(p.Name) == key(name) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListBandwidthProfiles(ctx context.Context, activeOnly bool) ([]models.BandwidthProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.BandwidthProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) SaveVoucherType(ctx context.Context, vt models.VoucherType) (models.VoucherType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.voucherTypes {
		if key(other.Name) == key(vt.Name) && other.ID != vt.ID {
			return models.VoucherType{}, models.NewConflict(models.CodeDuplicateName, "voucher type %q", vt.Name)
		}
	}
	if vt.ID == "" {
		vt.ID = uuid.New().String()
	}
	stored := vt
	m.voucherTypes[vt.ID] = &stored
	return stored, nil
}

func (m *MemoryStore) VoucherType(ctx context.Context, name string) (*models.VoucherType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, vt := range m.voucherTypes {
		if key(vt.Name) == key(name) {
			cp := *vt
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListVoucherTypes(ctx context.Context, activeOnly bool) ([]models.VoucherType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.VoucherType, 0, len(m.voucherTypes))
	for _, vt := range m.voucherTypes {
		if activeOnly && !vt.Active {
			continue
		}
		out = append(out, *vt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) InsertAccessCodes(ctx context.Context, codes []models.AccessCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(codes))
	for _, c := range codes {
		if _, exists := m.codes[c.Username]; exists || seen[c.Username] {
			return models.NewConflict(models.CodeDuplicateName, "access code %q", c.Username)
		}
		seen[c.Username] = true
	}
	for _, c := range codes {
		stored := c
		m.codes[c.Username] = &stored
	}
	return nil
}

func (m *MemoryStore) AccessCode(ctx context.Context, username string) (*models.AccessCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.codes[username]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListAccessCodes(ctx context.Context, status models.AccessCodeStatus) ([]models.AccessCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.AccessCode, 0, len(m.codes))
	for _, c := range m.codes {
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Username < out[j].Username
	})
	return out, nil
}

func (m *MemoryStore) MarkAccessCodeUsed(ctx context.Context, username, mac string, at time.Time) (*models.AccessCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[username]
	if !ok {
		return nil, models.NewNotFound("access code %s", username)
	}
	if c.Status == models.AccessCodeUsed {
		return nil, models.NewPolicyRejection(models.CodeVoucherUsed, "%s", username)
	}
	c.Status = models.AccessCodeUsed
	c.UsedAt = &at
	c.UsedByMAC = mac
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ResetAccessCode(ctx context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[username]
	if !ok {
		return models.NewNotFound("access code %s", username)
	}
	c.Status = models.AccessCodeUnused
	c.UsedAt = nil
	c.UsedByMAC = ""
	return nil
}

func (m *MemoryStore) ReleaseAccessCode(ctx context.Context, username, mac string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[username]
	if !ok || c.Status != models.AccessCodeUsed || c.UsedByMAC != mac {
		return false, nil
	}
	c.Status = models.AccessCodeUnused
	c.UsedAt = nil
	c.UsedByMAC = ""
	return true, nil
}

func (m *MemoryStore) SaveUserGroup(ctx context.Context, g models.UserGroup) (models.UserGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := g
	stored.Permissions = append([]string(nil), g.Permissions...)
	m.groups[key(g.Name)] = &stored
	return stored, nil
}

func (m *MemoryStore) UserGroup(ctx context.Context, name string) (*models.UserGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[key(name)]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) ListUserGroups(ctx context.Context, activeOnly bool) ([]models.UserGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.UserGroup, 0, len(m.groups))
	for _, g := range m.groups {
		if activeOnly && !g.Active {
			continue
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) SaveSubscriber(ctx context.Context, s models.Subscriber) (models.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := s
	m.subscribers[s.Username] = &stored
	return stored, nil
}

func (m *MemoryStore) Subscriber(ctx context.Context, username string) (*models.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subscribers[username]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Subscriber, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}
