package ledger

import (
	"context"
	"iter"
	"sync"

	"ums-aaa/internal/models"
)

// MemoryStore keeps the ledger in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	events  map[string][]models.SessionEvent
	records map[string]*models.SessionRecord
	order   []string // session ids by first event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:  make(map[string][]models.SessionEvent),
		records: make(map[string]*models.SessionRecord),
	}
}

func (m *MemoryStore) Append(ctx context.Context, ev models.SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[ev.SessionID]
	if exists {
		if rec.Closed() {
			return models.NewConflict(models.CodeSessionClosed, "session %s", ev.SessionID)
		}
		if ev.Seq <= rec.LastSeq {
			return models.NewConflict(models.CodeOutOfOrder, "session %s seq %d after %d", ev.SessionID, ev.Seq, rec.LastSeq)
		}
	} else {
		rec = &models.SessionRecord{}
		m.records[ev.SessionID] = rec
		m.order = append(m.order, ev.SessionID)
	}

	rec.Apply(ev)
	m.events[ev.SessionID] = append(m.events[ev.SessionID], ev)
	return nil
}

func (m *MemoryStore) Record(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Records(ctx context.Context, f Filter) iter.Seq2[models.SessionRecord, error] {
	return func(yield func(models.SessionRecord, error) bool) {
		m.mu.RLock()
		ids := make([]string, len(m.order))
		copy(ids, m.order)
		m.mu.RUnlock()

		skipped, emitted := 0, 0
		for i := len(ids) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				yield(models.SessionRecord{}, err)
				return
			}

			m.mu.RLock()
			rec := *m.records[ids[i]]
			m.mu.RUnlock()

			if !f.Match(&rec) {
				continue
			}
			if skipped < f.Offset {
				skipped++
				continue
			}
			if !yield(rec, nil) {
				return
			}
			emitted++
			if f.Limit > 0 && emitted >= f.Limit {
				return
			}
		}
	}
}

func (m *MemoryStore) Events(ctx context.Context, sessionID string) ([]models.SessionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evs := m.events[sessionID]
	out := make([]models.SessionEvent, len(evs))
	copy(out, evs)
	return out, nil
}
