package ledger

import (
	"context"
	"iter"
	"time"

	"ums-aaa/internal/models"
)

// Filter narrows a ledger query. Zero values match everything. Login time
// must fall in [From, To).
type Filter struct {
	Username    string
	MAC         string
	AccessPoint string
	Status      models.SessionStatus
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// Match reports whether rec satisfies the filter, ignoring pagination.
func (f Filter) Match(rec *models.SessionRecord) bool {
	if f.Username != "" && rec.Username != f.Username {
		return false
	}
	if f.MAC != "" && rec.MAC != f.MAC {
		return false
	}
	if f.AccessPoint != "" && rec.AccessPoint != f.AccessPoint {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && rec.Login.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.Login.Before(f.To) {
		return false
	}
	return true
}

// Store is an append-only event log with a derived per-session record.
// Append must reject an event whose seq is not greater than the last seq of
// its session, and any event after a stop, atomically with the write.
type Store interface {
	Append(ctx context.Context, ev models.SessionEvent) error
	Record(ctx context.Context, sessionID string) (*models.SessionRecord, error)
	// Records yields matching records newest login first.
	Records(ctx context.Context, f Filter) iter.Seq2[models.SessionRecord, error]
	Events(ctx context.Context, sessionID string) ([]models.SessionEvent, error)
}
