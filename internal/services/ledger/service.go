package ledger

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"ums-aaa/internal/models"
)

// Usage is aggregated consumption over a period
type Usage struct {
	Sessions        int    `json:"sessions"`
	BytesIn         uint64 `json:"bytes_in"`
	BytesOut        uint64 `json:"bytes_out"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// Service is the accounting ledger. It never updates or deletes history.
type Service struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Record appends one event after validating its shape.
func (s *Service) Record(ctx context.Context, ev models.SessionEvent) error {
	if ev.SessionID == "" {
		return models.NewValidationError(models.CodeInvalidRequest, "event without session id")
	}
	if ev.Seq == 0 {
		return models.NewValidationError(models.CodeInvalidRequest, "event without sequence number")
	}
	switch ev.Type {
	case models.EventStart, models.EventInterim, models.EventStop, models.EventAuthFailed:
	default:
		return models.NewValidationError(models.CodeInvalidRequest, "unknown event type %q", ev.Type)
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	if err := s.store.Append(ctx, ev); err != nil {
		if models.KindOf(err) != "" {
			return err
		}
		return models.NewTransientFailure(models.CodeUnavailable, fmt.Errorf("failed to append ledger event: %w", err))
	}

	s.logger.Debug("Ledger event recorded",
		zap.String("session_id", ev.SessionID),
		zap.Uint64("seq", ev.Seq),
		zap.String("type", string(ev.Type)))
	return nil
}

// Query returns a lazy, restartable sequence of session records.
func (s *Service) Query(ctx context.Context, f Filter) iter.Seq2[models.SessionRecord, error] {
	return s.store.Records(ctx, f)
}

// Collect drains a query into a slice.
func (s *Service) Collect(ctx context.Context, f Filter) ([]models.SessionRecord, error) {
	var out []models.SessionRecord
	for rec, err := range s.store.Records(ctx, f) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Service) SessionRecord(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	return s.store.Record(ctx, sessionID)
}

func (s *Service) Events(ctx context.Context, sessionID string) ([]models.SessionEvent, error) {
	return s.store.Events(ctx, sessionID)
}

// FailedLogins lists rejected authentications.
func (s *Service) FailedLogins(ctx context.Context, f Filter) ([]models.SessionRecord, error) {
	f.Status = models.SessionFailed
	return s.Collect(ctx, f)
}

// Usage sums successful sessions of a user that logged in within [from, to).
func (s *Service) Usage(ctx context.Context, username string, from, to time.Time) (Usage, error) {
	var u Usage
	for rec, err := range s.store.Records(ctx, Filter{Username: username, Status: models.SessionOK, From: from, To: to}) {
		if err != nil {
			return Usage{}, err
		}
		u.Sessions++
		u.BytesIn += rec.BytesIn
		u.BytesOut += rec.BytesOut
		u.DurationSeconds += rec.DurationSeconds
	}
	return u, nil
}
