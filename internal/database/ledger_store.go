package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/sirupsen/logrus"

	"ums-aaa/internal/models"
	"ums-aaa/internal/services/ledger"
)

// LedgerStore implements ledger.Store. Events are append-only; the record
// row of a session is rewritten in the same transaction as each append.
type LedgerStore struct {
	db *sql.DB
}

const recordColumns = `session_id, username, mac, ip, access_point, login, logout,
	duration_seconds, bytes_in, bytes_out, status, cause, reason, last_seq`

func scanRecord(row scanner) (*models.SessionRecord, error) {
	var (
		rec    models.SessionRecord
		logout sql.NullTime
	)
	if err := row.Scan(&rec.SessionID, &rec.Username, &rec.MAC, &rec.IP, &rec.AccessPoint,
		&rec.Login, &logout, &rec.DurationSeconds, &rec.BytesIn, &rec.BytesOut,
		&rec.Status, &rec.Cause, &rec.Reason, &rec.LastSeq); err != nil {
		return nil, err
	}
	rec.Logout = timePtr(logout)
	return &rec, nil
}

func (s *LedgerStore) Append(ctx context.Context, ev models.SessionEvent) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		rec, err := scanRecord(tx.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM session_records WHERE session_id = $1 FOR UPDATE`, ev.SessionID))
		exists := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return translate(err, models.CodeUnavailable, "lock session record %s", ev.SessionID)
		}
		if exists {
			if rec.Closed() {
				return models.NewConflict(models.CodeSessionClosed, "session %s", ev.SessionID)
			}
			if ev.Seq <= rec.LastSeq {
				return models.NewConflict(models.CodeOutOfOrder, "session %s seq %d after %d", ev.SessionID, ev.Seq, rec.LastSeq)
			}
		} else {
			rec = &models.SessionRecord{}
		}

		// A concurrent first event for the same session trips UNIQUE(session_id, seq)
		// or the record primary key, and surfaces as OutOfOrder.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_events (session_id, seq, type, at, mac, username, nas_id,
				bytes_in, bytes_out, duration_seconds, framed_ip, cause, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			ev.SessionID, ev.Seq, ev.Type, ev.At, ev.MAC, ev.Username, ev.NASID,
			ev.BytesIn, ev.BytesOut, ev.DurationSeconds, ev.FramedIP, ev.Cause, ev.Reason); err != nil {
			return translate(err, models.CodeOutOfOrder, "session %s seq %d", ev.SessionID, ev.Seq)
		}

		rec.Apply(ev)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_records (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (session_id) DO UPDATE SET
				ip = EXCLUDED.ip,
				logout = EXCLUDED.logout,
				duration_seconds = EXCLUDED.duration_seconds,
				bytes_in = EXCLUDED.bytes_in,
				bytes_out = EXCLUDED.bytes_out,
				cause = EXCLUDED.cause,
				reason = EXCLUDED.reason,
				last_seq = EXCLUDED.last_seq`,
			rec.SessionID, rec.Username, rec.MAC, rec.IP, rec.AccessPoint, rec.Login, nullTime(rec.Logout),
			rec.DurationSeconds, rec.BytesIn, rec.BytesOut, rec.Status, rec.Cause, rec.Reason, rec.LastSeq); err != nil {
			return translate(err, models.CodeOutOfOrder, "session record %s", ev.SessionID)
		}

		logrus.Debugf("Ledger append session=%s seq=%d type=%s", ev.SessionID, ev.Seq, ev.Type)
		return nil
	})
}

func (s *LedgerStore) Record(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM session_records WHERE session_id = $1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "session record %s", sessionID)
	}
	return rec, nil
}

// recordQuery renders a filter as SQL, newest login first
func recordQuery(f ledger.Filter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Username != "" {
		add("username = $%d", f.Username)
	}
	if f.MAC != "" {
		add("mac = $%d", f.MAC)
	}
	if f.AccessPoint != "" {
		add("access_point = $%d", f.AccessPoint)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.From.IsZero() {
		add("login >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("login < $%d", f.To)
	}

	query := `SELECT ` + recordColumns + ` FROM session_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY login DESC, session_id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

// Records runs the query when iteration starts and streams rows, so each
// range over the sequence is a fresh query.
func (s *LedgerStore) Records(ctx context.Context, f ledger.Filter) iter.Seq2[models.SessionRecord, error] {
	query, args := recordQuery(f)
	return func(yield func(models.SessionRecord, error) bool) {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(models.SessionRecord{}, translate(err, models.CodeUnavailable, "query session records"))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				yield(models.SessionRecord{}, translate(err, models.CodeUnavailable, "scan session record"))
				return
			}
			if !yield(*rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.SessionRecord{}, translate(err, models.CodeUnavailable, "iterate session records"))
		}
	}
}

func (s *LedgerStore) Events(ctx context.Context, sessionID string) ([]models.SessionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, type, at, mac, username, nas_id, bytes_in, bytes_out,
			duration_seconds, framed_ip, cause, reason
		FROM session_events WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "session events %s", sessionID)
	}
	defer rows.Close()

	var out []models.SessionEvent
	for rows.Next() {
		var ev models.SessionEvent
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &ev.Type, &ev.At, &ev.MAC, &ev.Username, &ev.NASID,
			&ev.BytesIn, &ev.BytesOut, &ev.DurationSeconds, &ev.FramedIP, &ev.Cause, &ev.Reason); err != nil {
			return nil, translate(err, models.CodeUnavailable, "scan session event")
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
