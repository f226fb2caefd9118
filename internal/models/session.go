package models

import (
	"fmt"
	"time"
)

// SessionState is the lifecycle state of a client session
type SessionState string

const (
	StateUnauthenticated SessionState = "unauthenticated"
	StateAuthenticating  SessionState = "authenticating"
	StateActive          SessionState = "active"
	StateClosed          SessionState = "closed"
)

// CloseCause records why a session left the active state
type CloseCause string

const (
	CauseNone             CloseCause = ""
	CauseIdleTimeout      CloseCause = "idle_timeout"
	CauseSessionTimeout   CloseCause = "session_timeout"
	CauseAdminDisconnect  CloseCause = "admin_disconnect"
	CauseNaturalLogout    CloseCause = "natural_logout"
	CauseBalanceExhausted CloseCause = "balance_exhausted"
	CauseRejected         CloseCause = "rejected"
)

// SessionStatus is the outcome shown in session logs
type SessionStatus string

const (
	SessionOK     SessionStatus = "OK"
	SessionFailed SessionStatus = "Failed"
)

// Session is the engine's view of a connecting client
type Session struct {
	ID              string        `json:"id"`
	MAC             string        `json:"mac"`
	NASID           string        `json:"nas_id"`
	Username        string        `json:"username"`
	Group           string        `json:"group"`
	Profile         string        `json:"profile"`
	AccountID       string        `json:"account_id,omitempty"`
	State           SessionState  `json:"state"`
	Cause           CloseCause    `json:"cause,omitempty"`
	Status          SessionStatus `json:"status,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       time.Time     `json:"started_at"`
	LastActivity    time.Time     `json:"last_activity"`
	StoppedAt       *time.Time    `json:"stopped_at,omitempty"`
	BytesIn         uint64        `json:"bytes_in"`
	BytesOut        uint64        `json:"bytes_out"`
	DurationSeconds int64         `json:"duration_seconds"`
	FramedIP        string        `json:"framed_ip,omitempty"`
	AcctSessionID   string        `json:"acct_session_id,omitempty"`
	SessionTimeout  time.Duration `json:"session_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	Seq             uint64        `json:"seq"`
}

// IsActive reports whether the session is in the active state
func (s *Session) IsActive() bool {
	return s.State == StateActive
}

// IdleExpired reports whether no traffic was seen for the idle window.
func (s *Session) IdleExpired(now time.Time) bool {
	return s.IdleTimeout > 0 && now.Sub(s.LastActivity) >= s.IdleTimeout
}

// HardExpired reports whether the session outlived its session timeout.
func (s *Session) HardExpired(now time.Time) bool {
	return s.SessionTimeout > 0 && now.Sub(s.StartedAt) >= s.SessionTimeout
}

// ToRedisHash converts session to Redis hash
func (s *Session) ToRedisHash() map[string]interface{} {
	hash := map[string]interface{}{
		"id":              s.ID,
		"mac":             s.MAC,
		"nas_id":          s.NASID,
		"username":        s.Username,
		"group":           s.Group,
		"profile":         s.Profile,
		"account_id":      s.AccountID,
		"state":           string(s.State),
		"created_at":      s.CreatedAt.UnixMilli(),
		"started_at":      s.StartedAt.UnixMilli(),
		"last_activity":   s.LastActivity.UnixMilli(),
		"bytes_in":        s.BytesIn,
		"bytes_out":       s.BytesOut,
		"duration":        s.DurationSeconds,
		"framed_ip":       s.FramedIP,
		"acct_session_id": s.AcctSessionID,
		"session_timeout": int64(s.SessionTimeout / time.Second),
		"idle_timeout":    int64(s.IdleTimeout / time.Second),
		"seq":             s.Seq,
	}
	return hash
}

// FromRedisHash restores session from Redis hash
func (s *Session) FromRedisHash(hash map[string]string) error {
	if hash["id"] == "" {
		return fmt.Errorf("session hash has no id")
	}

	s.ID = hash["id"]
	s.MAC = hash["mac"]
	s.NASID = hash["nas_id"]
	s.Username = hash["username"]
	s.Group = hash["group"]
	s.Profile = hash["profile"]
	s.AccountID = hash["account_id"]
	s.State = SessionState(hash["state"])
	s.FramedIP = hash["framed_ip"]
	s.AcctSessionID = hash["acct_session_id"]

	s.CreatedAt = parseMillis(hash["created_at"])
	s.StartedAt = parseMillis(hash["started_at"])
	s.LastActivity = parseMillis(hash["last_activity"])

	if val, err := parseuint64(hash["bytes_in"]); err == nil {
		s.BytesIn = val
	}
	if val, err := parseuint64(hash["bytes_out"]); err == nil {
		s.BytesOut = val
	}
	if val, err := parseint64(hash["duration"]); err == nil {
		s.DurationSeconds = val
	}
	if val, err := parseint64(hash["session_timeout"]); err == nil {
		s.SessionTimeout = time.Duration(val) * time.Second
	}
	if val, err := parseint64(hash["idle_timeout"]); err == nil {
		s.IdleTimeout = time.Duration(val) * time.Second
	}
	if val, err := parseuint64(hash["seq"]); err == nil {
		s.Seq = val
	}

	return nil
}

// EventType enumerates ledger events
type EventType string

const (
	EventStart      EventType = "start"
	EventInterim    EventType = "interim"
	EventStop       EventType = "stop"
	EventAuthFailed EventType = "auth_failed"
)

// SessionEvent is one append-only ledger entry
type SessionEvent struct {
	SessionID       string     `json:"session_id"`
	Seq             uint64     `json:"seq"`
	Type            EventType  `json:"type"`
	At              time.Time  `json:"at"`
	MAC             string     `json:"mac"`
	Username        string     `json:"username"`
	NASID           string     `json:"nas_id"`
	BytesIn         uint64     `json:"bytes_in"`
	BytesOut        uint64     `json:"bytes_out"`
	DurationSeconds int64      `json:"duration_seconds"`
	FramedIP        string     `json:"framed_ip,omitempty"`
	Cause           CloseCause `json:"cause,omitempty"`
	Reason          string     `json:"reason,omitempty"`
}

// SessionRecord is the per-session summary the ledger derives from events
type SessionRecord struct {
	SessionID       string        `json:"session_id"`
	Username        string        `json:"username"`
	MAC             string        `json:"mac"`
	IP              string        `json:"ip"`
	AccessPoint     string        `json:"access_point"`
	Login           time.Time     `json:"login"`
	Logout          *time.Time    `json:"logout"`
	DurationSeconds int64         `json:"duration_seconds"`
	BytesIn         uint64        `json:"bytes_in"`
	BytesOut        uint64        `json:"bytes_out"`
	Status          SessionStatus `json:"status"`
	Cause           CloseCause    `json:"cause,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	LastSeq         uint64        `json:"last_seq"`
}

// Closed reports whether the record has reached its final state
func (r *SessionRecord) Closed() bool {
	return r.Logout != nil
}

// Apply folds an event into the record. The caller validates ordering.
func (r *SessionRecord) Apply(ev SessionEvent) {
	r.LastSeq = ev.Seq
	switch ev.Type {
	case EventAuthFailed:
		r.SessionID = ev.SessionID
		r.Username = ev.Username
		r.MAC = ev.MAC
		r.AccessPoint = ev.NASID
		r.Login = ev.At
		at := ev.At
		r.Logout = &at
		r.Status = SessionFailed
		r.Cause = CauseRejected
		r.Reason = ev.Reason
		return
	case EventStart:
		r.SessionID = ev.SessionID
		r.Username = ev.Username
		r.MAC = ev.MAC
		r.AccessPoint = ev.NASID
		r.Login = ev.At
		r.Status = SessionOK
	case EventStop:
		at := ev.At
		r.Logout = &at
		r.Cause = ev.Cause
		r.Reason = ev.Reason
	}
	if ev.FramedIP != "" {
		r.IP = ev.FramedIP
	}
	if ev.BytesIn > r.BytesIn {
		r.BytesIn = ev.BytesIn
	}
	if ev.BytesOut > r.BytesOut {
		r.BytesOut = ev.BytesOut
	}
	if ev.DurationSeconds > r.DurationSeconds {
		r.DurationSeconds = ev.DurationSeconds
	}
}

func parseMillis(s string) time.Time {
	ms, err := parseint64(s)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Helper functions for parsing
func parseint64(s string) (int64, error) {
	var result int64
	_, err := fmt.Sscanf(s, "%d", &result)
	return result, err
}

func parseuint64(s string) (uint64, error) {
	var result uint64
	_, err := fmt.Sscanf(s, "%d", &result)
	return result, err
}
