package models

import "time"

// RADIUSReply represents RADIUS reply attribute
type RADIUSReply struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AuthRequest is an Access-Request after wire decoding
type AuthRequest struct {
	MAC      string `json:"calling_station_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	NASID    string `json:"nas_id"`
	NASIP    string `json:"nas_ip_address"`
}

// Decision of an authentication
type Decision string

const (
	DecisionAccept Decision = "Accept"
	DecisionReject Decision = "Reject"
)

// AuthResult is Accept{profile, sessionId} or Reject{reason}
type AuthResult struct {
	Decision       Decision      `json:"decision"`
	Reason         string        `json:"reason,omitempty"`
	SessionID      string        `json:"session_id,omitempty"`
	Profile        string        `json:"profile,omitempty"`
	RateLimit      string        `json:"rate_limit,omitempty"`
	SessionTimeout time.Duration `json:"session_timeout,omitempty"`
	IdleTimeout    time.Duration `json:"idle_timeout,omitempty"`
	Replies        []RADIUSReply `json:"replies,omitempty"`
}

// Accepted reports whether the result is an Accept
func (r *AuthResult) Accepted() bool {
	return r.Decision == DecisionAccept
}

// Reject builds a rejection result
func Reject(reason string) *AuthResult {
	return &AuthResult{Decision: DecisionReject, Reason: reason}
}

// AcctStatus mirrors Acct-Status-Type
type AcctStatus string

const (
	AcctStart   AcctStatus = "Start"
	AcctInterim AcctStatus = "Interim-Update"
	AcctStop    AcctStatus = "Stop"
)

// AcctRequest is an Accounting-Request after wire decoding
type AcctRequest struct {
	SessionID      string     `json:"session_id"`
	AcctSessionID  string     `json:"acct_session_id"`
	Status         AcctStatus `json:"acct_status_type"`
	MAC            string     `json:"calling_station_id"`
	Username       string     `json:"username"`
	NASID          string     `json:"nas_id"`
	FramedIP       string     `json:"framed_ip_address"`
	BytesIn        uint64     `json:"acct_input_octets"`
	BytesOut       uint64     `json:"acct_output_octets"`
	SessionTime    int64      `json:"acct_session_time"`
	TerminateCause string     `json:"acct_terminate_cause"`
}
