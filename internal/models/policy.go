package models

import (
	"strings"
	"time"
)

// MacAction is the verdict of a MAC filtering rule
type MacAction string

const (
	MacAllow MacAction = "allow"
	MacBlock MacAction = "block"
)

func (a MacAction) Valid() bool {
	return a == MacAllow || a == MacBlock
}

// MacRule allows or blocks a single client MAC address
type MacRule struct {
	ID          string    `json:"id"`
	MACAddress  string    `json:"mac_address"`
	Action      MacAction `json:"action"`
	DeviceName  string    `json:"device_name"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BandwidthProfile is a named rate-limit applied to sessions
type BandwidthProfile struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	DownloadRate   string    `json:"download_rate"`
	UploadRate     string    `json:"upload_rate"`
	Priority       int       `json:"priority"`
	BurstLimit     string    `json:"burst_limit"`
	BurstThreshold string    `json:"burst_threshold"`
	BurstTime      int       `json:"burst_time"`
	Description    string    `json:"description"`
	Active         bool      `json:"active"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RateLimit renders the profile in MikroTik rate-limit syntax,
// "rx/tx [burst-rx/burst-tx threshold/threshold time/time] priority".
// MikroTik's rx is the client upload.
func (p *BandwidthProfile) RateLimit() string {
	var b strings.Builder
	b.WriteString(p.UploadRate + "/" + p.DownloadRate)
	if p.BurstLimit != "" {
		threshold := p.BurstThreshold
		if threshold == "" {
			threshold = "0"
		}
		b.WriteString(" " + p.BurstLimit + "/" + p.BurstLimit)
		b.WriteString(" " + threshold + "/" + threshold)
		b.WriteString(" " + itoa(p.BurstTime) + "/" + itoa(p.BurstTime))
		b.WriteString(" " + itoa(p.Priority))
	}
	return b.String()
}

// VoucherType describes a family of access codes
type VoucherType struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Duration    string    `json:"duration"`
	Profile     string    `json:"profile"`
	Group       string    `json:"group"`
	Price       int64     `json:"price"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// AccessCodeStatus moves unused -> used only, except for an explicit reset
type AccessCodeStatus string

const (
	AccessCodeUnused AccessCodeStatus = "unused"
	AccessCodeUsed   AccessCodeStatus = "used"
)

// AccessCode is a single-use voucher credential
type AccessCode struct {
	Username    string           `json:"username"`
	Password    string           `json:"password"`
	VoucherType string           `json:"voucher_type"`
	Profile     string           `json:"profile"`
	Group       string           `json:"group"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	Status      AccessCodeStatus `json:"status"`
	UsedAt      *time.Time       `json:"used_at,omitempty"`
	UsedByMAC   string           `json:"used_by_mac,omitempty"`
}

// Expired reports whether the code can no longer be redeemed at t.
func (c *AccessCode) Expired(t time.Time) bool {
	return !t.Before(c.ExpiresAt)
}

// UserGroup bundles permissions and the per-user device limit
type UserGroup struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	DeviceLimit int      `json:"device_limit"`
	Description string   `json:"description"`
	Active      bool     `json:"active"`
}

// Subscriber is a long-lived customer login
type Subscriber struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Group        string    `json:"group"`
	Profile      string    `json:"profile"`
	AccountID    string    `json:"account_id,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// PolicyKind selects an entity family for ListActive
type PolicyKind string

const (
	KindMacRule          PolicyKind = "mac_rule"
	KindBandwidthProfile PolicyKind = "bandwidth_profile"
	KindVoucherType      PolicyKind = "voucher_type"
	KindAccessCode       PolicyKind = "access_code"
	KindUserGroup        PolicyKind = "user_group"
)
