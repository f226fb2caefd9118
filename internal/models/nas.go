package models

import "time"

// RouterStatus reflects whether the NAS has been heard from recently
type RouterStatus string

const (
	RouterOnline  RouterStatus = "online"
	RouterOffline RouterStatus = "offline"
)

// RedactedSecret replaces shared secrets in every view and export.
const RedactedSecret = "********"

// Router is a NAS device allowed to talk RADIUS to the gateway
type Router struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	IPAddress    string       `json:"ip_address"`
	MACAddress   string       `json:"mac_address"`
	Type         string       `json:"type"`
	Port         int          `json:"port"`
	RadiusServer string       `json:"radius_server"`
	Status       RouterStatus `json:"status"`
	Description  string       `json:"description"`
	SecretCipher []byte       `json:"-"`
	LastSeen     *time.Time   `json:"last_seen,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// View is the representation handed to the admin API.
func (r Router) View() map[string]interface{} {
	return map[string]interface{}{
		"id":            r.ID,
		"name":          r.Name,
		"ip_address":    r.IPAddress,
		"mac_address":   r.MACAddress,
		"type":          r.Type,
		"port":          r.Port,
		"radius_server": r.RadiusServer,
		"status":        r.Status,
		"description":   r.Description,
		"shared_secret": RedactedSecret,
		"last_seen":     r.LastSeen,
		"created_at":    r.CreatedAt,
	}
}
