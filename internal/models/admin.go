package models

import "time"

type AdminRole string

const (
	RoleAdmin      AdminRole = "admin"
	RoleSuperAdmin AdminRole = "super_admin"
)

func (r AdminRole) Valid() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

type AdminStatus string

const (
	AdminActive  AdminStatus = "active"
	AdminBlocked AdminStatus = "blocked"
)

// AdminAccount is an operator of the management API
type AdminAccount struct {
	ID           string      `json:"id"`
	Username     string      `json:"username"`
	Email        string      `json:"email"`
	Phone        string      `json:"phone"`
	Role         AdminRole   `json:"role"`
	Status       AdminStatus `json:"status"`
	PasswordHash string      `json:"-"`
	CreatedAt    time.Time   `json:"created_at"`
	LastLogin    *time.Time  `json:"last_login,omitempty"`
}
