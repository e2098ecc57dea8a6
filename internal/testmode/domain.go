// Package testmode implements the time-bounded authorization override
// used for development and demos. A session temporarily widens a user's
// available roles; it is environment-gated, never persisted as a grant,
// and dies by deadline. There is no permanent back-door account anywhere
// in the system — this package is the only sanctioned convenience.
package testmode

import (
	"time"

	"github.com/admarket/admarket/internal/roles"
)

// Session is the persisted override record. The stored Active flag can
// lie once ExpiresAt has passed; only Manager.IsActive may be used to
// answer "is this user in test mode".
type Session struct {
	UserID         int64        `json:"user_id"`
	Active         bool         `json:"active"`
	ExpiresAt      time.Time    `json:"expires_at"`
	InitialRole    roles.Role   `json:"initial_role"`
	BypassAPICalls bool         `json:"bypass_api_calls"`
	GrantedRoles   []roles.Role `json:"granted_roles"`
	CreatedAt      time.Time    `json:"created_at"`
}

// expired applies the lazy deadline check.
func (s Session) expired(now time.Time) bool {
	return !s.Active || now.After(s.ExpiresAt)
}
