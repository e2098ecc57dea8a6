package roles

import "time"

// Grant records that a user is permitted to operate under a role. The
// (UserID, Role) pair is unique; Active toggles instead of row churn.
// Test grants are written only by test-mode tooling and never count as
// persisted access.
type Grant struct {
	UserID      int64
	Role        Role
	Active      bool
	IsTestGrant bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Resolution is the combined answer to "what can this user do right now".
// HasAdminGrant reflects the persisted admin grant only, never the
// test-mode override.
type Resolution struct {
	CurrentRole    Role
	AvailableRoles []Role
	TestMode       bool
	HasAdminGrant  bool
}

// Has reports whether role is among the available roles.
func (r Resolution) Has(role Role) bool {
	for _, candidate := range r.AvailableRoles {
		if candidate == role {
			return true
		}
	}
	return false
}

// ChangeEvent describes a committed role switch. It is broadcast once and
// never stored as state; the audit trail keeps its own copy.
type ChangeEvent struct {
	UserID         int64
	From           Role
	To             Role
	AvailableRoles []Role
	At             time.Time
}
