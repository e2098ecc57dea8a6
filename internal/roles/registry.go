package roles

import (
	"errors"
	"fmt"
	"strings"
)

// Role is a named capability tier.
type Role string

// Canonical roles, in resolution order. Viewer comes first: it is the
// floor every account keeps and the deterministic fallback target.
const (
	RoleViewer      Role = "viewer"
	RoleAdvertiser  Role = "advertiser"
	RolePublisher   Role = "publisher"
	RoleAdmin       Role = "admin"
	RoleStakeholder Role = "stakeholder"
	RoleDeveloper   Role = "developer"
)

// ErrInvalidRole indicates an unrecognized role string. Normalization
// never guesses: anything outside the canonical set is rejected rather
// than silently mapped to viewer.
var ErrInvalidRole = errors.New("roles: invalid role")

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Registry holds the canonical role set and name normalization rules.
type Registry struct {
	ordered  []Role
	known    map[Role]struct{}
	aliases  map[string]Role
	reserved map[Role]struct{}
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithReservedRoles replaces the set of operator-tier roles that admin
// authority does not subsume. Defaults to {developer}.
func WithReservedRoles(reserved ...Role) RegistryOption {
	return func(reg *Registry) {
		reg.reserved = make(map[Role]struct{}, len(reserved))
		for _, role := range reserved {
			reg.reserved[role] = struct{}{}
		}
	}
}

// NewRegistry builds the canonical registry: the six marketplace roles,
// the legacy "user" alias for viewer, and developer reserved from admin
// subsumption.
func NewRegistry(opts ...RegistryOption) *Registry {
	reg := &Registry{
		ordered: []Role{RoleViewer, RoleAdvertiser, RolePublisher, RoleAdmin, RoleStakeholder, RoleDeveloper},
		aliases: map[string]Role{
			"user": RoleViewer,
		},
		reserved: map[Role]struct{}{
			RoleDeveloper: {},
		},
	}
	reg.known = make(map[Role]struct{}, len(reg.ordered))
	for _, role := range reg.ordered {
		reg.known[role] = struct{}{}
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// Normalize maps raw input to a canonical role. Pure and side-effect
// free; idempotent over its own output.
func (reg *Registry) Normalize(raw string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRole)
	}
	if canonical, ok := reg.aliases[name]; ok {
		return canonical, nil
	}
	role := Role(name)
	if _, ok := reg.known[role]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
	return role, nil
}

// All returns the canonical roles in declaration order.
func (reg *Registry) All() []Role {
	out := make([]Role, len(reg.ordered))
	copy(out, reg.ordered)
	return out
}

// Contains reports whether role is part of the canonical set.
func (reg *Registry) Contains(role Role) bool {
	_, ok := reg.known[role]
	return ok
}

// Reserved reports whether role belongs to the operator tier excluded
// from admin subsumption.
func (reg *Registry) Reserved(role Role) bool {
	_, ok := reg.reserved[role]
	return ok
}
