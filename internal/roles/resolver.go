package roles

import (
	"context"
)

// TestModeSource exposes the active test-mode override for a user. The
// implementation owns expiry: an expired session must report absent here
// no matter what its stored active flag says.
type TestModeSource interface {
	ActiveRoles(ctx context.Context, userID int64) ([]Role, bool, error)
}

// Resolver combines persisted grants with the test-mode override into the
// authoritative answer for a user. It is the only component allowed to
// make that combination; callers never merge the two views themselves.
type Resolver struct {
	registry *Registry
	repo     Repository
	testMode TestModeSource
}

// NewResolver constructs a Resolver. testMode may be nil when no override
// mechanism is wired (the worker does this).
func NewResolver(registry *Registry, repo Repository, testMode TestModeSource) *Resolver {
	return &Resolver{registry: registry, repo: repo, testMode: testMode}
}

// Resolve computes the user's current role and available role set.
//
// A missing grant, an expired test session, or a stored current role that
// is no longer available are all normal conditions handled by fallback,
// not errors. Only a missing user or a storage failure surfaces.
func (r *Resolver) Resolve(ctx context.Context, userID int64) (Resolution, error) {
	stored, err := r.repo.CurrentRole(ctx, userID)
	if err != nil {
		return Resolution{}, err
	}

	grants, err := r.repo.GrantsFor(ctx, userID)
	if err != nil {
		return Resolution{}, err
	}

	available := make(map[Role]struct{}, len(grants)+1)
	adminGrant := false
	for _, g := range grants {
		if !g.Active || g.IsTestGrant {
			continue
		}
		available[g.Role] = struct{}{}
		if g.Role == RoleAdmin {
			adminGrant = true
		}
	}

	// Viewer is the floor for every account.
	available[RoleViewer] = struct{}{}

	// Admin subsumes every business role, but not the reserved operator
	// tier unless independently granted.
	if adminGrant {
		for _, role := range r.registry.All() {
			if r.registry.Reserved(role) {
				continue
			}
			available[role] = struct{}{}
		}
	}

	testMode := false
	if r.testMode != nil {
		granted, active, err := r.testMode.ActiveRoles(ctx, userID)
		// An unreachable override store degrades to "no override": access
		// falls back to persisted grants rather than failing the request.
		if err == nil && active {
			testMode = true
			for _, role := range granted {
				if r.registry.Contains(role) {
					available[role] = struct{}{}
				}
			}
		}
	}

	resolution := Resolution{
		AvailableRoles: r.ordered(available),
		TestMode:       testMode,
		HasAdminGrant:  adminGrant,
	}
	resolution.CurrentRole = r.pickCurrent(stored, resolution)
	return resolution, nil
}

// pickCurrent keeps the stored role while it remains available and
// otherwise falls back to the first available role. The fallback is
// defined recovery after a revocation, not an error.
func (r *Resolver) pickCurrent(stored string, resolution Resolution) Role {
	if role, err := r.registry.Normalize(stored); err == nil && resolution.Has(role) {
		return role
	}
	return resolution.AvailableRoles[0]
}

// ordered flattens the set into registry declaration order, viewer first.
func (r *Resolver) ordered(set map[Role]struct{}) []Role {
	out := make([]Role, 0, len(set))
	for _, role := range r.registry.All() {
		if _, ok := set[role]; ok {
			out = append(out, role)
		}
	}
	return out
}
