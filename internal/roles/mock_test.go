package roles

import (
	"context"
	"sync"
)

// memoryRepo is an in-memory Repository for service and resolver tests.
type memoryRepo struct {
	mu           sync.Mutex
	grants       map[int64]map[Role]Grant
	current      map[int64]string
	changes      []ChangeEvent
	setRoleCalls int

	currentErr   error
	setRoleErr   error
	recordErr    error
	reconcileHit map[int64]int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		grants:       make(map[int64]map[Role]Grant),
		current:      make(map[int64]string),
		reconcileHit: make(map[int64]int),
	}
}

func (r *memoryRepo) seedUser(userID int64, current string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current[userID] = current
	if r.grants[userID] == nil {
		r.grants[userID] = make(map[Role]Grant)
	}
	r.grants[userID][RoleViewer] = Grant{UserID: userID, Role: RoleViewer, Active: true}
}

func (r *memoryRepo) GrantsFor(ctx context.Context, userID int64) ([]Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.current[userID]; !ok {
		return nil, ErrUserNotFound
	}
	out := make([]Grant, 0, len(r.grants[userID]))
	for _, g := range r.grants[userID] {
		out = append(out, g)
	}
	return out, nil
}

func (r *memoryRepo) UpsertGrant(ctx context.Context, userID int64, role Role, active, isTestGrant bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.current[userID]; !ok {
		return ErrUserNotFound
	}
	if r.grants[userID] == nil {
		r.grants[userID] = make(map[Role]Grant)
	}
	r.grants[userID][role] = Grant{UserID: userID, Role: role, Active: active, IsTestGrant: isTestGrant}
	return nil
}

func (r *memoryRepo) RevokeGrant(ctx context.Context, userID int64, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if role == RoleViewer {
		return ErrViewerRevoked
	}
	if _, ok := r.current[userID]; !ok {
		return ErrUserNotFound
	}
	if g, ok := r.grants[userID][role]; ok {
		g.Active = false
		r.grants[userID][role] = g
	}
	return nil
}

func (r *memoryRepo) CurrentRole(ctx context.Context, userID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentErr != nil {
		return "", r.currentErr
	}
	current, ok := r.current[userID]
	if !ok {
		return "", ErrUserNotFound
	}
	return current, nil
}

func (r *memoryRepo) SetCurrentRole(ctx context.Context, userID int64, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.setRoleErr != nil {
		return r.setRoleErr
	}
	if _, ok := r.current[userID]; !ok {
		return ErrUserNotFound
	}
	r.current[userID] = string(role)
	r.setRoleCalls++
	return nil
}

func (r *memoryRepo) RecordChange(ctx context.Context, event ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recordErr != nil {
		return r.recordErr
	}
	r.changes = append(r.changes, event)
	return nil
}

func (r *memoryRepo) ListChanges(ctx context.Context, userID int64, limit int) ([]ChangeEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ChangeEvent
	for i := len(r.changes) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if r.changes[i].UserID == userID {
			out = append(out, r.changes[i])
		}
	}
	return out, nil
}

func (r *memoryRepo) Reconcile(ctx context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.current[userID]; !ok {
		return ErrUserNotFound
	}
	r.reconcileHit[userID]++
	if r.grants[userID] == nil {
		r.grants[userID] = make(map[Role]Grant)
	}
	r.grants[userID][RoleViewer] = Grant{UserID: userID, Role: RoleViewer, Active: true}
	return nil
}

var _ Repository = (*memoryRepo)(nil)

// stubTestMode is a controllable TestModeSource.
type stubTestMode struct {
	roles  []Role
	active bool
	err    error
}

func (s *stubTestMode) ActiveRoles(ctx context.Context, userID int64) ([]Role, bool, error) {
	return s.roles, s.active, s.err
}
