package roles

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/admarket/admarket/internal/events"
)

func newTestService(repo *memoryRepo, tm TestModeSource, opts ...ServiceOption) (*Service, *events.Bus) {
	registry := NewRegistry()
	resolver := NewResolver(registry, repo, tm)
	bus := events.NewBus()
	return NewService(registry, repo, resolver, bus, slog.Default(), opts...), bus
}

func TestChangeRoleSuccess(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "viewer")
	require.NoError(t, repo.UpsertGrant(context.Background(), 1, RolePublisher, true, false))
	svc, bus := newTestService(repo, nil)

	var published []events.RoleChanged
	bus.Subscribe(events.TopicRoleChanged, func(_ string, payload any) {
		published = append(published, payload.(events.RoleChanged))
	})

	event, err := svc.ChangeRole(context.Background(), 1, "publisher")
	require.NoError(t, err)
	require.Equal(t, RoleViewer, event.From)
	require.Equal(t, RolePublisher, event.To)

	current, err := repo.CurrentRole(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "publisher", current)

	// Exactly one write and one broadcast per successful switch.
	require.Equal(t, 1, repo.setRoleCalls)
	require.Len(t, published, 1)
	require.Equal(t, int64(1), published[0].UserID)
	require.Equal(t, "publisher", published[0].To)
	require.Len(t, repo.changes, 1)
}

func TestChangeRoleNotAvailable(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "viewer")
	svc, bus := newTestService(repo, nil)

	var broadcasts int
	bus.Subscribe(events.TopicRoleChanged, func(string, any) { broadcasts++ })

	_, err := svc.ChangeRole(context.Background(), 1, "admin")
	require.ErrorIs(t, err, ErrRoleNotAvailable)
	require.Contains(t, err.Error(), "admin")

	// Failed validation performs no write and no broadcast.
	require.Equal(t, 0, repo.setRoleCalls)
	require.Zero(t, broadcasts)
	current, err := repo.CurrentRole(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "viewer", current)
}

func TestChangeRoleInvalidName(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "viewer")
	svc, _ := newTestService(repo, nil)

	_, err := svc.ChangeRole(context.Background(), 1, "superuser")
	require.ErrorIs(t, err, ErrInvalidRole)
	require.Equal(t, 0, repo.setRoleCalls)
}

func TestChangeRoleAliasUser(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "viewer")
	svc, _ := newTestService(repo, nil)

	event, err := svc.ChangeRole(context.Background(), 1, "user")
	require.NoError(t, err)
	require.Equal(t, RoleViewer, event.To)
}

// The denied-then-granted flow: a viewer asks for admin, is refused, an
// admin grants it, and the same request then succeeds.
func TestChangeRoleAfterGrant(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "viewer")
	repo.seedUser(2, "admin")
	require.NoError(t, repo.UpsertGrant(context.Background(), 2, RoleAdmin, true, false))
	svc, _ := newTestService(repo, nil)

	_, err := svc.ChangeRole(context.Background(), 1, "admin")
	require.ErrorIs(t, err, ErrRoleNotAvailable)

	require.NoError(t, svc.Grant(context.Background(), 2, 1, "admin"))

	event, err := svc.ChangeRole(context.Background(), 1, "admin")
	require.NoError(t, err)
	require.Equal(t, RoleAdmin, event.To)
}

// An admin holding the grant may switch into any registered role even
// when it is not in their own available set.
func TestChangeRoleAdminSwitchesAnywhere(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "admin")
	require.NoError(t, repo.UpsertGrant(context.Background(), 1, RoleAdmin, true, false))
	svc, _ := newTestService(repo, nil)

	event, err := svc.ChangeRole(context.Background(), 1, "developer")
	require.NoError(t, err)
	require.Equal(t, RoleDeveloper, event.To)
}

func TestChangeRoleRecordFailureDoesNotUndo(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "viewer")
	require.NoError(t, repo.UpsertGrant(context.Background(), 1, RolePublisher, true, false))
	repo.recordErr = errors.New("audit table down")
	svc, _ := newTestService(repo, nil)

	_, err := svc.ChangeRole(context.Background(), 1, "publisher")
	require.NoError(t, err)
	current, err := repo.CurrentRole(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "publisher", current)
}

func TestGrantRequiresAdmin(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "viewer")
	repo.seedUser(2, "viewer")
	svc, _ := newTestService(repo, nil)

	err := svc.Grant(context.Background(), 1, 2, "publisher")
	require.ErrorIs(t, err, ErrAdminRequired)
}

// Test-mode roles must not grant admin authority over other users.
func TestGrantRefusesTestModeAdmin(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "viewer")
	repo.seedUser(2, "viewer")
	tm := &stubTestMode{roles: []Role{RoleAdmin}, active: true}
	svc, _ := newTestService(repo, tm)

	err := svc.Grant(context.Background(), 1, 2, "publisher")
	require.ErrorIs(t, err, ErrAdminRequired)
}

func TestGrantIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "admin")
	require.NoError(t, repo.UpsertGrant(context.Background(), 1, RoleAdmin, true, false))
	repo.seedUser(2, "viewer")
	svc, _ := newTestService(repo, nil)

	require.NoError(t, svc.Grant(context.Background(), 1, 2, "publisher"))
	require.NoError(t, svc.Grant(context.Background(), 1, 2, "publisher"))

	grants, err := repo.GrantsFor(context.Background(), 2)
	require.NoError(t, err)
	var publisherGrants int
	for _, g := range grants {
		if g.Role == RolePublisher {
			publisherGrants++
			require.True(t, g.Active)
		}
	}
	require.Equal(t, 1, publisherGrants)
}

func TestRevokeViewerRefused(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "admin")
	require.NoError(t, repo.UpsertGrant(context.Background(), 1, RoleAdmin, true, false))
	repo.seedUser(2, "viewer")
	svc, _ := newTestService(repo, nil)

	err := svc.Revoke(context.Background(), 1, 2, "viewer")
	require.ErrorIs(t, err, ErrViewerRevoked)
}

func TestRevokePublishesRolesUpdated(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "admin")
	require.NoError(t, repo.UpsertGrant(context.Background(), 1, RoleAdmin, true, false))
	repo.seedUser(2, "viewer")
	require.NoError(t, repo.UpsertGrant(context.Background(), 2, RolePublisher, true, false))
	svc, bus := newTestService(repo, nil)

	var updated []events.RolesUpdated
	bus.Subscribe(events.TopicRolesUpdated, func(_ string, payload any) {
		updated = append(updated, payload.(events.RolesUpdated))
	})

	require.NoError(t, svc.Revoke(context.Background(), 1, 2, "publisher"))
	require.Len(t, updated, 1)
	require.Equal(t, int64(2), updated[0].UserID)
}

func TestReconcileRequiresAdmin(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "viewer")
	svc, _ := newTestService(repo, nil)

	err := svc.Reconcile(context.Background(), 1, 1)
	require.ErrorIs(t, err, ErrAdminRequired)
	require.Zero(t, repo.reconcileHit[1])
}

func TestReconcileAllQueues(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "admin")
	require.NoError(t, repo.UpsertGrant(context.Background(), 1, RoleAdmin, true, false))

	var queued int
	svc, _ := newTestService(repo, nil, WithReconcileQueue(func(context.Context) error {
		queued++
		return nil
	}))

	require.NoError(t, svc.ReconcileAll(context.Background(), 1))
	require.Equal(t, 1, queued)
}

func TestReconcileAllRequiresAdmin(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "viewer")

	var queued int
	svc, _ := newTestService(repo, nil, WithReconcileQueue(func(context.Context) error {
		queued++
		return nil
	}))

	err := svc.ReconcileAll(context.Background(), 1)
	require.ErrorIs(t, err, ErrAdminRequired)
	require.Zero(t, queued)
}

func TestReconcileAllWithoutQueue(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "admin")
	require.NoError(t, repo.UpsertGrant(context.Background(), 1, RoleAdmin, true, false))
	svc, _ := newTestService(repo, nil)

	err := svc.ReconcileAll(context.Background(), 1)
	require.ErrorIs(t, err, ErrReconcileQueueUnavailable)
}

func TestChangesListsAudit(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedUser(1, "admin")
	require.NoError(t, repo.UpsertGrant(context.Background(), 1, RoleAdmin, true, false))
	svc, _ := newTestService(repo, nil)

	_, err := svc.ChangeRole(context.Background(), 1, "publisher")
	require.NoError(t, err)

	changes, err := svc.Changes(context.Background(), 1, 1, 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, RolePublisher, changes[0].To)
}
