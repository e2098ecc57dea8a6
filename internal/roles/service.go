package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/admarket/admarket/internal/events"
)

var (
	// ErrRoleNotAvailable is returned when a user requests a switch to a
	// role outside their available set. The wrapped message names the
	// denied role.
	ErrRoleNotAvailable = errors.New("roles: role not available")
	// ErrAdminRequired guards the grant management operations.
	ErrAdminRequired = errors.New("roles: admin grant required")
	// ErrReconcileQueueUnavailable is returned when an all-user
	// reconciliation is requested but no background queue is wired.
	ErrReconcileQueueUnavailable = errors.New("roles: reconcile queue not configured")
)

// Service validates and commits role switches and administers grants.
type Service struct {
	registry     *Registry
	repo         Repository
	resolver     *Resolver
	bus          *events.Bus
	logger       *slog.Logger
	reconcileAll func(ctx context.Context) error
	now          func() time.Time
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithReconcileQueue hands all-user reconciliations off to the
// background queue instead of running them inline.
func WithReconcileQueue(enqueue func(ctx context.Context) error) ServiceOption {
	return func(s *Service) { s.reconcileAll = enqueue }
}

// NewService constructs a Service.
func NewService(registry *Registry, repo Repository, resolver *Resolver, bus *events.Bus, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		registry: registry,
		repo:     repo,
		resolver: resolver,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve exposes the resolver for read paths.
func (s *Service) Resolve(ctx context.Context, userID int64) (Resolution, error) {
	return s.resolver.Resolve(ctx, userID)
}

// ChangeRole validates a switch request and commits it. A successful call
// performs exactly one current-role write and one broadcast; a failed
// validation performs neither.
func (s *Service) ChangeRole(ctx context.Context, userID int64, requested string) (ChangeEvent, error) {
	role, err := s.registry.Normalize(requested)
	if err != nil {
		return ChangeEvent{}, err
	}

	resolution, err := s.resolver.Resolve(ctx, userID)
	if err != nil {
		return ChangeEvent{}, err
	}

	// Admin may switch into any registered role; everyone else stays
	// inside their available set.
	if !resolution.Has(role) && !resolution.HasAdminGrant {
		return ChangeEvent{}, fmt.Errorf("%w: %s", ErrRoleNotAvailable, role)
	}

	if err := s.repo.SetCurrentRole(ctx, userID, role); err != nil {
		return ChangeEvent{}, err
	}

	event := ChangeEvent{
		UserID:         userID,
		From:           resolution.CurrentRole,
		To:             role,
		AvailableRoles: resolution.AvailableRoles,
		At:             s.now().UTC(),
	}

	// The switch is committed; a failed audit append must not undo it.
	if err := s.repo.RecordChange(ctx, event); err != nil && s.logger != nil {
		s.logger.Warn("record role change", slog.Int64("user", userID), slog.Any("error", err))
	}

	s.bus.Publish(events.TopicRoleChanged, events.RoleChanged{
		UserID:         userID,
		From:           event.From.String(),
		To:             event.To.String(),
		AvailableRoles: roleStrings(event.AvailableRoles),
		At:             event.At,
	})

	return event, nil
}

// Grant activates a role grant for a user. Only actors holding the admin
// grant may call it.
func (s *Service) Grant(ctx context.Context, actorID, userID int64, requested string) error {
	role, err := s.registry.Normalize(requested)
	if err != nil {
		return err
	}
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	if err := s.repo.UpsertGrant(ctx, userID, role, true, false); err != nil {
		return err
	}
	s.publishRolesUpdated(userID)
	return nil
}

// Revoke deactivates a role grant. The viewer grant is refused by the
// repository.
func (s *Service) Revoke(ctx context.Context, actorID, userID int64, requested string) error {
	role, err := s.registry.Normalize(requested)
	if err != nil {
		return err
	}
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	if err := s.repo.RevokeGrant(ctx, userID, role); err != nil {
		return err
	}
	s.publishRolesUpdated(userID)
	return nil
}

// Reconcile recomputes the capability flags from the grant rows for one
// user. Admin only.
func (s *Service) Reconcile(ctx context.Context, actorID, userID int64) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	if err := s.repo.Reconcile(ctx, userID); err != nil {
		return err
	}
	s.publishRolesUpdated(userID)
	return nil
}

// ReconcileAll queues a flag/grant reconciliation across every user.
// Admin only. The work itself runs on the background worker.
func (s *Service) ReconcileAll(ctx context.Context, actorID int64) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	if s.reconcileAll == nil {
		return ErrReconcileQueueUnavailable
	}
	return s.reconcileAll(ctx)
}

// Changes lists the recent role switches for a user. Admin only.
func (s *Service) Changes(ctx context.Context, actorID, userID int64, limit int) ([]ChangeEvent, error) {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	return s.repo.ListChanges(ctx, userID, limit)
}

func (s *Service) requireAdmin(ctx context.Context, actorID int64) error {
	resolution, err := s.resolver.Resolve(ctx, actorID)
	if err != nil {
		return err
	}
	if !resolution.HasAdminGrant {
		return ErrAdminRequired
	}
	return nil
}

func (s *Service) publishRolesUpdated(userID int64) {
	s.bus.Publish(events.TopicRolesUpdated, events.RolesUpdated{
		UserID: userID,
		At:     s.now().UTC(),
	})
}

func roleStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, role := range roles {
		out[i] = string(role)
	}
	return out
}
