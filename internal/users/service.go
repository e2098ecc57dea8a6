package users

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/admarket/admarket/internal/roles"
)

// Service handles user account business logic.
type Service struct {
	repo     RepositoryPort
	resolver *roles.Resolver
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, resolver *roles.Resolver) *Service {
	return &Service{repo: repo, resolver: resolver}
}

// ListUsers returns all users. Caller must hold the admin grant.
func (s *Service) ListUsers(ctx context.Context, actorID int64) ([]User, error) {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	return s.repo.ListUsers(ctx)
}

// GetUser fetches a single account. Users may read themselves; anything
// else needs the admin grant.
func (s *Service) GetUser(ctx context.Context, actorID, userID int64) (*User, error) {
	if actorID != userID {
		if err := s.requireAdmin(ctx, actorID); err != nil {
			return nil, err
		}
	}
	return s.repo.GetUser(ctx, userID)
}

// CreateUser registers an account with a hashed password and the seeded
// viewer grant. Admin only.
func (s *Service) CreateUser(ctx context.Context, actorID int64, email, name, password string) (*User, error) {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return s.repo.CreateUser(ctx, strings.ToLower(strings.TrimSpace(email)), strings.TrimSpace(name), string(hash))
}

func (s *Service) requireAdmin(ctx context.Context, actorID int64) error {
	resolution, err := s.resolver.Resolve(ctx, actorID)
	if err != nil {
		return err
	}
	if !resolution.HasAdminGrant {
		return roles.ErrAdminRequired
	}
	return nil
}
