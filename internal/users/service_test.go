package users

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/admarket/admarket/internal/roles"
	"github.com/admarket/admarket/internal/shared"
)

// rolesRepoStub backs the resolver with fixed grants per user.
type rolesRepoStub struct {
	admins map[int64]bool
}

func (s *rolesRepoStub) CurrentRole(ctx context.Context, userID int64) (string, error) {
	return "viewer", nil
}

func (s *rolesRepoStub) GrantsFor(ctx context.Context, userID int64) ([]roles.Grant, error) {
	out := []roles.Grant{{UserID: userID, Role: roles.RoleViewer, Active: true}}
	if s.admins[userID] {
		out = append(out, roles.Grant{UserID: userID, Role: roles.RoleAdmin, Active: true})
	}
	return out, nil
}

func (s *rolesRepoStub) UpsertGrant(ctx context.Context, userID int64, role roles.Role, active, isTestGrant bool) error {
	return nil
}
func (s *rolesRepoStub) RevokeGrant(ctx context.Context, userID int64, role roles.Role) error {
	return nil
}
func (s *rolesRepoStub) SetCurrentRole(ctx context.Context, userID int64, role roles.Role) error {
	return nil
}
func (s *rolesRepoStub) RecordChange(ctx context.Context, event roles.ChangeEvent) error { return nil }
func (s *rolesRepoStub) ListChanges(ctx context.Context, userID int64, limit int) ([]roles.ChangeEvent, error) {
	return nil, nil
}
func (s *rolesRepoStub) Reconcile(ctx context.Context, userID int64) error { return nil }

var _ roles.Repository = (*rolesRepoStub)(nil)

// memoryUsers is an in-memory RepositoryPort.
type memoryUsers struct {
	users  map[int64]User
	hashes map[int64]string
	byMail map[string]int64
	nextID int64
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{
		users:  make(map[int64]User),
		hashes: make(map[int64]string),
		byMail: make(map[string]int64),
	}
}

func (r *memoryUsers) ListUsers(ctx context.Context) ([]User, error) {
	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out, nil
}

func (r *memoryUsers) GetUser(ctx context.Context, id int64) (*User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &u, nil
}

func (r *memoryUsers) CreateUser(ctx context.Context, email, name, passwordHash string) (*User, error) {
	if _, exists := r.byMail[email]; exists {
		return nil, ErrDuplicateEmail
	}
	r.nextID++
	u := User{
		ID:          r.nextID,
		Email:       email,
		Name:        name,
		IsActive:    true,
		CurrentRole: string(roles.RoleViewer),
		CanViewer:   true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	r.users[u.ID] = u
	r.hashes[u.ID] = passwordHash
	r.byMail[email] = u.ID
	return &u, nil
}

var _ RepositoryPort = (*memoryUsers)(nil)

func newTestService(admins map[int64]bool, repo RepositoryPort) *Service {
	resolver := roles.NewResolver(roles.NewRegistry(), &rolesRepoStub{admins: admins}, nil)
	return NewService(repo, resolver)
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	svc := newTestService(map[int64]bool{}, newMemoryUsers())

	_, err := svc.CreateUser(context.Background(), 1, "new@admarket.test", "New User", "password123")
	require.ErrorIs(t, err, roles.ErrAdminRequired)
}

func TestCreateUserHashesAndSeedsViewer(t *testing.T) {
	repo := newMemoryUsers()
	svc := newTestService(map[int64]bool{1: true}, repo)

	user, err := svc.CreateUser(context.Background(), 1, " New@AdMarket.test ", "New User", "password123")
	require.NoError(t, err)
	require.Equal(t, "new@admarket.test", user.Email)
	require.True(t, user.CanViewer)
	require.Equal(t, "viewer", user.CurrentRole)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(repo.hashes[user.ID]), []byte("password123")))
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	repo := newMemoryUsers()
	svc := newTestService(map[int64]bool{1: true}, repo)

	_, err := svc.CreateUser(context.Background(), 1, "dup@admarket.test", "First", "password123")
	require.NoError(t, err)
	_, err = svc.CreateUser(context.Background(), 1, "dup@admarket.test", "Second", "password123")
	require.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestGetUserSelfOrAdmin(t *testing.T) {
	repo := newMemoryUsers()
	created, err := repo.CreateUser(context.Background(), "a@admarket.test", "A", "hash")
	require.NoError(t, err)
	svc := newTestService(map[int64]bool{9: true}, repo)

	// Self read is allowed without admin.
	got, err := svc.GetUser(context.Background(), created.ID, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)

	// A stranger without the admin grant is refused.
	_, err = svc.GetUser(context.Background(), created.ID+100, created.ID)
	require.ErrorIs(t, err, roles.ErrAdminRequired)

	// The admin may read anyone.
	got, err = svc.GetUser(context.Background(), 9, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)
}

func TestListUsersRequiresAdmin(t *testing.T) {
	repo := newMemoryUsers()
	svc := newTestService(map[int64]bool{9: true}, repo)

	_, err := svc.ListUsers(context.Background(), 1)
	require.ErrorIs(t, err, roles.ErrAdminRequired)

	_, err = svc.ListUsers(context.Background(), 9)
	require.NoError(t, err)
}
