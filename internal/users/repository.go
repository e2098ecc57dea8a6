package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/admarket/admarket/internal/platform/db"
	"github.com/admarket/admarket/internal/roles"
	"github.com/admarket/admarket/internal/shared"
)

// ErrDuplicateEmail indicates an account already exists for the email.
var ErrDuplicateEmail = errors.New("users: email already registered")

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	CreateUser(ctx context.Context, email, name, passwordHash string) (*User, error)
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, email, name, is_active, "current_role",
	can_viewer, can_advertiser, can_publisher, can_admin, can_stakeholder, can_developer,
	created_at, updated_at`

// ListUsers returns all users.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("users: list: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("users: iterate: %w", err)
	}
	return out, nil
}

// GetUser fetches a user by ID.
func (r *Repository) GetUser(ctx context.Context, id int64) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// CreateUser inserts an account and seeds the irrevocable viewer grant in
// the same transaction, so a freshly created user already resolves.
func (r *Repository) CreateUser(ctx context.Context, email, name, passwordHash string) (*User, error) {
	var user User
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO users (email, name, password_hash, is_active, "current_role", can_viewer, created_at, updated_at)
			VALUES ($1, $2, $3, true, $4, true, now(), now())
			RETURNING `+userColumns,
			email, name, passwordHash, string(roles.RoleViewer))
		scanned, err := scanUser(row)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateEmail
			}
			return fmt.Errorf("users: insert: %w", err)
		}
		user = scanned

		if _, err := tx.Exec(ctx, `
			INSERT INTO role_grants (user_id, role, active, is_test_grant, created_at, updated_at)
			VALUES ($1, $2, true, false, now(), now())
			ON CONFLICT (user_id, role) DO UPDATE SET active = true, updated_at = now()`,
			user.ID, string(roles.RoleViewer)); err != nil {
			return fmt.Errorf("users: seed viewer grant: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// isUniqueViolation reports whether err carries a Postgres
// unique_violation. The driver surfaces *pgconn.PgError from the pgx/v5
// module; matching any other PgError type would never fire.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var u User
	if err := row.Scan(
		&u.ID, &u.Email, &u.Name, &u.IsActive, &u.CurrentRole,
		&u.CanViewer, &u.CanAdvertiser, &u.CanPublisher, &u.CanAdmin, &u.CanStakeholder, &u.CanDeveloper,
		&u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return User{}, err
	}
	return u, nil
}

var _ RepositoryPort = (*Repository)(nil)
