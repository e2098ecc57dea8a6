package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/admarket/admarket/internal/platform/db"
)

var (
	// ErrUserNotFound indicates the referenced user does not exist.
	ErrUserNotFound = errors.New("roles: user not found")
	// ErrViewerRevoked is returned when a caller tries to revoke the
	// viewer grant, which every account keeps.
	ErrViewerRevoked = errors.New("roles: viewer grant cannot be revoked")
)

// Repository is the persistence port for role grants and the current-role
// field. Grants are the source of truth; the boolean capability columns
// on users are a projection kept in lockstep inside each mutation's
// transaction.
type Repository interface {
	GrantsFor(ctx context.Context, userID int64) ([]Grant, error)
	UpsertGrant(ctx context.Context, userID int64, role Role, active, isTestGrant bool) error
	RevokeGrant(ctx context.Context, userID int64, role Role) error
	CurrentRole(ctx context.Context, userID int64) (string, error)
	SetCurrentRole(ctx context.Context, userID int64, role Role) error
	RecordChange(ctx context.Context, event ChangeEvent) error
	ListChanges(ctx context.Context, userID int64, limit int) ([]ChangeEvent, error)
	Reconcile(ctx context.Context, userID int64) error
}

// flagColumns whitelists the capability projection column per role. The
// role value never reaches SQL directly.
var flagColumns = map[Role]string{
	RoleViewer:      "can_viewer",
	RoleAdvertiser:  "can_advertiser",
	RolePublisher:   "can_publisher",
	RoleAdmin:       "can_admin",
	RoleStakeholder: "can_stakeholder",
	RoleDeveloper:   "can_developer",
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// GrantsFor returns every grant row for the user, active or not.
func (r *PGRepository) GrantsFor(ctx context.Context, userID int64) ([]Grant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, role, active, is_test_grant, created_at, updated_at
		FROM role_grants
		WHERE user_id = $1
		ORDER BY role`, userID)
	if err != nil {
		return nil, fmt.Errorf("roles: list grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		var role string
		if err := rows.Scan(&g.UserID, &role, &g.Active, &g.IsTestGrant, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("roles: scan grant: %w", err)
		}
		g.Role = Role(role)
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roles: iterate grants: %w", err)
	}
	return grants, nil
}

// UpsertGrant writes a grant keyed by (user_id, role) and projects the
// matching capability flag in the same transaction. Repeating the call
// with the same arguments converges on a single row.
func (r *PGRepository) UpsertGrant(ctx context.Context, userID int64, role Role, active, isTestGrant bool) error {
	column, ok := flagColumns[role]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO role_grants (user_id, role, active, is_test_grant, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
			ON CONFLICT (user_id, role)
			DO UPDATE SET active = EXCLUDED.active, is_test_grant = EXCLUDED.is_test_grant, updated_at = now()`,
			userID, string(role), active, isTestGrant); err != nil {
			return fmt.Errorf("roles: upsert grant: %w", err)
		}
		// Flags mirror active non-test grants only.
		tag, err := tx.Exec(ctx,
			`UPDATE users SET `+column+` = $2, updated_at = now() WHERE id = $1`,
			userID, active && !isTestGrant)
		if err != nil {
			return fmt.Errorf("roles: project flag: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// RevokeGrant deactivates a grant and clears the projected flag. Absent
// grants are a no-op; the viewer grant is refused.
func (r *PGRepository) RevokeGrant(ctx context.Context, userID int64, role Role) error {
	if role == RoleViewer {
		return ErrViewerRevoked
	}
	column, ok := flagColumns[role]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE role_grants SET active = false, updated_at = now()
			WHERE user_id = $1 AND role = $2`, userID, string(role)); err != nil {
			return fmt.Errorf("roles: revoke grant: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE users SET `+column+` = false, updated_at = now() WHERE id = $1`,
			userID); err != nil {
			return fmt.Errorf("roles: project flag: %w", err)
		}
		return nil
	})
}

// CurrentRole returns the stored current_role value, unvalidated. The
// resolver decides whether it is still legitimate.
func (r *PGRepository) CurrentRole(ctx context.Context, userID int64) (string, error) {
	var current string
	err := r.pool.QueryRow(ctx,
		`SELECT "current_role" FROM users WHERE id = $1`, userID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("roles: current role: %w", err)
	}
	return current, nil
}

// SetCurrentRole overwrites the stored current role. Last writer wins;
// concurrent switches are tolerated by design.
func (r *PGRepository) SetCurrentRole(ctx context.Context, userID int64, role Role) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET "current_role" = $2, updated_at = now() WHERE id = $1`,
		userID, string(role))
	if err != nil {
		return fmt.Errorf("roles: set current role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// RecordChange appends a switch to the audit trail.
func (r *PGRepository) RecordChange(ctx context.Context, event ChangeEvent) error {
	available := make([]string, len(event.AvailableRoles))
	for i, role := range event.AvailableRoles {
		available[i] = string(role)
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO role_change_events (user_id, from_role, to_role, available_roles, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		event.UserID, string(event.From), string(event.To), available, event.At)
	if err != nil {
		return fmt.Errorf("roles: record change: %w", err)
	}
	return nil
}

// ListChanges returns the most recent switches for a user.
func (r *PGRepository) ListChanges(ctx context.Context, userID int64, limit int) ([]ChangeEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, from_role, to_role, available_roles, created_at
		FROM role_change_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("roles: list changes: %w", err)
	}
	defer rows.Close()

	var out []ChangeEvent
	for rows.Next() {
		var ev ChangeEvent
		var from, to string
		var available []string
		if err := rows.Scan(&ev.UserID, &from, &to, &available, &ev.At); err != nil {
			return nil, fmt.Errorf("roles: scan change: %w", err)
		}
		ev.From, ev.To = Role(from), Role(to)
		ev.AvailableRoles = make([]Role, len(available))
		for i, role := range available {
			ev.AvailableRoles[i] = Role(role)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roles: iterate changes: %w", err)
	}
	return out, nil
}

// Reconcile recomputes the capability flags from the grant rows. Grants
// win: this is the corrective pass for flag drift, not a substitute for
// the per-write projection. The viewer grant is re-asserted active.
func (r *PGRepository) Reconcile(ctx context.Context, userID int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO role_grants (user_id, role, active, is_test_grant, created_at, updated_at)
			VALUES ($1, $2, true, false, now(), now())
			ON CONFLICT (user_id, role)
			DO UPDATE SET active = true, is_test_grant = false, updated_at = now()`,
			userID, string(RoleViewer)); err != nil {
			return fmt.Errorf("roles: reassert viewer: %w", err)
		}
		for role, column := range flagColumns {
			tag, err := tx.Exec(ctx, `
				UPDATE users SET `+column+` = EXISTS (
					SELECT 1 FROM role_grants
					WHERE user_id = $1 AND role = $2 AND active AND NOT is_test_grant
				), updated_at = now()
				WHERE id = $1`, userID, string(role))
			if err != nil {
				return fmt.Errorf("roles: reconcile %s: %w", role, err)
			}
			if tag.RowsAffected() == 0 {
				return ErrUserNotFound
			}
		}
		return nil
	})
}

// UserIDs lists user ids for batch reconciliation.
func (r *PGRepository) UserIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("roles: list user ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("roles: scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roles: iterate user ids: %w", err)
	}
	return ids, nil
}

var _ Repository = (*PGRepository)(nil)
