package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates the user does not exist.
var ErrNotFound = errors.New("users: not found")

// Store is the read contract consumed by the session core.
type Store interface {
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserWithProfile(ctx context.Context, id int64) (*User, error)
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `u.id, u.email, u.username, u.display_name, u.role, u.is_active, u.locked_until, u.deleted_at, u.created_at, u.updated_at`

func scanUser(row pgx.Row, extra ...any) (*User, error) {
	var u User
	dest := append([]any{&u.ID, &u.Email, &u.Username, &u.DisplayName, &u.Role, &u.IsActive, &u.LockedUntil, &u.DeletedAt, &u.CreatedAt, &u.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByID loads a user without profile details.
func (r *Repository) GetUserByID(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("users: get %d: %w", id, err)
	}
	return u, nil
}

// GetUserByEmail loads a user by case-insensitive email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users u WHERE lower(u.email) = lower($1)`, email))
	if err != nil {
		return nil, fmt.Errorf("users: get by email: %w", err)
	}
	return u, nil
}

// GetUserWithProfile loads a user joined to the optional profile row.
func (r *Repository) GetUserWithProfile(ctx context.Context, id int64) (*User, error) {
	var first, last, avatar, locale *string
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+`, p.first_name, p.last_name, p.avatar_url, p.locale
FROM users u
LEFT JOIN user_profiles p ON p.user_id = u.id
WHERE u.id = $1`, id), &first, &last, &avatar, &locale)
	if err != nil {
		return nil, fmt.Errorf("users: get with profile %d: %w", id, err)
	}
	if first != nil || last != nil || avatar != nil || locale != nil {
		u.Profile = &Profile{FirstName: deref(first), LastName: deref(last), AvatarURL: deref(avatar), Locale: deref(locale)}
	}
	return u, nil
}

// ListUsers returns all non-deleted users.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users u WHERE u.deleted_at IS NULL ORDER BY u.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// SetActive toggles the active flag.
func (r *Repository) SetActive(ctx context.Context, id int64, active bool) error {
	return r.exec(ctx, `UPDATE users SET is_active = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id, active)
}

// LockUntil sets or clears the lockout.
func (r *Repository) LockUntil(ctx context.Context, id int64, until *time.Time) error {
	return r.exec(ctx, `UPDATE users SET locked_until = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id, until)
}

// UpdateProfile changes display name and role.
func (r *Repository) UpdateProfile(ctx context.Context, id int64, displayName, role string) error {
	return r.exec(ctx, `UPDATE users SET display_name = $2, role = $3, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id, displayName, role)
}

// SoftDelete marks the user as deleted and inactive.
func (r *Repository) SoftDelete(ctx context.Context, id int64) error {
	return r.exec(ctx, `UPDATE users SET deleted_at = now(), is_active = FALSE, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
}

func (r *Repository) exec(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ Store = (*Repository)(nil)
