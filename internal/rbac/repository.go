package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-cms/internal/platform/db"
)

// Catalog is the read side consumed by the Resolver.
type Catalog interface {
	RolePermissionsFor(ctx context.Context, role string) ([]RolePermission, error)
	UserPermissionsFor(ctx context.Context, userID int64) ([]UserPermission, error)
}

// Repository is the full permission store used by the CRUD-side Service.
type Repository interface {
	Catalog
	ListPermissions(ctx context.Context) ([]Permission, error)
	GetPermission(ctx context.Context, id int64) (Permission, error)
	ListRoles(ctx context.Context) ([]string, error)
	SetRolePermission(ctx context.Context, role string, permissionID int64, granted bool) error
	GrantUserPermission(ctx context.Context, grant UserPermission) error
	RevokeUserPermission(ctx context.Context, userID, permissionID int64) error
	DeactivatePermission(ctx context.Context, id int64) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const permissionColumns = `p.id, p.name, p.description, p.category, p.is_active, p.is_system_permission, p.sort_order, p.created_at, p.updated_at, p.deleted_at`

func scanPermission(row pgx.Row, extra ...any) (Permission, error) {
	var p Permission
	dest := []any{&p.ID, &p.Name, &p.Description, &p.Category, &p.IsActive, &p.IsSystemPermission, &p.SortOrder, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return Permission{}, err
	}
	return p, nil
}

// RolePermissionsFor loads granted, non-deleted rows for the role joined to active permissions.
func (r *PGRepository) RolePermissionsFor(ctx context.Context, role string) ([]RolePermission, error) {
	const query = `SELECT ` + permissionColumns + `, rp.role, rp.is_granted, rp.created_at
FROM role_permissions rp
JOIN permissions p ON p.id = rp.permission_id
WHERE lower(rp.role) = lower($1)
  AND rp.is_granted
  AND rp.deleted_at IS NULL
  AND p.is_active
  AND p.deleted_at IS NULL`
	rows, err := r.pool.Query(ctx, query, role)
	if err != nil {
		return nil, fmt.Errorf("rbac: role permissions: %w", err)
	}
	defer rows.Close()

	var out []RolePermission
	for rows.Next() {
		var rp RolePermission
		perm, err := scanPermission(rows, &rp.Role, &rp.IsGranted, &rp.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("rbac: scan role permission: %w", err)
		}
		rp.Permission = perm
		rp.PermissionID = perm.ID
		out = append(out, rp)
	}
	return out, rows.Err()
}

// UserPermissionsFor loads every grant row for the user. Validity filtering
// happens in the resolver so cached rows expire precisely.
func (r *PGRepository) UserPermissionsFor(ctx context.Context, userID int64) ([]UserPermission, error) {
	const query = `SELECT ` + permissionColumns + `, up.user_id, up.is_granted, up.reason, up.expires_at, up.granted_by, up.created_at
FROM user_permissions up
JOIN permissions p ON p.id = up.permission_id
WHERE up.user_id = $1
  AND up.is_granted
  AND (up.expires_at IS NULL OR up.expires_at > now())
  AND p.is_active
  AND p.deleted_at IS NULL`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: user permissions: %w", err)
	}
	defer rows.Close()

	var out []UserPermission
	for rows.Next() {
		var up UserPermission
		perm, err := scanPermission(rows, &up.UserID, &up.IsGranted, &up.Reason, &up.ExpiresAt, &up.GrantedBy, &up.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("rbac: scan user permission: %w", err)
		}
		up.Permission = perm
		up.PermissionID = perm.ID
		out = append(out, up)
	}
	return out, rows.Err()
}

// ListPermissions returns the catalog ordered for presentation.
func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions p WHERE p.deleted_at IS NULL ORDER BY p.category, p.sort_order, p.name`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list permissions: %w", err)
	}
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPermission fetches a permission by ID.
func (r *PGRepository) GetPermission(ctx context.Context, id int64) (Permission, error) {
	p, err := scanPermission(r.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions p WHERE p.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, err
	}
	return p, nil
}

// ListRoles returns the distinct role names that have permission rows.
func (r *PGRepository) ListRoles(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT role FROM role_permissions WHERE deleted_at IS NULL ORDER BY role`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list roles: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// SetRolePermission upserts the role/permission pair. Revoking soft-deletes the row.
func (r *PGRepository) SetRolePermission(ctx context.Context, role string, permissionID int64, granted bool) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if granted {
			_, err := tx.Exec(ctx, `INSERT INTO role_permissions (role, permission_id, is_granted, created_at)
VALUES ($1, $2, TRUE, now())
ON CONFLICT (role, permission_id) DO UPDATE SET is_granted = TRUE, deleted_at = NULL`, role, permissionID)
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE role_permissions SET is_granted = FALSE, deleted_at = now() WHERE role = $1 AND permission_id = $2`, role, permissionID)
		return err
	})
}

// GrantUserPermission upserts a per-user grant.
func (r *PGRepository) GrantUserPermission(ctx context.Context, grant UserPermission) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO user_permissions (user_id, permission_id, is_granted, reason, expires_at, granted_by, created_at)
VALUES ($1, $2, TRUE, $3, $4, $5, now())
ON CONFLICT (user_id, permission_id) DO UPDATE SET is_granted = TRUE, reason = EXCLUDED.reason, expires_at = EXCLUDED.expires_at, granted_by = EXCLUDED.granted_by`,
		grant.UserID, grant.PermissionID, grant.Reason, grant.ExpiresAt, grant.GrantedBy)
	if err != nil {
		return fmt.Errorf("rbac: grant user permission: %w", err)
	}
	return nil
}

// RevokeUserPermission marks the grant as not granted.
func (r *PGRepository) RevokeUserPermission(ctx context.Context, userID, permissionID int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE user_permissions SET is_granted = FALSE WHERE user_id = $1 AND permission_id = $2`, userID, permissionID)
	if err != nil {
		return fmt.Errorf("rbac: revoke user permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivatePermission soft-deletes a non-system permission.
func (r *PGRepository) DeactivatePermission(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE permissions SET is_active = FALSE, deleted_at = $2, updated_at = $2 WHERE id = $1 AND NOT is_system_permission AND deleted_at IS NULL`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("rbac: deactivate permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Repository = (*PGRepository)(nil)
