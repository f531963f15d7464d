package rbac

import "time"

// Permission represents an atomic capability in the catalog.
type Permission struct {
	ID                 int64
	Name               string
	Description        string
	Category           string
	IsActive           bool
	IsSystemPermission bool
	SortOrder          int
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// Usable reports whether the permission may contribute to an effective set.
func (p Permission) Usable() bool {
	return p.IsActive && p.DeletedAt == nil && normalizeName(p.Name) != ""
}

// RolePermission ties a permission to a role name.
type RolePermission struct {
	Role         string
	PermissionID int64
	IsGranted    bool
	Permission   Permission
	CreatedAt    time.Time
	DeletedAt    *time.Time
}

// Contributes reports whether the row belongs in the role's effective set.
func (rp RolePermission) Contributes() bool {
	return rp.IsGranted && rp.DeletedAt == nil && rp.Permission.Usable()
}

// UserPermission is an additive per-user grant on top of the role set.
type UserPermission struct {
	UserID       int64
	PermissionID int64
	IsGranted    bool
	Reason       string
	ExpiresAt    *time.Time
	Permission   Permission
	GrantedBy    *int64
	CreatedAt    time.Time
}

// ValidAt reports whether the grant contributes to the effective set at now.
func (up UserPermission) ValidAt(now time.Time) bool {
	if !up.IsGranted || !up.Permission.Usable() {
		return false
	}
	return up.ExpiresAt == nil || up.ExpiresAt.After(now)
}

// Well-known roles.
const (
	RoleSuperAdmin = "superadmin"
	RoleAdmin      = "admin"
	RoleEditor     = "editor"
	RoleCustomer   = "customer"
)

// IsAdministrative reports whether the role name designates an administrator.
func IsAdministrative(role string) bool {
	switch normalizeRole(role) {
	case RoleSuperAdmin, RoleAdmin, "administrator":
		return true
	}
	return false
}
