package rbac

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrInvalidRole indicates an empty or malformed role name.
	ErrInvalidRole = errors.New("rbac: role name required")
	// ErrInvalidPermission indicates a missing permission reference.
	ErrInvalidPermission = errors.New("rbac: permission id required")
	// ErrSystemPermission is returned when deleting a system permission.
	ErrSystemPermission = errors.New("rbac: system permissions cannot be deleted")
)

// Invalidator receives notifications after permission data changes.
type Invalidator interface {
	OnRolePermissionsChanged(ctx context.Context, role string) error
	OnUserPermissionsChanged(ctx context.Context, userID int64) error
}

// Service orchestrates permission mutations and keeps caches in step.
type Service struct {
	repo        Repository
	invalidator Invalidator
	logger      *slog.Logger
}

// NewService constructs a Service. The invalidator may be nil in tools that
// do not run alongside any cache.
func NewService(repo Repository, invalidator Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, invalidator: invalidator, logger: logger}
}

// ListPermissions returns the permission catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// ListRoles returns the known role names.
func (s *Service) ListRoles(ctx context.Context) ([]string, error) {
	return s.repo.ListRoles(ctx)
}

// SetRolePermissions replaces the granted permissions of a role.
func (s *Service) SetRolePermissions(ctx context.Context, role string, permissionIDs []int64) error {
	role = strings.TrimSpace(role)
	if role == "" {
		return ErrInvalidRole
	}
	current, err := s.repo.RolePermissionsFor(ctx, role)
	if err != nil {
		return err
	}
	existing := make(map[int64]struct{}, len(current))
	for _, rp := range current {
		existing[rp.PermissionID] = struct{}{}
	}
	keep := make(map[int64]struct{}, len(permissionIDs))
	changed := false
	for _, id := range permissionIDs {
		if id <= 0 {
			return ErrInvalidPermission
		}
		keep[id] = struct{}{}
		if _, ok := existing[id]; !ok {
			if err := s.repo.SetRolePermission(ctx, role, id, true); err != nil {
				return err
			}
			changed = true
		}
	}
	for id := range existing {
		if _, ok := keep[id]; !ok {
			if err := s.repo.SetRolePermission(ctx, role, id, false); err != nil {
				return err
			}
			changed = true
		}
	}
	if !changed {
		return nil
	}
	s.notifyRole(ctx, role)
	return nil
}

// GrantUserPermission adds an individual grant, optionally expiring.
func (s *Service) GrantUserPermission(ctx context.Context, userID, permissionID int64, reason string, expiresAt *time.Time, grantedBy *int64) error {
	if permissionID <= 0 {
		return ErrInvalidPermission
	}
	if userID <= 0 {
		return ErrNotFound
	}
	if _, err := s.repo.GetPermission(ctx, permissionID); err != nil {
		return err
	}
	grant := UserPermission{
		UserID:       userID,
		PermissionID: permissionID,
		IsGranted:    true,
		Reason:       strings.TrimSpace(reason),
		ExpiresAt:    expiresAt,
		GrantedBy:    grantedBy,
	}
	if err := s.repo.GrantUserPermission(ctx, grant); err != nil {
		return err
	}
	s.notifyUser(ctx, userID)
	return nil
}

// RevokeUserPermission withdraws an individual grant.
func (s *Service) RevokeUserPermission(ctx context.Context, userID, permissionID int64) error {
	if err := s.repo.RevokeUserPermission(ctx, userID, permissionID); err != nil {
		return err
	}
	s.notifyUser(ctx, userID)
	return nil
}

// DeletePermission soft-deletes a permission. System permissions are refused.
// Every role may be affected, so each known role is invalidated.
func (s *Service) DeletePermission(ctx context.Context, id int64) error {
	perm, err := s.repo.GetPermission(ctx, id)
	if err != nil {
		return err
	}
	if perm.IsSystemPermission {
		return ErrSystemPermission
	}
	if err := s.repo.DeactivatePermission(ctx, id); err != nil {
		return err
	}
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		s.logger.Warn("list roles after permission delete", slog.Int64("permission_id", id), slog.Any("error", err))
		return nil
	}
	for _, role := range roles {
		s.notifyRole(ctx, role)
	}
	return nil
}

func (s *Service) notifyRole(ctx context.Context, role string) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.OnRolePermissionsChanged(ctx, role); err != nil {
		s.logger.Warn("invalidate role permissions", slog.String("role", role), slog.Any("error", err))
	}
}

func (s *Service) notifyUser(ctx context.Context, userID int64) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.OnUserPermissionsChanged(ctx, userID); err != nil {
		s.logger.Warn("invalidate user permissions", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}
