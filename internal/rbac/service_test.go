package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepository struct {
	*stubCatalog
	permissions map[int64]Permission
	roleNames   []string
	setCalls    []string
	granted     []UserPermission
	revoked     [][2]int64
	deactivated []int64
}

func newMockRepository() *mockRepository {
	return &mockRepository{stubCatalog: newStubCatalog(), permissions: make(map[int64]Permission)}
}

func (m *mockRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	out := make([]Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		out = append(out, p)
	}
	return out, nil
}

func (m *mockRepository) GetPermission(ctx context.Context, id int64) (Permission, error) {
	p, ok := m.permissions[id]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return p, nil
}

func (m *mockRepository) ListRoles(ctx context.Context) ([]string, error) {
	return m.roleNames, nil
}

func (m *mockRepository) SetRolePermission(ctx context.Context, role string, permissionID int64, granted bool) error {
	state := "revoke"
	if granted {
		state = "grant"
	}
	m.setCalls = append(m.setCalls, role+":"+state)
	return nil
}

func (m *mockRepository) GrantUserPermission(ctx context.Context, grant UserPermission) error {
	m.granted = append(m.granted, grant)
	return nil
}

func (m *mockRepository) RevokeUserPermission(ctx context.Context, userID, permissionID int64) error {
	m.revoked = append(m.revoked, [2]int64{userID, permissionID})
	return nil
}

func (m *mockRepository) DeactivatePermission(ctx context.Context, id int64) error {
	m.deactivated = append(m.deactivated, id)
	return nil
}

type recordingInvalidator struct {
	roles []string
	users []int64
}

func (r *recordingInvalidator) OnRolePermissionsChanged(ctx context.Context, role string) error {
	r.roles = append(r.roles, role)
	return nil
}

func (r *recordingInvalidator) OnUserPermissionsChanged(ctx context.Context, userID int64) error {
	r.users = append(r.users, userID)
	return nil
}

func TestSetRolePermissionsInvalidatesRole(t *testing.T) {
	repo := newMockRepository()
	repo.grantRole("editor", "pages.manage", "products.view")
	inv := &recordingInvalidator{}
	svc := NewService(repo, inv, nil)

	require.NoError(t, svc.SetRolePermissions(context.Background(), "editor", []int64{1, 3}))

	assert.ElementsMatch(t, []string{"editor:grant", "editor:revoke"}, repo.setCalls)
	assert.Equal(t, []string{"editor"}, inv.roles)
}

func TestSetRolePermissionsNoChangeSkipsInvalidation(t *testing.T) {
	repo := newMockRepository()
	repo.grantRole("editor", "pages.manage")
	inv := &recordingInvalidator{}
	svc := NewService(repo, inv, nil)

	require.NoError(t, svc.SetRolePermissions(context.Background(), "editor", []int64{1}))
	assert.Empty(t, inv.roles)
}

func TestSetRolePermissionsValidates(t *testing.T) {
	svc := NewService(newMockRepository(), nil, nil)
	require.ErrorIs(t, svc.SetRolePermissions(context.Background(), "  ", nil), ErrInvalidRole)
	require.ErrorIs(t, svc.SetRolePermissions(context.Background(), "editor", []int64{0}), ErrInvalidPermission)
}

func TestGrantAndRevokeUserPermissionInvalidateUser(t *testing.T) {
	repo := newMockRepository()
	repo.permissions[9] = Permission{ID: 9, Name: "jobs.manage", IsActive: true}
	inv := &recordingInvalidator{}
	svc := NewService(repo, inv, nil)
	ctx := context.Background()

	require.NoError(t, svc.GrantUserPermission(ctx, 42, 9, " temporary ", nil, nil))
	require.Len(t, repo.granted, 1)
	assert.Equal(t, "temporary", repo.granted[0].Reason)

	require.NoError(t, svc.RevokeUserPermission(ctx, 42, 9))
	assert.Equal(t, []int64{42, 42}, inv.users)

	require.ErrorIs(t, svc.GrantUserPermission(ctx, 42, 99, "", nil, nil), ErrNotFound)
}

func TestDeletePermissionRefusesSystemPermission(t *testing.T) {
	repo := newMockRepository()
	repo.permissions[1] = Permission{ID: 1, Name: "profile.manage", IsSystemPermission: true, IsActive: true}
	repo.permissions[2] = Permission{ID: 2, Name: "banners.manage", IsActive: true}
	repo.roleNames = []string{"admin", "editor"}
	inv := &recordingInvalidator{}
	svc := NewService(repo, inv, nil)
	ctx := context.Background()

	require.ErrorIs(t, svc.DeletePermission(ctx, 1), ErrSystemPermission)
	assert.Empty(t, repo.deactivated)

	require.NoError(t, svc.DeletePermission(ctx, 2))
	assert.Equal(t, []int64{2}, repo.deactivated)
	assert.Equal(t, []string{"admin", "editor"}, inv.roles)
}
