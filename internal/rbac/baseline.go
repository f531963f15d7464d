package rbac

// PermissionProfileManage is granted to every role, even when the catalog is unreachable.
const PermissionProfileManage = "profile.manage"

var administrativeBaseline = []string{
	PermissionProfileManage,
	"dashboard.view",
	"users.view",
	"users.manage",
	"roles.manage",
	"permissions.view",
	"permissions.manage",
	"pages.view",
	"pages.manage",
	"products.view",
	"products.manage",
	"orders.view",
	"orders.manage",
	"media.manage",
	"settings.manage",
}

var editorBaseline = []string{
	PermissionProfileManage,
	"dashboard.view",
	"pages.view",
	"pages.manage",
	"products.view",
	"media.manage",
}

// Baseline returns the hardcoded permission set used when the catalog cannot
// be read. It is deliberately narrow for non-administrative roles.
func Baseline(role string) PermissionSet {
	switch {
	case IsAdministrative(role):
		return NewPermissionSet(administrativeBaseline...)
	case normalizeRole(role) == RoleEditor:
		return NewPermissionSet(editorBaseline...)
	default:
		return NewPermissionSet(PermissionProfileManage)
	}
}
