package auth

import "strings"

// Built-in roles. The real RBAC policy lives in the upstream identity
// service; these mappings mirror the sets it grants so the ledger can be run
// and tested standalone.
const (
	RoleAdmin     = "admin"
	RoleClinician = "clinician"
	RoleViewer    = "viewer"
)

const (
	PermAuthorizationCreate = "authorization.create"
	PermAuthorizationRead   = "authorization.read"
	PermAuthorizationUpdate = "authorization.update"
	PermAuthorizationDelete = "authorization.delete"
	PermUnitsReserve        = "authorization.units.reserve"
	PermUnitsRelease        = "authorization.units.release"
	PermUnitsConsume        = "authorization.units.consume"
)

var rolePermissions = map[string][]string{
	RoleAdmin: {
		PermAuthorizationCreate,
		PermAuthorizationRead,
		PermAuthorizationUpdate,
		PermAuthorizationDelete,
		PermUnitsReserve,
		PermUnitsRelease,
		PermUnitsConsume,
	},
	RoleClinician: {
		PermAuthorizationRead,
		PermUnitsReserve,
		PermUnitsRelease,
		PermUnitsConsume,
	},
	RoleViewer: {
		PermAuthorizationRead,
	},
}

// KnownRole reports whether the role has a built-in permission mapping.
func KnownRole(role string) bool {
	_, ok := rolePermissions[strings.ToLower(strings.TrimSpace(role))]
	return ok
}

// PermissionsForRoles resolves the union of permissions granted by the given
// roles. Unknown roles grant nothing.
func PermissionsForRoles(roles []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, role := range dedupeRoles(roles) {
		for _, perm := range rolePermissions[role] {
			set[perm] = struct{}{}
		}
	}
	return set
}
