package auth

import "context"

// Principal is the already-authenticated caller the ledger trusts: who they
// are, which organization scopes every operation, and what their roles allow.
type Principal struct {
	UserID         string
	OrganizationID string
	Roles          []string
	Permissions    map[string]struct{}
}

// NewPrincipal constructs a principal with permissions resolved from roles.
func NewPrincipal(userID, organizationID string, roles []string) Principal {
	roles = dedupeRoles(roles)
	return Principal{
		UserID:         userID,
		OrganizationID: organizationID,
		Roles:          roles,
		Permissions:    PermissionsForRoles(roles),
	}
}

// HasPermission reports whether the principal can execute the action
// identified by key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
