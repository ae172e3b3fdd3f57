// Package auth models the authenticated principal supplied by the
// fronting auth proxy. The orchestrator does not authenticate anyone
// itself; it trusts the identity headers set by the proxy and only
// enforces role gates on its own operations.
package auth

import (
	"context"
	"net/http"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

const (
	UserHeader = "X-Surge-User"
	OrgHeader  = "X-Surge-Org"
	RoleHeader = "X-Surge-Role"
)

// Principal represents an authenticated entity: a user name, the
// organisation it belongs to and its role within that organisation.
type Principal struct {
	Name  string
	OrgID string
	Role  Role
}

// CanManageExecutions reports whether the principal may start or abort
// executions.
func (p Principal) CanManageExecutions() bool {
	return p.Role == RoleAdmin || p.Role == RoleOperator
}

// IsAdmin reports whether the principal may use the admin surface, e.g.
// the kill switch.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// anonymous is used when the proxy supplied no identity headers.
var anonymous = Principal{Name: "anonymous", Role: RoleViewer}

// FromRequest extracts the principal from the identity headers of an
// incoming request.
func FromRequest(r *http.Request) Principal {
	name := r.Header.Get(UserHeader)
	if name == "" {
		return anonymous
	}
	role := Role(r.Header.Get(RoleHeader))
	switch role {
	case RoleAdmin, RoleOperator, RoleViewer:
	default:
		role = RoleViewer
	}
	return Principal{
		Name:  name,
		OrgID: r.Header.Get(OrgHeader),
		Role:  role,
	}
}

type principalKey struct{}

// WithPrincipal returns a context carrying the given principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal returns the principal stored in the context, or the
// anonymous principal if there is none.
func GetPrincipal(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok {
		return p
	}
	return anonymous
}
