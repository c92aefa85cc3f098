// Package tenant holds the tenant context: the Session capability derived
// server-side from an identity token, and the Store that tracks which
// tenant a principal is currently acting in.
package tenant

import (
	"context"
	"errors"
	"slices"

	"nexflow-crm/backend/pkg/models"
)

// ErrNoTenant is returned when an operation needs a tenant and none is selected.
var ErrNoTenant = errors.New("no tenant selected")

// Session is the capability every tenant-scoped call runs under. Its fields
// are unexported so that only code which has verified the caller can build
// one.
type Session struct {
	tenantID    string
	principalID string
	role        models.Role
	teamIDs     []string
}

// NewSession builds a session for a principal whose tenant membership has
// already been verified.
func NewSession(tenantID, principalID string, role models.Role, teamIDs []string) Session {
	return Session{
		tenantID:    tenantID,
		principalID: principalID,
		role:        role,
		teamIDs:     slices.Clone(teamIDs),
	}
}

func (s Session) TenantID() string    { return s.tenantID }
func (s Session) PrincipalID() string { return s.principalID }
func (s Session) Role() models.Role   { return s.role }

// TeamIDs returns the teams the principal belongs to.
func (s Session) TeamIDs() []string { return slices.Clone(s.teamIDs) }

// InTeam reports whether the principal belongs to the given team.
func (s Session) InTeam(teamID string) bool {
	return slices.Contains(s.teamIDs, teamID)
}

// Valid reports whether the session names a tenant and a principal.
func (s Session) Valid() bool {
	return s.tenantID != "" && s.principalID != ""
}

// WithTenant returns a copy of the session acting in another tenant. Only
// super admins may do this; the caller must have checked the tenant exists.
func (s Session) WithTenant(tenantID string) (Session, error) {
	if s.role != models.RoleSuperAdmin {
		return Session{}, errors.New("tenant switch requires super_admin")
	}
	out := s
	out.tenantID = tenantID
	out.teamIDs = nil
	return out, nil
}

// Resolver yields the session an operation runs under.
type Resolver interface {
	Session(ctx context.Context) (Session, bool)
}

type sessionKey struct{}

// WithSession returns a context carrying the session.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session stored in ctx, if any.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	if !ok || !s.Valid() {
		return Session{}, false
	}
	return s, true
}

// ContextResolver resolves the session placed on the request context by the
// authentication middleware.
type ContextResolver struct{}

func (ContextResolver) Session(ctx context.Context) (Session, bool) {
	return FromContext(ctx)
}
