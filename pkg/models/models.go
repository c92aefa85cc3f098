// Package models defines the domain models for the Nexflow CRM service
package models

import (
	"time"
)

// TenantScoped is implemented by every persisted business record. The
// returned identifier is the tenant that owns the record.
type TenantScoped interface {
	TenantKey() string
}

// Role represents the authorization role of a principal inside its tenant
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleLeader     Role = "leader"
	RoleTeamAdmin  Role = "team_admin"
	RoleMember     Role = "member"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleLeader, RoleTeamAdmin, RoleMember:
		return true
	}
	return false
}

// IsAdmin reports whether the role has tenant-wide administrative rights.
func (r Role) IsAdmin() bool {
	return r == RoleSuperAdmin || r == RoleAdmin
}

// CanManageFlows reports whether the role may create, edit or delete flows and steps.
func (r Role) CanManageFlows() bool {
	return r.IsAdmin() || r == RoleLeader
}

// User represents an authenticated principal belonging to exactly one tenant
type User struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	Role      Role      `json:"role" db:"role"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (u User) TenantKey() string { return u.TenantID }

// Team groups principals of a tenant. Steps and cards may be restricted to
// or assigned to a team.
type Team struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Name      string    `json:"name" db:"name"`
	LeaderID  *string   `json:"leader_id,omitempty" db:"leader_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (t Team) TenantKey() string { return t.TenantID }

// License is the subscription row created when an account is provisioned
type License struct {
	ID        string     `json:"id" db:"id"`
	TenantID  string     `json:"tenant_id" db:"tenant_id"`
	Plan      string     `json:"plan" db:"plan"`
	Seats     int        `json:"seats" db:"seats"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

func (l License) TenantKey() string { return l.TenantID }

// Activity is an entry in a card's activity feed
type Activity struct {
	ID        string       `json:"id" db:"id"`
	TenantID  string       `json:"tenant_id" db:"tenant_id"`
	CardID    string       `json:"card_id" db:"card_id"`
	ActorID   string       `json:"actor_id" db:"actor_id"`
	Kind      ActivityKind `json:"kind" db:"kind"`
	Message   string       `json:"message" db:"message"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

func (a Activity) TenantKey() string { return a.TenantID }

// ActivityKind classifies an activity entry
type ActivityKind string

const (
	ActivityCreated  ActivityKind = "created"
	ActivityUpdated  ActivityKind = "updated"
	ActivityMoved    ActivityKind = "moved"
	ActivityAssigned ActivityKind = "assigned"
	ActivityImported ActivityKind = "imported"
	ActivityComment  ActivityKind = "comment"
)

// Notification is a message addressed to a single principal
type Notification struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Title     string    `json:"title" db:"title"`
	Body      string    `json:"body" db:"body"`
	Link      string    `json:"link,omitempty" db:"link"`
	Read      bool      `json:"read" db:"read"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (n Notification) TenantKey() string { return n.TenantID }

// Form is a public contact form that turns submissions into cards of a flow
type Form struct {
	ID        string            `json:"id" db:"id"`
	TenantID  string            `json:"tenant_id" db:"tenant_id"`
	FlowID    string            `json:"flow_id" db:"flow_id"`
	Name      string            `json:"name" db:"name"`
	Active    bool              `json:"active" db:"active"`
	FieldMap  map[string]string `json:"field_map" db:"field_map"` // input name -> step field slug
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

func (f Form) TenantKey() string { return f.TenantID }

// Partner is a business partner identified by a CPF or CNPJ document
type Partner struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Code      string    `json:"code" db:"code"`
	Name      string    `json:"name" db:"name"`
	Document  string    `json:"document" db:"document"`
	Email     string    `json:"email,omitempty" db:"email"`
	Phone     string    `json:"phone,omitempty" db:"phone"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (p Partner) TenantKey() string { return p.TenantID }

// PartnerPatch carries the fields of a partial partner update. Nil fields are left untouched.
type PartnerPatch struct {
	Code     *string `json:"code,omitempty"`
	Name     *string `json:"name,omitempty"`
	Document *string `json:"document,omitempty"`
	Email    *string `json:"email,omitempty"`
	Phone    *string `json:"phone,omitempty"`
}

// Apply returns a copy of p with the patch applied.
func (pp PartnerPatch) Apply(p Partner) Partner {
	if pp.Code != nil {
		p.Code = *pp.Code
	}
	if pp.Name != nil {
		p.Name = *pp.Name
	}
	if pp.Document != nil {
		p.Document = *pp.Document
	}
	if pp.Email != nil {
		p.Email = *pp.Email
	}
	if pp.Phone != nil {
		p.Phone = *pp.Phone
	}
	return p
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
