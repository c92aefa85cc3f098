package models

import (
	"time"
)

// Flow represents a named Kanban-style pipeline composed of ordered steps.
type Flow struct {
	ID          string    `json:"id" db:"id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"` // Multi-tenancy isolation
	OwnerID     *string   `json:"owner_id,omitempty" db:"owner_id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	Category    string    `json:"category,omitempty" db:"category"`
	Active      bool      `json:"active" db:"active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

func (f Flow) TenantKey() string { return f.TenantID }

// FlowPatch carries the fields of a partial flow update. Nil fields are left untouched.
type FlowPatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Category    *string `json:"category,omitempty"`
	Active      *bool   `json:"active,omitempty"`
	OwnerID     *string `json:"owner_id,omitempty"` // "" clears the owner
}

// Apply returns a copy of f with the patch applied.
func (p FlowPatch) Apply(f Flow) Flow {
	if p.Name != nil {
		f.Name = *p.Name
	}
	if p.Description != nil {
		f.Description = *p.Description
	}
	if p.Category != nil {
		f.Category = *p.Category
	}
	if p.Active != nil {
		f.Active = *p.Active
	}
	if p.OwnerID != nil {
		if *p.OwnerID == "" {
			f.OwnerID = nil
		} else {
			f.OwnerID = StringPtr(*p.OwnerID)
		}
	}
	return f
}

// StepVisibility is the policy deciding which principals may see a step
type StepVisibility string

const (
	VisibilityCompany       StepVisibility = "company"
	VisibilityTeam          StepVisibility = "team"
	VisibilityUserExclusion StepVisibility = "user_exclusion"
)

// Valid reports whether v is a known visibility policy.
func (v StepVisibility) Valid() bool {
	switch v {
	case VisibilityCompany, VisibilityTeam, VisibilityUserExclusion:
		return true
	}
	return false
}

// StepKind marks terminal steps. Moving a card into a finisher or fail step
// closes it.
type StepKind string

const (
	StepStandard StepKind = "standard"
	StepFinisher StepKind = "finisher"
	StepFail     StepKind = "fail"
)

// Step is an ordered stage within a flow.
type Step struct {
	ID                string         `json:"id" db:"id"`
	TenantID          string         `json:"tenant_id" db:"tenant_id"`
	FlowID            string         `json:"flow_id" db:"flow_id"`
	Title             string         `json:"title" db:"title"`
	Color             string         `json:"color,omitempty" db:"color"`
	Position          int            `json:"position" db:"position"`
	Kind              StepKind       `json:"kind" db:"kind"`
	Visibility        StepVisibility `json:"visibility" db:"visibility"`
	AllowedTeamIDs    []string       `json:"allowed_team_ids" db:"allowed_team_ids"`
	ExcludedUserIDs   []string       `json:"excluded_user_ids" db:"excluded_user_ids"`
	ResponsibleUserID *string        `json:"responsible_user_id,omitempty" db:"responsible_user_id"`
	ResponsibleTeamID *string        `json:"responsible_team_id,omitempty" db:"responsible_team_id"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
}

func (s Step) TenantKey() string { return s.TenantID }

// Clone returns a deep copy of s.
func (s Step) Clone() Step {
	s.AllowedTeamIDs = cloneStrings(s.AllowedTeamIDs)
	s.ExcludedUserIDs = cloneStrings(s.ExcludedUserIDs)
	s.ResponsibleUserID = cloneStringPtr(s.ResponsibleUserID)
	s.ResponsibleTeamID = cloneStringPtr(s.ResponsibleTeamID)
	return s
}

// StepPatch carries the fields of a partial step update. Nil fields are left untouched.
type StepPatch struct {
	Title             *string         `json:"title,omitempty"`
	Color             *string         `json:"color,omitempty"`
	Kind              *StepKind       `json:"kind,omitempty"`
	Visibility        *StepVisibility `json:"visibility,omitempty"`
	AllowedTeamIDs    *[]string       `json:"allowed_team_ids,omitempty"`
	ExcludedUserIDs   *[]string       `json:"excluded_user_ids,omitempty"`
	ResponsibleUserID *string         `json:"responsible_user_id,omitempty"` // "" clears
	ResponsibleTeamID *string         `json:"responsible_team_id,omitempty"` // "" clears
}

// Apply returns a copy of s with the patch applied.
func (p StepPatch) Apply(s Step) Step {
	s = s.Clone()
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.Color != nil {
		s.Color = *p.Color
	}
	if p.Kind != nil {
		s.Kind = *p.Kind
	}
	if p.Visibility != nil {
		s.Visibility = *p.Visibility
	}
	if p.AllowedTeamIDs != nil {
		s.AllowedTeamIDs = cloneStrings(*p.AllowedTeamIDs)
	}
	if p.ExcludedUserIDs != nil {
		s.ExcludedUserIDs = cloneStrings(*p.ExcludedUserIDs)
	}
	if p.ResponsibleUserID != nil {
		s.ResponsibleUserID = optional(*p.ResponsibleUserID)
	}
	if p.ResponsibleTeamID != nil {
		s.ResponsibleTeamID = optional(*p.ResponsibleTeamID)
	}
	return s
}

// FieldType is the type of a step field definition
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldTextarea    FieldType = "textarea"
	FieldNumber      FieldType = "number"
	FieldCurrency    FieldType = "currency"
	FieldEmail       FieldType = "email"
	FieldPhone       FieldType = "phone"
	FieldDate        FieldType = "date"
	FieldSelect      FieldType = "select"
	FieldMultiSelect FieldType = "multiselect"
	FieldCheckbox    FieldType = "checkbox"
	FieldCPF         FieldType = "cpf"
	FieldCNPJ        FieldType = "cnpj"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldTextarea, FieldNumber, FieldCurrency, FieldEmail, FieldPhone,
		FieldDate, FieldSelect, FieldMultiSelect, FieldCheckbox, FieldCPF, FieldCNPJ:
		return true
	}
	return false
}

// StepField is a typed field definition scoped to a step.
type StepField struct {
	ID          string    `json:"id" db:"id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	StepID      string    `json:"step_id" db:"step_id"`
	Label       string    `json:"label" db:"label"`
	Slug        string    `json:"slug" db:"slug"`
	Type        FieldType `json:"type" db:"type"`
	Options     []string  `json:"options,omitempty" db:"options"`
	Position    int       `json:"position" db:"position"`
	Required    bool      `json:"required" db:"required"`
	Unique      bool      `json:"unique" db:"is_unique"`
	Placeholder string    `json:"placeholder,omitempty" db:"placeholder"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

func (f StepField) TenantKey() string { return f.TenantID }

// FieldPatch carries the fields of a partial field update. Nil fields are left untouched.
type FieldPatch struct {
	Label       *string    `json:"label,omitempty"`
	Type        *FieldType `json:"type,omitempty"`
	Options     *[]string  `json:"options,omitempty"`
	Required    *bool      `json:"required,omitempty"`
	Unique      *bool      `json:"unique,omitempty"`
	Placeholder *string    `json:"placeholder,omitempty"`
}

// Apply returns a copy of f with the patch applied. The slug is stable once created.
func (p FieldPatch) Apply(f StepField) StepField {
	f.Options = cloneStrings(f.Options)
	if p.Label != nil {
		f.Label = *p.Label
	}
	if p.Type != nil {
		f.Type = *p.Type
	}
	if p.Options != nil {
		f.Options = cloneStrings(*p.Options)
	}
	if p.Required != nil {
		f.Required = *p.Required
	}
	if p.Unique != nil {
		f.Unique = *p.Unique
	}
	if p.Placeholder != nil {
		f.Placeholder = *p.Placeholder
	}
	return f
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return StringPtr(s)
}
