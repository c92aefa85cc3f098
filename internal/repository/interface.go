package repository

import (
	"context"
	"errors"

	"nexflow-crm/backend/pkg/models"
)

var (
	// ErrNotFound is returned when no row matches the id and tenant predicate.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("conflict")
)

// Every tenant-scoped method takes the tenant id explicitly and adds it as
// an equality predicate; nothing is scoped implicitly.

// TenantStore persists tenants and their licenses.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	CreateLicense(ctx context.Context, license *models.License) error
	GetLicense(ctx context.Context, tenantID string) (*models.License, error)
}

// UserStore persists principals and teams.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUser(ctx context.Context, tenantID, id string) (*models.User, error)
	ListUsers(ctx context.Context, tenantID string) ([]models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	ListTeams(ctx context.Context, tenantID string) ([]models.Team, error)
	CreateTeam(ctx context.Context, team *models.Team) error
	AddTeamMember(ctx context.Context, tenantID, teamID, userID string) error
	ListTeamIDsForUser(ctx context.Context, tenantID, userID string) ([]string, error)
	ListTeamMemberIDs(ctx context.Context, tenantID, teamID string) ([]string, error)
}

// FlowStore persists flows.
type FlowStore interface {
	ListFlows(ctx context.Context, tenantID string) ([]models.Flow, error)
	GetFlow(ctx context.Context, tenantID, id string) (*models.Flow, error)
	CreateFlow(ctx context.Context, flow *models.Flow) error
	UpdateFlow(ctx context.Context, flow *models.Flow) error
	DeleteFlow(ctx context.Context, tenantID, id string) error
}

// StepStore persists steps and their field definitions.
type StepStore interface {
	ListSteps(ctx context.Context, tenantID, flowID string) ([]models.Step, error)
	ListStepsForTenant(ctx context.Context, tenantID string) ([]models.Step, error)
	GetStep(ctx context.Context, tenantID, id string) (*models.Step, error)
	CreateStep(ctx context.Context, step *models.Step) error
	UpdateStep(ctx context.Context, step *models.Step) error
	DeleteStep(ctx context.Context, tenantID, id string) error
	SetStepPositions(ctx context.Context, tenantID, flowID string, orderedIDs []string) error

	ListFields(ctx context.Context, tenantID, stepID string) ([]models.StepField, error)
	ListFieldsForFlow(ctx context.Context, tenantID, flowID string) ([]models.StepField, error)
	GetField(ctx context.Context, tenantID, id string) (*models.StepField, error)
	CreateField(ctx context.Context, field *models.StepField) error
	UpdateField(ctx context.Context, field *models.StepField) error
	DeleteField(ctx context.Context, tenantID, id string) error
	SetFieldPositions(ctx context.Context, tenantID, stepID string, orderedIDs []string) error
}

// CardStore persists cards and their activity feed.
type CardStore interface {
	ListCards(ctx context.Context, tenantID, flowID string) ([]models.Card, error)
	GetCard(ctx context.Context, tenantID, id string) (*models.Card, error)
	CreateCard(ctx context.Context, card *models.Card) error
	UpdateCard(ctx context.Context, card *models.Card) error
	DeleteCard(ctx context.Context, tenantID, id string) error
	// CountCardsWithValue counts cards of the flow, other than excludeID,
	// whose field slug holds value.
	CountCardsWithValue(ctx context.Context, tenantID, flowID, slug string, value any, excludeID string) (int, error)

	ListActivities(ctx context.Context, tenantID, cardID string) ([]models.Activity, error)
	CreateActivity(ctx context.Context, activity *models.Activity) error
}

// InboxStore persists notifications.
type InboxStore interface {
	ListNotifications(ctx context.Context, tenantID, userID string) ([]models.Notification, error)
	CreateNotification(ctx context.Context, n *models.Notification) error
	SetNotificationRead(ctx context.Context, tenantID, userID, id string, read bool) (*models.Notification, error)
	MarkAllNotificationsRead(ctx context.Context, tenantID, userID string) (int, error)
}

// DirectoryStore persists contact forms and partners.
type DirectoryStore interface {
	ListForms(ctx context.Context, tenantID string) ([]models.Form, error)
	// GetFormPublic looks a form up by id alone. It is the one unscoped
	// lookup: public submissions derive their tenant from the form row.
	GetFormPublic(ctx context.Context, id string) (*models.Form, error)
	CreateForm(ctx context.Context, form *models.Form) error

	ListPartners(ctx context.Context, tenantID string) ([]models.Partner, error)
	GetPartner(ctx context.Context, tenantID, id string) (*models.Partner, error)
	CreatePartner(ctx context.Context, partner *models.Partner) error
	UpdatePartner(ctx context.Context, partner *models.Partner) error
	DeletePartner(ctx context.Context, tenantID, id string) error
}

// Repository is the complete row CRUD interface.
type Repository interface {
	TenantStore
	UserStore
	FlowStore
	StepStore
	CardStore
	InboxStore
	DirectoryStore
	Ping(ctx context.Context) error
}
