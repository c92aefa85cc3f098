package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nexflow-crm/backend/pkg/models"
)

// MemoryStore is an in-process Repository used in development mode and in
// tests. It applies the same tenant predicates as the Postgres store.
type MemoryStore struct {
	mu            sync.RWMutex
	tenants       map[string]models.Tenant
	licenses      map[string]models.License
	users         map[string]models.User
	teams         map[string]models.Team
	members       map[string]map[string]bool // team id -> user ids
	flows         map[string]models.Flow
	steps         map[string]models.Step
	fields        map[string]models.StepField
	cards         map[string]models.Card
	activities    map[string]models.Activity
	notifications map[string]models.Notification
	forms         map[string]models.Form
	partners      map[string]models.Partner
	now           func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:       make(map[string]models.Tenant),
		licenses:      make(map[string]models.License),
		users:         make(map[string]models.User),
		teams:         make(map[string]models.Team),
		members:       make(map[string]map[string]bool),
		flows:         make(map[string]models.Flow),
		steps:         make(map[string]models.Step),
		fields:        make(map[string]models.StepField),
		cards:         make(map[string]models.Card),
		activities:    make(map[string]models.Activity),
		notifications: make(map[string]models.Notification),
		forms:         make(map[string]models.Form),
		partners:      make(map[string]models.Partner),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

var _ Repository = (*MemoryStore)(nil)

func (s *MemoryStore) Ping(context.Context) error { return nil }

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

// --- tenants ---

func (s *MemoryStore) GetTenant(_ context.Context, id string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	return &t, nil
}

func (s *MemoryStore) GetTenantByDomain(_ context.Context, domain string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if strings.EqualFold(t.Domain, domain) {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("tenant with domain %s: %w", domain, ErrNotFound)
}

func (s *MemoryStore) CreateTenant(_ context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if tenant.Domain != "" && strings.EqualFold(t.Domain, tenant.Domain) {
			return fmt.Errorf("tenant domain %s: %w", tenant.Domain, ErrConflict)
		}
	}
	tenant.ID = newID(tenant.ID)
	tenant.CreatedAt, tenant.UpdatedAt = s.now(), s.now()
	s.tenants[tenant.ID] = *tenant
	return nil
}

func (s *MemoryStore) CreateLicense(_ context.Context, license *models.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[license.TenantID]; !ok {
		return fmt.Errorf("tenant %s: %w", license.TenantID, ErrNotFound)
	}
	license.ID = newID(license.ID)
	license.CreatedAt = s.now()
	s.licenses[license.ID] = *license
	return nil
}

func (s *MemoryStore) GetLicense(_ context.Context, tenantID string) (*models.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.licenses {
		if l.TenantID == tenantID {
			return &l, nil
		}
	}
	return nil, fmt.Errorf("license for tenant %s: %w", tenantID, ErrNotFound)
}

// --- users and teams ---

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
}

func (s *MemoryStore) GetUser(_ context.Context, tenantID, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok || u.TenantID != tenantID {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return &u, nil
}

func (s *MemoryStore) ListUsers(_ context.Context, tenantID string) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.User
	for _, u := range s.users {
		if u.TenantID == tenantID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, user.Email) {
			return fmt.Errorf("user %s: %w", user.Email, ErrConflict)
		}
	}
	user.ID = newID(user.ID)
	user.CreatedAt = s.now()
	s.users[user.ID] = *user
	return nil
}

func (s *MemoryStore) ListTeams(_ context.Context, tenantID string) ([]models.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Team
	for _, t := range s.teams {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) CreateTeam(_ context.Context, team *models.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	team.ID = newID(team.ID)
	team.CreatedAt = s.now()
	s.teams[team.ID] = *team
	return nil
}

func (s *MemoryStore) AddTeamMember(_ context.Context, tenantID, teamID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[teamID]
	if !ok || t.TenantID != tenantID {
		return fmt.Errorf("team %s: %w", teamID, ErrNotFound)
	}
	u, ok := s.users[userID]
	if !ok || u.TenantID != tenantID {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if s.members[teamID] == nil {
		s.members[teamID] = make(map[string]bool)
	}
	s.members[teamID][userID] = true
	return nil
}

func (s *MemoryStore) ListTeamIDsForUser(_ context.Context, tenantID, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for teamID, users := range s.members {
		if users[userID] && s.teams[teamID].TenantID == tenantID {
			out = append(out, teamID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ListTeamMemberIDs(_ context.Context, tenantID, teamID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.teams[teamID].TenantID != tenantID {
		return nil, nil
	}
	var out []string
	for userID := range s.members[teamID] {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out, nil
}

// --- flows ---

func (s *MemoryStore) ListFlows(_ context.Context, tenantID string) ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Flow
	for _, f := range s.flows {
		if f.TenantID == tenantID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetFlow(_ context.Context, tenantID, id string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok || f.TenantID != tenantID {
		return nil, fmt.Errorf("flow %s: %w", id, ErrNotFound)
	}
	return &f, nil
}

func (s *MemoryStore) CreateFlow(_ context.Context, flow *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	flow.ID = newID(flow.ID)
	flow.CreatedAt, flow.UpdatedAt = s.now(), s.now()
	s.flows[flow.ID] = *flow
	return nil
}

func (s *MemoryStore) UpdateFlow(_ context.Context, flow *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.flows[flow.ID]
	if !ok || cur.TenantID != flow.TenantID {
		return fmt.Errorf("flow %s: %w", flow.ID, ErrNotFound)
	}
	flow.CreatedAt = cur.CreatedAt
	flow.UpdatedAt = s.now()
	s.flows[flow.ID] = *flow
	return nil
}

func (s *MemoryStore) DeleteFlow(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok || f.TenantID != tenantID {
		return fmt.Errorf("flow %s: %w", id, ErrNotFound)
	}
	delete(s.flows, id)
	for sid, st := range s.steps {
		if st.FlowID == id {
			s.deleteStepLocked(sid)
		}
	}
	for cid, c := range s.cards {
		if c.FlowID == id {
			s.deleteCardLocked(cid)
		}
	}
	return nil
}

// --- steps and fields ---

func (s *MemoryStore) ListSteps(_ context.Context, tenantID, flowID string) ([]models.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Step
	for _, st := range s.steps {
		if st.TenantID == tenantID && st.FlowID == flowID {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MemoryStore) ListStepsForTenant(_ context.Context, tenantID string) ([]models.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Step
	for _, st := range s.steps {
		if st.TenantID == tenantID {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FlowID == out[j].FlowID {
			return out[i].Position < out[j].Position
		}
		return out[i].FlowID < out[j].FlowID
	})
	return out, nil
}

func (s *MemoryStore) GetStep(_ context.Context, tenantID, id string) (*models.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.steps[id]
	if !ok || st.TenantID != tenantID {
		return nil, fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	st = st.Clone()
	return &st, nil
}

func (s *MemoryStore) CreateStep(_ context.Context, step *models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[step.FlowID]
	if !ok || f.TenantID != step.TenantID {
		return fmt.Errorf("flow %s: %w", step.FlowID, ErrNotFound)
	}
	step.ID = newID(step.ID)
	step.CreatedAt = s.now()
	s.steps[step.ID] = step.Clone()
	return nil
}

func (s *MemoryStore) UpdateStep(_ context.Context, step *models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.steps[step.ID]
	if !ok || cur.TenantID != step.TenantID {
		return fmt.Errorf("step %s: %w", step.ID, ErrNotFound)
	}
	s.steps[step.ID] = step.Clone()
	return nil
}

func (s *MemoryStore) DeleteStep(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok || st.TenantID != tenantID {
		return fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	for _, c := range s.cards {
		if c.StepID == id {
			return fmt.Errorf("step %s still holds cards: %w", id, ErrConflict)
		}
	}
	s.deleteStepLocked(id)
	return nil
}

func (s *MemoryStore) deleteStepLocked(id string) {
	delete(s.steps, id)
	for fid, f := range s.fields {
		if f.StepID == id {
			delete(s.fields, fid)
		}
	}
}

func (s *MemoryStore) SetStepPositions(_ context.Context, tenantID, flowID string, orderedIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range orderedIDs {
		st, ok := s.steps[id]
		if !ok || st.TenantID != tenantID || st.FlowID != flowID {
			return fmt.Errorf("step %s: %w", id, ErrNotFound)
		}
	}
	for i, id := range orderedIDs {
		st := s.steps[id]
		st.Position = i
		s.steps[id] = st
	}
	return nil
}

func (s *MemoryStore) ListFields(_ context.Context, tenantID, stepID string) ([]models.StepField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.StepField
	for _, f := range s.fields {
		if f.TenantID == tenantID && f.StepID == stepID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MemoryStore) ListFieldsForFlow(_ context.Context, tenantID, flowID string) ([]models.StepField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.StepField
	for _, f := range s.fields {
		if f.TenantID == tenantID && s.steps[f.StepID].FlowID == flowID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepID == out[j].StepID {
			return out[i].Position < out[j].Position
		}
		return s.steps[out[i].StepID].Position < s.steps[out[j].StepID].Position
	})
	return out, nil
}

func (s *MemoryStore) GetField(_ context.Context, tenantID, id string) (*models.StepField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fields[id]
	if !ok || f.TenantID != tenantID {
		return nil, fmt.Errorf("field %s: %w", id, ErrNotFound)
	}
	return &f, nil
}

func (s *MemoryStore) CreateField(_ context.Context, field *models.StepField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[field.StepID]
	if !ok || st.TenantID != field.TenantID {
		return fmt.Errorf("step %s: %w", field.StepID, ErrNotFound)
	}
	for _, f := range s.fields {
		if f.StepID == field.StepID && f.Slug == field.Slug {
			return fmt.Errorf("field slug %s: %w", field.Slug, ErrConflict)
		}
	}
	field.ID = newID(field.ID)
	field.CreatedAt = s.now()
	s.fields[field.ID] = *field
	return nil
}

func (s *MemoryStore) UpdateField(_ context.Context, field *models.StepField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.fields[field.ID]
	if !ok || cur.TenantID != field.TenantID {
		return fmt.Errorf("field %s: %w", field.ID, ErrNotFound)
	}
	s.fields[field.ID] = *field
	return nil
}

func (s *MemoryStore) DeleteField(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fields[id]
	if !ok || f.TenantID != tenantID {
		return fmt.Errorf("field %s: %w", id, ErrNotFound)
	}
	delete(s.fields, id)
	return nil
}

func (s *MemoryStore) SetFieldPositions(_ context.Context, tenantID, stepID string, orderedIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range orderedIDs {
		f, ok := s.fields[id]
		if !ok || f.TenantID != tenantID || f.StepID != stepID {
			return fmt.Errorf("field %s: %w", id, ErrNotFound)
		}
	}
	for i, id := range orderedIDs {
		f := s.fields[id]
		f.Position = i
		s.fields[id] = f
	}
	return nil
}

// --- cards ---

func (s *MemoryStore) ListCards(_ context.Context, tenantID, flowID string) ([]models.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Card
	for _, c := range s.cards {
		if c.TenantID == tenantID && c.FlowID == flowID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MemoryStore) GetCard(_ context.Context, tenantID, id string) (*models.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[id]
	if !ok || c.TenantID != tenantID {
		return nil, fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	c = c.Clone()
	return &c, nil
}

func (s *MemoryStore) CreateCard(_ context.Context, card *models.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[card.StepID]
	if !ok || st.TenantID != card.TenantID || st.FlowID != card.FlowID {
		return fmt.Errorf("step %s: %w", card.StepID, ErrNotFound)
	}
	card.ID = newID(card.ID)
	card.CreatedAt, card.UpdatedAt = s.now(), s.now()
	*card = models.NormalizeAssignment(*card)
	s.cards[card.ID] = card.Clone()
	return nil
}

func (s *MemoryStore) UpdateCard(_ context.Context, card *models.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cards[card.ID]
	if !ok || cur.TenantID != card.TenantID {
		return fmt.Errorf("card %s: %w", card.ID, ErrNotFound)
	}
	st, ok := s.steps[card.StepID]
	if !ok || st.TenantID != card.TenantID || st.FlowID != cur.FlowID {
		return fmt.Errorf("step %s: %w", card.StepID, ErrNotFound)
	}
	card.FlowID = cur.FlowID
	card.CreatedAt = cur.CreatedAt
	card.UpdatedAt = s.now()
	*card = models.NormalizeAssignment(*card)
	s.cards[card.ID] = card.Clone()
	return nil
}

func (s *MemoryStore) DeleteCard(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[id]
	if !ok || c.TenantID != tenantID {
		return fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	s.deleteCardLocked(id)
	return nil
}

func (s *MemoryStore) deleteCardLocked(id string) {
	delete(s.cards, id)
	for aid, a := range s.activities {
		if a.CardID == id {
			delete(s.activities, aid)
		}
	}
}

func (s *MemoryStore) CountCardsWithValue(_ context.Context, tenantID, flowID, slug string, value any, excludeID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	want := fmt.Sprint(value)
	for _, c := range s.cards {
		if c.TenantID != tenantID || c.FlowID != flowID || c.ID == excludeID {
			continue
		}
		if v, ok := c.FieldValues[slug]; ok && fmt.Sprint(v) == want {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListActivities(_ context.Context, tenantID, cardID string) ([]models.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Activity
	for _, a := range s.activities {
		if a.TenantID == tenantID && a.CardID == cardID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateActivity(_ context.Context, activity *models.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	activity.ID = newID(activity.ID)
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = s.now()
	}
	s.activities[activity.ID] = *activity
	return nil
}

// --- notifications ---

func (s *MemoryStore) ListNotifications(_ context.Context, tenantID, userID string) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Notification
	for _, n := range s.notifications {
		if n.TenantID == tenantID && n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.ID = newID(n.ID)
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	s.notifications[n.ID] = *n
	return nil
}

func (s *MemoryStore) SetNotificationRead(_ context.Context, tenantID, userID, id string, read bool) (*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.TenantID != tenantID || n.UserID != userID {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	n.Read = read
	s.notifications[id] = n
	return &n, nil
}

func (s *MemoryStore) MarkAllNotificationsRead(_ context.Context, tenantID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, n := range s.notifications {
		if n.TenantID == tenantID && n.UserID == userID && !n.Read {
			n.Read = true
			s.notifications[id] = n
			count++
		}
	}
	return count, nil
}

// --- forms and partners ---

func (s *MemoryStore) ListForms(_ context.Context, tenantID string) ([]models.Form, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Form
	for _, f := range s.forms {
		if f.TenantID == tenantID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetFormPublic(_ context.Context, id string) (*models.Form, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.forms[id]
	if !ok {
		return nil, fmt.Errorf("form %s: %w", id, ErrNotFound)
	}
	return &f, nil
}

func (s *MemoryStore) CreateForm(_ context.Context, form *models.Form) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fl, ok := s.flows[form.FlowID]
	if !ok || fl.TenantID != form.TenantID {
		return fmt.Errorf("flow %s: %w", form.FlowID, ErrNotFound)
	}
	form.ID = newID(form.ID)
	form.CreatedAt = s.now()
	s.forms[form.ID] = *form
	return nil
}

func (s *MemoryStore) ListPartners(_ context.Context, tenantID string) ([]models.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Partner
	for _, p := range s.partners {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetPartner(_ context.Context, tenantID, id string) (*models.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partners[id]
	if !ok || p.TenantID != tenantID {
		return nil, fmt.Errorf("partner %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) CreatePartner(_ context.Context, partner *models.Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.partnerCodeFreeLocked(partner); err != nil {
		return err
	}
	partner.ID = newID(partner.ID)
	partner.CreatedAt, partner.UpdatedAt = s.now(), s.now()
	s.partners[partner.ID] = *partner
	return nil
}

func (s *MemoryStore) UpdatePartner(_ context.Context, partner *models.Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.partners[partner.ID]
	if !ok || cur.TenantID != partner.TenantID {
		return fmt.Errorf("partner %s: %w", partner.ID, ErrNotFound)
	}
	if err := s.partnerCodeFreeLocked(partner); err != nil {
		return err
	}
	partner.CreatedAt = cur.CreatedAt
	partner.UpdatedAt = s.now()
	s.partners[partner.ID] = *partner
	return nil
}

func (s *MemoryStore) partnerCodeFreeLocked(partner *models.Partner) error {
	for _, p := range s.partners {
		if p.ID != partner.ID && p.TenantID == partner.TenantID && p.Code == partner.Code {
			return fmt.Errorf("partner code %s: %w", partner.Code, ErrConflict)
		}
	}
	return nil
}

func (s *MemoryStore) DeletePartner(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partners[id]
	if !ok || p.TenantID != tenantID {
		return fmt.Errorf("partner %s: %w", id, ErrNotFound)
	}
	delete(s.partners, id)
	return nil
}
