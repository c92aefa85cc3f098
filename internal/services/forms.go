package services

import (
	"context"
	"fmt"
	"strings"

	"nexflow-crm/backend/internal/repository"
	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/internal/validation"
	"nexflow-crm/backend/pkg/models"
)

// FormService manages public contact forms.
type FormService struct {
	base
	cards *CardService
}

// FormInput is the payload for creating a form. FieldMap maps submitted
// input names to field slugs of the flow.
type FormInput struct {
	FlowID   string            `json:"flow_id"`
	Name     string            `json:"name"`
	FieldMap map[string]string `json:"field_map"`
}

// List returns the tenant's forms.
func (s *FormService) List(ctx context.Context) ([]models.Form, error) {
	return secure.Query(ctx, s.client, secure.QuerySpec[models.Form]{
		Resource:       ResourceForms,
		ValidateTenant: true,
		Fetch: func(ctx context.Context, sess tenant.Session) ([]models.Form, error) {
			return s.repo.ListForms(ctx, sess.TenantID())
		},
	})
}

// Create creates an active form feeding a flow.
func (s *FormService) Create(ctx context.Context, in FormInput) (*models.Form, error) {
	return secure.Mutate(ctx, s.client, secure.MutationSpec[FormInput, *models.Form]{
		Name:           "create_form",
		ValidateTenant: true,
		SuccessMessage: "Form created",
		ErrorMessage:   "Could not create form",
		Do: func(ctx context.Context, sess tenant.Session, in FormInput) (*models.Form, error) {
			if err := requireManager(sess); err != nil {
				return nil, err
			}
			if err := validation.Required("name", in.Name); err != nil {
				return nil, err
			}
			if _, err := s.repo.GetFlow(ctx, sess.TenantID(), in.FlowID); err != nil {
				return nil, err
			}
			form := &models.Form{
				TenantID: sess.TenantID(),
				FlowID:   in.FlowID,
				Name:     strings.TrimSpace(in.Name),
				Active:   true,
				FieldMap: in.FieldMap,
			}
			if err := s.repo.CreateForm(ctx, form); err != nil {
				return nil, err
			}
			return form, nil
		},
	}, in)
}

// Submit turns a public submission into a card in the first step of the
// form's flow. There is no session: the tenant is taken from the form row,
// never from the submission.
func (s *FormService) Submit(ctx context.Context, formID string, values map[string]string) (*models.Card, error) {
	form, err := s.repo.GetFormPublic(ctx, formID)
	if err != nil {
		return nil, err
	}
	if !form.Active {
		return nil, fmt.Errorf("form %s: %w", formID, repository.ErrNotFound)
	}
	steps, err := s.repo.ListSteps(ctx, form.TenantID, form.FlowID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, validation.Errors{{Field: "form", Message: "the form's flow has no steps"}}
	}
	first := steps[0]
	if first.TenantID != form.TenantID {
		return nil, &secure.SecurityViolationError{Resource: ResourceSteps, ExpectedTenant: form.TenantID, FoundTenant: first.TenantID}
	}

	fieldValues := make(map[string]any, len(values))
	for input, v := range values {
		slug, ok := form.FieldMap[input]
		if !ok {
			continue
		}
		fieldValues[slug] = v
	}
	title := values["name"]
	if t, ok := fieldValues["title"].(string); ok && strings.TrimSpace(t) != "" {
		title = t
	}
	if strings.TrimSpace(title) == "" {
		title = form.Name + " submission"
	}

	actor := "form:" + form.ID
	card, err := s.cards.prepare(ctx, form.TenantID, first, CardInput{StepID: first.ID, Title: title, FieldValues: fieldValues}, actor)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateCard(ctx, card); err != nil {
		return nil, err
	}
	s.logBestEffort("record activity", s.cards.activities.record(ctx, form.TenantID, card.ID, actor, models.ActivityCreated, "Created from form "+form.Name))

	if flow, err := s.repo.GetFlow(ctx, form.TenantID, form.FlowID); err == nil && flow.OwnerID != nil {
		s.logBestEffort("notify flow owner", s.cards.notifications.notify(ctx, form.TenantID, *flow.OwnerID,
			"New form submission", card.Title, "/flows/"+card.FlowID+"/cards/"+card.ID))
	}
	n := s.client.Cache().InvalidateTenant(form.TenantID)
	s.logger.Info("form submission accepted", "form_id", form.ID, "tenant_id", form.TenantID, "card_id", card.ID, "invalidated", n)
	return card, nil
}
