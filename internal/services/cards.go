package services

import (
	"context"
	"fmt"
	"strings"

	"nexflow-crm/backend/internal/cache"
	"nexflow-crm/backend/internal/repository"
	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/internal/validation"
	"nexflow-crm/backend/pkg/models"
)

// positionGap is the distance between cards appended to a bucket.
const positionGap = 1000

// CardService manages cards and the per-flow board.
type CardService struct {
	base
	activities    *ActivityService
	notifications *NotificationService
}

// CardInput is the payload for creating a card.
type CardInput struct {
	StepID         string         `json:"step_id"`
	Title          string         `json:"title"`
	FieldValues    map[string]any `json:"field_values"`
	Position       *float64       `json:"position,omitempty"`
	AssignedTo     string         `json:"assigned_to,omitempty"`
	AssignedTeamID string         `json:"assigned_team_id,omitempty"`
}

// Board returns the cards of a flow bucketed by the steps the principal may
// see.
func (s *CardService) Board(ctx context.Context, flowID string) (*models.Board, error) {
	return secure.QueryOne(ctx, s.client, secure.OneSpec[*models.Board]{
		Resource:       ResourceBoard,
		Params:         []string{flowID},
		PerPrincipal:   true,
		ValidateTenant: true,
		Fetch: func(ctx context.Context, sess tenant.Session) (*models.Board, error) {
			steps, err := s.repo.ListSteps(ctx, sess.TenantID(), flowID)
			if err != nil {
				return nil, err
			}
			visible := visibleSteps(sess, steps)
			stepIDs := make(map[string]bool, len(visible))
			for _, st := range visible {
				stepIDs[st.ID] = true
			}
			cards, err := s.repo.ListCards(ctx, sess.TenantID(), flowID)
			if err != nil {
				return nil, err
			}
			kept := cards[:0]
			for _, c := range cards {
				if stepIDs[c.StepID] {
					kept = append(kept, c)
				}
			}
			return models.NewBoard(sess.TenantID(), flowID, visible, kept), nil
		},
	})
}

// Get returns one card. Cards in steps the principal cannot see are not found.
func (s *CardService) Get(ctx context.Context, cardID string) (models.Card, error) {
	return secure.QueryOne(ctx, s.client, secure.OneSpec[models.Card]{
		Resource:       ResourceCard,
		Params:         []string{cardID},
		PerPrincipal:   true,
		ValidateTenant: true,
		Fetch: func(ctx context.Context, sess tenant.Session) (models.Card, error) {
			card, err := s.repo.GetCard(ctx, sess.TenantID(), cardID)
			if err != nil {
				return models.Card{}, err
			}
			step, err := s.repo.GetStep(ctx, sess.TenantID(), card.StepID)
			if err != nil {
				return models.Card{}, err
			}
			if !canViewStep(sess, *step) {
				return models.Card{}, fmt.Errorf("card %s: %w", cardID, repository.ErrNotFound)
			}
			return *card, nil
		},
	})
}

// Create validates the field values against the flow's field definitions
// and creates the card. Required fields are enforced for the target step.
func (s *CardService) Create(ctx context.Context, flowID string, in CardInput) (*models.Card, error) {
	return secure.Mutate(ctx, s.client, secure.MutationSpec[CardInput, *models.Card]{
		Name:           "create_card",
		ValidateTenant: true,
		SuccessMessage: "Card created",
		ErrorMessage:   "Could not create card",
		Do: func(ctx context.Context, sess tenant.Session, in CardInput) (*models.Card, error) {
			step, err := s.stepInFlow(ctx, sess, flowID, in.StepID)
			if err != nil {
				return nil, err
			}
			if !canViewStep(sess, *step) {
				return nil, secure.Forbidden("step %s is not visible to the principal", step.ID)
			}
			card, err := s.prepare(ctx, sess.TenantID(), *step, in, sess.PrincipalID())
			if err != nil {
				return nil, err
			}
			if err := s.repo.CreateCard(ctx, card); err != nil {
				return nil, err
			}
			s.afterCreate(ctx, sess.TenantID(), sess.PrincipalID(), card, models.ActivityCreated, "Card created")
			return card, nil
		},
	}, in)
}

// prepare builds a validated card row for step. It is shared by Create,
// contact-form submissions and CSV imports; none of them write anything
// when it fails.
func (s *CardService) prepare(ctx context.Context, tenantID string, step models.Step, in CardInput, actorID string) (*models.Card, error) {
	fields, err := s.repo.ListFieldsForFlow(ctx, tenantID, step.FlowID)
	if err != nil {
		return nil, err
	}
	for i := range fields {
		// Only the target step's required fields apply at creation.
		if fields[i].StepID != step.ID {
			fields[i].Required = false
		}
	}
	values, err := validation.CardValues(fields, in.FieldValues, false)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		if t, ok := values["title"].(string); ok {
			title = strings.TrimSpace(t)
		}
	}
	if title == "" {
		return nil, validation.Errors{{Field: "title", Message: "is required"}}
	}
	if err := s.checkUnique(ctx, tenantID, step.FlowID, "", fields, values); err != nil {
		return nil, err
	}

	position := 0.0
	if in.Position != nil {
		position = *in.Position
	} else {
		cards, err := s.repo.ListCards(ctx, tenantID, step.FlowID)
		if err != nil {
			return nil, err
		}
		for _, c := range cards {
			if c.StepID == step.ID && c.Position > position {
				position = c.Position
			}
		}
		position += positionGap
	}

	card := models.NormalizeAssignment(models.Card{
		TenantID:       tenantID,
		FlowID:         step.FlowID,
		StepID:         step.ID,
		Title:          title,
		FieldValues:    values,
		Position:       position,
		AssignedTo:     nonEmpty(in.AssignedTo),
		AssignedTeamID: nonEmpty(in.AssignedTeamID),
		Status:         statusForStep(step, models.CardActive),
		History:        []models.CardMovement{},
		CreatedBy:      actorID,
	})
	return &card, nil
}

// checkUnique rejects values of unique fields already used by another card
// of the flow.
func (s *CardService) checkUnique(ctx context.Context, tenantID, flowID, excludeID string, fields []models.StepField, values map[string]any) error {
	var errs validation.Errors
	for _, f := range fields {
		if !f.Unique {
			continue
		}
		v, ok := values[f.Slug]
		if !ok || v == nil {
			continue
		}
		n, err := s.repo.CountCardsWithValue(ctx, tenantID, flowID, f.Slug, v, excludeID)
		if err != nil {
			return err
		}
		if n > 0 {
			errs.Add(f.Slug, "%s %v is already used by another card", f.Label, v)
		}
	}
	return errs.Err()
}

type cardUpdate struct {
	cardID string
	flowID string // for the optimistic board patch; may be empty
	patch  models.CardPatch
}

// Update applies a partial update. Fields absent from patch keep their
// value. When both assignment fields are set the principal wins. The
// principal's board and card entries are patched optimistically and
// restored if the write fails.
func (s *CardService) Update(ctx context.Context, cardID string, patch models.CardPatch) (*models.Card, error) {
	in := cardUpdate{cardID: cardID, flowID: s.flowOf(ctx, cardID), patch: patch}
	return secure.Mutate(ctx, s.client, secure.MutationSpec[cardUpdate, *models.Card]{
		Name:           "update_card",
		ValidateTenant: true,
		SuccessMessage: "Card updated",
		ErrorMessage:   "Could not update card",
		Optimistic:     s.optimisticUpdate,
		Do:             s.doUpdate,
	}, in)
}

// Move places a card in stepID at position. This is the drag-and-drop
// reorder: the card leaves its old bucket and appears in the new one before
// the server confirms.
func (s *CardService) Move(ctx context.Context, cardID, stepID string, position float64) (*models.Card, error) {
	return s.Update(ctx, cardID, models.CardPatch{StepID: &stepID, Position: &position})
}

func (s *CardService) optimisticUpdate(sess tenant.Session, in cardUpdate) []secure.Patch {
	now := s.now()
	patches := []secure.Patch{
		secure.Optimistic(s.client.PrincipalKey(sess, ResourceCard, in.cardID), func(c models.Card) models.Card {
			return models.ApplyCardPatch(c, in.patch, sess.PrincipalID(), now)
		}),
	}
	if in.flowID != "" {
		patches = append(patches, secure.Optimistic(s.client.PrincipalKey(sess, ResourceBoard, in.flowID), func(b *models.Board) *models.Board {
			c, ok := b.Find(in.cardID)
			if !ok {
				return b
			}
			return b.Put(models.ApplyCardPatch(c, in.patch, sess.PrincipalID(), now))
		}))
	}
	return patches
}

func (s *CardService) doUpdate(ctx context.Context, sess tenant.Session, in cardUpdate) (*models.Card, error) {
	if in.patch.Empty() {
		return nil, validation.Errors{{Field: "patch", Message: "nothing to update"}}
	}
	cur, err := s.repo.GetCard(ctx, sess.TenantID(), in.cardID)
	if err != nil {
		return nil, err
	}
	from, err := s.repo.GetStep(ctx, sess.TenantID(), cur.StepID)
	if err != nil {
		return nil, err
	}
	if !canViewStep(sess, *from) {
		return nil, fmt.Errorf("card %s: %w", in.cardID, repository.ErrNotFound)
	}

	patch := in.patch
	if patch.StepID != nil && *patch.StepID != cur.StepID {
		to, err := s.stepInFlow(ctx, sess, cur.FlowID, *patch.StepID)
		if err != nil {
			return nil, err
		}
		if !canViewStep(sess, *to) {
			return nil, secure.Forbidden("step %s is not visible to the principal", to.ID)
		}
		if patch.Status == nil && to.Kind != from.Kind {
			st := statusForStep(*to, models.CardActive)
			patch.Status = &st
		}
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return nil, validation.Errors{{Field: "title", Message: "is required"}}
	}

	if len(patch.FieldValues) > 0 {
		fields, err := s.repo.ListFieldsForFlow(ctx, sess.TenantID(), cur.FlowID)
		if err != nil {
			return nil, err
		}
		stepID := cur.StepID
		if patch.StepID != nil {
			stepID = *patch.StepID
		}
		var cleared validation.Errors
		present := make(map[string]any, len(patch.FieldValues))
		for k, v := range patch.FieldValues {
			if v != nil {
				present[k] = v
				continue
			}
			// nil clears a value; the card's step may not lose a required one.
			for _, f := range fields {
				if f.Slug == k && f.StepID == stepID && f.Required {
					cleared.Add(f.Slug, "%s is required", f.Label)
				}
			}
		}
		if err := cleared.Err(); err != nil {
			return nil, err
		}
		normalized, err := validation.CardValues(fields, present, true)
		if err != nil {
			return nil, err
		}
		if err := s.checkUnique(ctx, sess.TenantID(), cur.FlowID, cur.ID, fields, normalized); err != nil {
			return nil, err
		}
		merged := make(map[string]any, len(patch.FieldValues))
		for k, v := range patch.FieldValues {
			merged[k] = v
		}
		for k, v := range normalized {
			merged[k] = v
		}
		patch.FieldValues = merged
	}

	next := models.ApplyCardPatch(*cur, patch, sess.PrincipalID(), s.now())
	if err := s.repo.UpdateCard(ctx, &next); err != nil {
		return nil, err
	}
	s.afterUpdate(ctx, sess, *cur, next, patch)
	return &next, nil
}

// Delete removes a card. It disappears from the principal's board at once
// and comes back if the delete fails.
func (s *CardService) Delete(ctx context.Context, cardID string) error {
	in := cardUpdate{cardID: cardID, flowID: s.flowOf(ctx, cardID)}
	_, err := secure.Mutate(ctx, s.client, secure.MutationSpec[cardUpdate, struct{}]{
		Name:           "delete_card",
		SuccessMessage: "Card deleted",
		ErrorMessage:   "Could not delete card",
		Optimistic: func(sess tenant.Session, in cardUpdate) []secure.Patch {
			if in.flowID == "" {
				return nil
			}
			return []secure.Patch{
				secure.Optimistic(s.client.PrincipalKey(sess, ResourceBoard, in.flowID), func(b *models.Board) *models.Board {
					return b.Remove(in.cardID)
				}),
			}
		},
		Do: func(ctx context.Context, sess tenant.Session, in cardUpdate) (struct{}, error) {
			cur, err := s.repo.GetCard(ctx, sess.TenantID(), in.cardID)
			if err != nil {
				return struct{}{}, err
			}
			step, err := s.repo.GetStep(ctx, sess.TenantID(), cur.StepID)
			if err != nil {
				return struct{}{}, err
			}
			if !canViewStep(sess, *step) {
				return struct{}{}, fmt.Errorf("card %s: %w", in.cardID, repository.ErrNotFound)
			}
			if !sess.Role().CanManageFlows() && cur.CreatedBy != sess.PrincipalID() {
				return struct{}{}, secure.Forbidden("only managers or the creator may delete a card")
			}
			return struct{}{}, s.repo.DeleteCard(ctx, sess.TenantID(), in.cardID)
		},
	}, in)
	return err
}

// flowOf finds the flow of a card so the optimistic patch can target the
// right board. Cached state is preferred; the row is read otherwise.
func (s *CardService) flowOf(ctx context.Context, cardID string) string {
	sess, ok := s.client.Session(ctx)
	if !ok {
		return ""
	}
	if c, ok := cache.Get[models.Card](s.client.Cache(), s.client.PrincipalKey(sess, ResourceCard, cardID)); ok {
		return c.FlowID
	}
	card, err := s.repo.GetCard(ctx, sess.TenantID(), cardID)
	if err != nil {
		return ""
	}
	return card.FlowID
}

func (s *CardService) afterCreate(ctx context.Context, tenantID, actorID string, card *models.Card, kind models.ActivityKind, message string) {
	s.logBestEffort("record activity", s.activities.record(ctx, tenantID, card.ID, actorID, kind, message))
	s.notifyAssignees(ctx, tenantID, actorID, *card)
}

func (s *CardService) afterUpdate(ctx context.Context, sess tenant.Session, before, after models.Card, patch models.CardPatch) {
	tenantID, actor := sess.TenantID(), sess.PrincipalID()
	if after.StepID != before.StepID {
		s.logBestEffort("record activity", s.activities.record(ctx, tenantID, after.ID, actor, models.ActivityMoved,
			fmt.Sprintf("Moved from step %s to step %s", before.StepID, after.StepID)))
	}
	if patch.AssignedTo != nil || patch.AssignedTeamID != nil {
		s.logBestEffort("record activity", s.activities.record(ctx, tenantID, after.ID, actor, models.ActivityAssigned, "Assignment changed"))
		if patch.SetsAssignment() {
			s.notifyAssignees(ctx, tenantID, actor, after)
		}
	}
	if patch.Title != nil || len(patch.FieldValues) > 0 || patch.Status != nil {
		s.logBestEffort("record activity", s.activities.record(ctx, tenantID, after.ID, actor, models.ActivityUpdated, "Card updated"))
	}
}

// notifyAssignees tells the assigned principal, or every member of the
// assigned team, about the card. The actor is never notified.
func (s *CardService) notifyAssignees(ctx context.Context, tenantID, actorID string, card models.Card) {
	var recipients []string
	switch {
	case card.AssignedTo != nil:
		recipients = []string{*card.AssignedTo}
	case card.AssignedTeamID != nil:
		ids, err := s.repo.ListTeamMemberIDs(ctx, tenantID, *card.AssignedTeamID)
		if err != nil {
			s.logBestEffort("list team members", err)
			return
		}
		recipients = ids
	}
	for _, userID := range recipients {
		if userID == actorID {
			continue
		}
		s.logBestEffort("notify assignee", s.notifications.notify(ctx, tenantID, userID,
			"Card assigned to you", card.Title, "/flows/"+card.FlowID+"/cards/"+card.ID))
	}
}

func statusForStep(step models.Step, fallback models.CardStatus) models.CardStatus {
	switch step.Kind {
	case models.StepFinisher:
		return models.CardCompleted
	case models.StepFail:
		return models.CardCanceled
	}
	return fallback
}
