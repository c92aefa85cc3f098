package services

import (
	"context"
	"strings"

	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/internal/validation"
	"nexflow-crm/backend/pkg/models"
)

// ActivityService reads and writes the activity feed of a card.
type ActivityService struct {
	base
}

// List returns the activity feed of a card, newest first.
func (s *ActivityService) List(ctx context.Context, cardID string) ([]models.Activity, error) {
	return secure.Query(ctx, s.client, secure.QuerySpec[models.Activity]{
		Resource:       ResourceActivities,
		Params:         []string{cardID},
		ValidateTenant: true,
		Fetch: func(ctx context.Context, sess tenant.Session) ([]models.Activity, error) {
			return s.repo.ListActivities(ctx, sess.TenantID(), cardID)
		},
	})
}

// Comment adds a comment to a card's feed. It shows up in the cached feed
// before the write completes.
func (s *ActivityService) Comment(ctx context.Context, cardID, message string) (*models.Activity, error) {
	return secure.Mutate(ctx, s.client, secure.MutationSpec[string, *models.Activity]{
		Name:           "comment_card",
		ValidateTenant: true,
		ErrorMessage:   "Could not add comment",
		Optimistic: func(sess tenant.Session, message string) []secure.Patch {
			pending := models.Activity{
				TenantID:  sess.TenantID(),
				CardID:    cardID,
				ActorID:   sess.PrincipalID(),
				Kind:      models.ActivityComment,
				Message:   message,
				CreatedAt: s.now(),
			}
			return []secure.Patch{
				secure.Optimistic(s.client.Key(sess, ResourceActivities, cardID), func(acts []models.Activity) []models.Activity {
					return append([]models.Activity{pending}, acts...)
				}),
			}
		},
		Do: func(ctx context.Context, sess tenant.Session, message string) (*models.Activity, error) {
			if err := validation.Required("message", message); err != nil {
				return nil, err
			}
			if _, err := s.repo.GetCard(ctx, sess.TenantID(), cardID); err != nil {
				return nil, err
			}
			a := &models.Activity{
				TenantID: sess.TenantID(),
				CardID:   cardID,
				ActorID:  sess.PrincipalID(),
				Kind:     models.ActivityComment,
				Message:  strings.TrimSpace(message),
			}
			if err := s.repo.CreateActivity(ctx, a); err != nil {
				return nil, err
			}
			return a, nil
		},
	}, message)
}

// record writes an activity entry as part of another write.
func (s *ActivityService) record(ctx context.Context, tenantID, cardID, actorID string, kind models.ActivityKind, message string) error {
	return s.repo.CreateActivity(ctx, &models.Activity{
		TenantID: tenantID,
		CardID:   cardID,
		ActorID:  actorID,
		Kind:     kind,
		Message:  message,
	})
}
