package services

import (
	"context"
	"strings"

	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/internal/validation"
	"nexflow-crm/backend/pkg/models"
)

// StepService manages the steps of a flow.
type StepService struct {
	base
}

// StepInput is the payload for creating a step.
type StepInput struct {
	Title             string                `json:"title"`
	Color             string                `json:"color"`
	Kind              models.StepKind       `json:"kind"`
	Visibility        models.StepVisibility `json:"visibility"`
	AllowedTeamIDs    []string              `json:"allowed_team_ids"`
	ExcludedUserIDs   []string              `json:"excluded_user_ids"`
	ResponsibleUserID string                `json:"responsible_user_id"`
	ResponsibleTeamID string                `json:"responsible_team_id"`
}

// List returns the steps of a flow the principal may see, ordered by position.
func (s *StepService) List(ctx context.Context, flowID string) ([]models.Step, error) {
	return secure.Query(ctx, s.client, secure.QuerySpec[models.Step]{
		Resource:       ResourceSteps,
		Params:         []string{flowID},
		PerPrincipal:   true,
		ValidateTenant: true,
		Fetch: func(ctx context.Context, sess tenant.Session) ([]models.Step, error) {
			steps, err := s.repo.ListSteps(ctx, sess.TenantID(), flowID)
			if err != nil {
				return nil, err
			}
			return visibleSteps(sess, steps), nil
		},
	})
}

func validateStep(title string, kind models.StepKind, vis models.StepVisibility) error {
	var errs validation.Errors
	if strings.TrimSpace(title) == "" {
		errs.Add("title", "is required")
	}
	if !vis.Valid() {
		errs.Add("visibility", "unknown visibility %q", vis)
	}
	switch kind {
	case models.StepStandard, models.StepFinisher, models.StepFail:
	default:
		errs.Add("kind", "unknown kind %q", kind)
	}
	return errs.Err()
}

// Create appends a step to the end of a flow.
func (s *StepService) Create(ctx context.Context, flowID string, in StepInput) (*models.Step, error) {
	return secure.Mutate(ctx, s.client, secure.MutationSpec[StepInput, *models.Step]{
		Name:           "create_step",
		ValidateTenant: true,
		SuccessMessage: "Step created",
		ErrorMessage:   "Could not create step",
		Do: func(ctx context.Context, sess tenant.Session, in StepInput) (*models.Step, error) {
			if err := requireManager(sess); err != nil {
				return nil, err
			}
			if in.Kind == "" {
				in.Kind = models.StepStandard
			}
			if in.Visibility == "" {
				in.Visibility = models.VisibilityCompany
			}
			if err := validateStep(in.Title, in.Kind, in.Visibility); err != nil {
				return nil, err
			}
			if _, err := s.repo.GetFlow(ctx, sess.TenantID(), flowID); err != nil {
				return nil, err
			}
			existing, err := s.repo.ListSteps(ctx, sess.TenantID(), flowID)
			if err != nil {
				return nil, err
			}
			step := &models.Step{
				TenantID:          sess.TenantID(),
				FlowID:            flowID,
				Title:             strings.TrimSpace(in.Title),
				Color:             in.Color,
				Position:          len(existing),
				Kind:              in.Kind,
				Visibility:        in.Visibility,
				AllowedTeamIDs:    in.AllowedTeamIDs,
				ExcludedUserIDs:   in.ExcludedUserIDs,
				ResponsibleUserID: nonEmpty(in.ResponsibleUserID),
				ResponsibleTeamID: nonEmpty(in.ResponsibleTeamID),
			}
			if err := s.repo.CreateStep(ctx, step); err != nil {
				return nil, err
			}
			return step, nil
		},
	}, in)
}

type stepUpdate struct {
	flowID, stepID string
	patch          models.StepPatch
}

// Update applies a partial update to a step.
func (s *StepService) Update(ctx context.Context, flowID, stepID string, patch models.StepPatch) (*models.Step, error) {
	return secure.Mutate(ctx, s.client, secure.MutationSpec[stepUpdate, *models.Step]{
		Name:           "update_step",
		ValidateTenant: true,
		SuccessMessage: "Step updated",
		ErrorMessage:   "Could not update step",
		Optimistic: func(sess tenant.Session, in stepUpdate) []secure.Patch {
			return []secure.Patch{
				secure.Optimistic(s.client.PrincipalKey(sess, ResourceSteps, in.flowID), func(steps []models.Step) []models.Step {
					out := make([]models.Step, len(steps))
					for i, st := range steps {
						if st.ID == in.stepID {
							st = in.patch.Apply(st)
						}
						out[i] = st
					}
					return out
				}),
			}
		},
		Do: func(ctx context.Context, sess tenant.Session, in stepUpdate) (*models.Step, error) {
			if err := requireManager(sess); err != nil {
				return nil, err
			}
			cur, err := s.stepInFlow(ctx, sess, in.flowID, in.stepID)
			if err != nil {
				return nil, err
			}
			next := in.patch.Apply(*cur)
			if err := validateStep(next.Title, next.Kind, next.Visibility); err != nil {
				return nil, err
			}
			if err := s.repo.UpdateStep(ctx, &next); err != nil {
				return nil, err
			}
			return &next, nil
		},
	}, stepUpdate{flowID: flowID, stepID: stepID, patch: patch})
}

// Delete removes an empty step.
func (s *StepService) Delete(ctx context.Context, flowID, stepID string) error {
	_, err := secure.Mutate(ctx, s.client, secure.MutationSpec[string, struct{}]{
		Name:           "delete_step",
		SuccessMessage: "Step deleted",
		ErrorMessage:   "Could not delete step",
		Optimistic: func(sess tenant.Session, stepID string) []secure.Patch {
			return []secure.Patch{
				secure.Optimistic(s.client.PrincipalKey(sess, ResourceSteps, flowID), func(steps []models.Step) []models.Step {
					out := make([]models.Step, 0, len(steps))
					for _, st := range steps {
						if st.ID != stepID {
							out = append(out, st)
						}
					}
					return out
				}),
			}
		},
		Do: func(ctx context.Context, sess tenant.Session, stepID string) (struct{}, error) {
			if err := requireManager(sess); err != nil {
				return struct{}{}, err
			}
			if _, err := s.stepInFlow(ctx, sess, flowID, stepID); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, s.repo.DeleteStep(ctx, sess.TenantID(), stepID)
		},
	}, stepID)
	return err
}

// Reorder rewrites step positions to the order of orderedIDs, which must
// name every step of the flow exactly once.
func (s *StepService) Reorder(ctx context.Context, flowID string, orderedIDs []string) error {
	_, err := secure.Mutate(ctx, s.client, secure.MutationSpec[[]string, struct{}]{
		Name:           "reorder_steps",
		SuccessMessage: "Steps reordered",
		ErrorMessage:   "Could not reorder steps",
		Optimistic: func(sess tenant.Session, ids []string) []secure.Patch {
			return []secure.Patch{
				secure.Optimistic(s.client.PrincipalKey(sess, ResourceSteps, flowID), func(steps []models.Step) []models.Step {
					if out, ok := reorder(steps, ids, stepKey, setStepPosition); ok {
						return out
					}
					return steps
				}),
			}
		},
		Do: func(ctx context.Context, sess tenant.Session, ids []string) (struct{}, error) {
			if err := requireManager(sess); err != nil {
				return struct{}{}, err
			}
			steps, err := s.repo.ListSteps(ctx, sess.TenantID(), flowID)
			if err != nil {
				return struct{}{}, err
			}
			if _, ok := reorder(steps, ids, stepKey, setStepPosition); !ok {
				return struct{}{}, validation.Errors{{Field: "ids", Message: "must list every step of the flow once"}}
			}
			return struct{}{}, s.repo.SetStepPositions(ctx, sess.TenantID(), flowID, ids)
		},
	}, orderedIDs)
	return err
}

func stepKey(s models.Step) string { return s.ID }

func setStepPosition(s *models.Step, pos int) { s.Position = pos }

func fieldKey(f models.StepField) string { return f.ID }

func setFieldPosition(f *models.StepField, pos int) { f.Position = pos }

func nonEmpty(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return models.StringPtr(s)
}
