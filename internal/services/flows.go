package services

import (
	"context"
	"strings"

	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/internal/validation"
	"nexflow-crm/backend/pkg/models"
)

// FlowService manages flows.
type FlowService struct {
	base
}

// FlowInput is the payload for creating a flow.
type FlowInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// FlowAccess is the result of a flow permission check.
type FlowAccess struct {
	FlowID         string   `json:"flow_id"`
	CanView        bool     `json:"can_view"`
	CanEdit        bool     `json:"can_edit"`
	VisibleStepIDs []string `json:"visible_step_ids"`
}

// List returns the flows the principal may open: every flow for admins,
// otherwise owned flows and flows with at least one visible step.
func (s *FlowService) List(ctx context.Context) ([]models.Flow, error) {
	return secure.Query(ctx, s.client, secure.QuerySpec[models.Flow]{
		Resource:       ResourceFlows,
		PerPrincipal:   true,
		ValidateTenant: true,
		Fetch: func(ctx context.Context, sess tenant.Session) ([]models.Flow, error) {
			flows, err := s.repo.ListFlows(ctx, sess.TenantID())
			if err != nil {
				return nil, err
			}
			if sess.Role().IsAdmin() {
				return flows, nil
			}
			steps, err := s.repo.ListStepsForTenant(ctx, sess.TenantID())
			if err != nil {
				return nil, err
			}
			withVisible := make(map[string]bool)
			for _, st := range visibleSteps(sess, steps) {
				withVisible[st.FlowID] = true
			}
			out := make([]models.Flow, 0, len(flows))
			for _, f := range flows {
				if withVisible[f.ID] || (f.OwnerID != nil && *f.OwnerID == sess.PrincipalID()) {
					out = append(out, f)
				}
			}
			return out, nil
		},
	})
}

// Get returns one flow.
func (s *FlowService) Get(ctx context.Context, id string) (models.Flow, error) {
	return secure.QueryOne(ctx, s.client, secure.OneSpec[models.Flow]{
		Resource:       ResourceFlow,
		Params:         []string{id},
		ValidateTenant: true,
		Fetch: func(ctx context.Context, sess tenant.Session) (models.Flow, error) {
			f, err := s.repo.GetFlow(ctx, sess.TenantID(), id)
			if err != nil {
				return models.Flow{}, err
			}
			return *f, nil
		},
	})
}

// CheckAccess reports what the principal may do with a flow. The tenant and
// role come from the session, never from the request.
func (s *FlowService) CheckAccess(ctx context.Context, flowID string) (FlowAccess, error) {
	sess, err := s.client.RequireSession(ctx)
	if err != nil {
		return FlowAccess{}, err
	}
	flow, err := s.repo.GetFlow(ctx, sess.TenantID(), flowID)
	if err != nil {
		return FlowAccess{}, err
	}
	if err := secure.CheckTenant(sess, ResourceFlow, *flow); err != nil {
		return FlowAccess{}, err
	}
	steps, err := s.repo.ListSteps(ctx, sess.TenantID(), flowID)
	if err != nil {
		return FlowAccess{}, err
	}
	visible := visibleSteps(sess, steps)
	ids := make([]string, len(visible))
	for i, st := range visible {
		ids[i] = st.ID
	}
	owner := flow.OwnerID != nil && *flow.OwnerID == sess.PrincipalID()
	return FlowAccess{
		FlowID:         flowID,
		CanView:        sess.Role().IsAdmin() || owner || len(visible) > 0,
		CanEdit:        sess.Role().CanManageFlows() || owner,
		VisibleStepIDs: ids,
	}, nil
}

// Create creates a flow owned by the principal.
func (s *FlowService) Create(ctx context.Context, in FlowInput) (*models.Flow, error) {
	return secure.Mutate(ctx, s.client, secure.MutationSpec[FlowInput, *models.Flow]{
		Name:           "create_flow",
		ValidateTenant: true,
		SuccessMessage: "Flow created",
		ErrorMessage:   "Could not create flow",
		Do: func(ctx context.Context, sess tenant.Session, in FlowInput) (*models.Flow, error) {
			if err := requireManager(sess); err != nil {
				return nil, err
			}
			if err := validation.Required("name", in.Name); err != nil {
				return nil, err
			}
			flow := &models.Flow{
				TenantID:    sess.TenantID(),
				OwnerID:     models.StringPtr(sess.PrincipalID()),
				Name:        strings.TrimSpace(in.Name),
				Description: in.Description,
				Category:    in.Category,
				Active:      true,
			}
			if err := s.repo.CreateFlow(ctx, flow); err != nil {
				return nil, err
			}
			return flow, nil
		},
	}, in)
}

type flowUpdate struct {
	id    string
	patch models.FlowPatch
}

// Update applies a partial update. The cached flow list is patched
// optimistically and restored if the write fails.
func (s *FlowService) Update(ctx context.Context, id string, patch models.FlowPatch) (*models.Flow, error) {
	return secure.Mutate(ctx, s.client, secure.MutationSpec[flowUpdate, *models.Flow]{
		Name:           "update_flow",
		ValidateTenant: true,
		SuccessMessage: "Flow updated",
		ErrorMessage:   "Could not update flow",
		Optimistic: func(sess tenant.Session, in flowUpdate) []secure.Patch {
			return []secure.Patch{
				secure.Optimistic(s.client.PrincipalKey(sess, ResourceFlows), func(flows []models.Flow) []models.Flow {
					out := make([]models.Flow, len(flows))
					for i, f := range flows {
						if f.ID == in.id {
							f = in.patch.Apply(f)
						}
						out[i] = f
					}
					return out
				}),
				secure.Optimistic(s.client.Key(sess, ResourceFlow, in.id), func(f models.Flow) models.Flow {
					return in.patch.Apply(f)
				}),
			}
		},
		Do: func(ctx context.Context, sess tenant.Session, in flowUpdate) (*models.Flow, error) {
			if err := requireManager(sess); err != nil {
				return nil, err
			}
			if in.patch.Name != nil {
				if err := validation.Required("name", *in.patch.Name); err != nil {
					return nil, err
				}
			}
			cur, err := s.repo.GetFlow(ctx, sess.TenantID(), in.id)
			if err != nil {
				return nil, err
			}
			next := in.patch.Apply(*cur)
			if err := s.repo.UpdateFlow(ctx, &next); err != nil {
				return nil, err
			}
			return &next, nil
		},
	}, flowUpdate{id: id, patch: patch})
}

// Delete removes a flow with its steps and cards.
func (s *FlowService) Delete(ctx context.Context, id string) error {
	_, err := secure.Mutate(ctx, s.client, secure.MutationSpec[string, struct{}]{
		Name:           "delete_flow",
		SuccessMessage: "Flow deleted",
		ErrorMessage:   "Could not delete flow",
		Optimistic: func(sess tenant.Session, id string) []secure.Patch {
			return []secure.Patch{
				secure.Optimistic(s.client.PrincipalKey(sess, ResourceFlows), func(flows []models.Flow) []models.Flow {
					out := make([]models.Flow, 0, len(flows))
					for _, f := range flows {
						if f.ID != id {
							out = append(out, f)
						}
					}
					return out
				}),
			}
		},
		Do: func(ctx context.Context, sess tenant.Session, id string) (struct{}, error) {
			if err := requireManager(sess); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, s.repo.DeleteFlow(ctx, sess.TenantID(), id)
		},
	}, id)
	return err
}
