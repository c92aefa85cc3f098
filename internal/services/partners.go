package services

import (
	"context"
	"strings"

	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/internal/validation"
	"nexflow-crm/backend/pkg/models"
)

// PartnerService manages business partners.
type PartnerService struct {
	base
}

// PartnerInput is the payload for creating a partner.
type PartnerInput struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Document string `json:"document"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
}

// List returns the tenant's partners.
func (s *PartnerService) List(ctx context.Context) ([]models.Partner, error) {
	return secure.Query(ctx, s.client, secure.QuerySpec[models.Partner]{
		Resource:       ResourcePartners,
		ValidateTenant: true,
		Fetch: func(ctx context.Context, sess tenant.Session) ([]models.Partner, error) {
			return s.repo.ListPartners(ctx, sess.TenantID())
		},
	})
}

// validatePartner checks and normalizes p. The code must not be used by
// another partner of the tenant.
func (s *PartnerService) validatePartner(ctx context.Context, p *models.Partner) error {
	p.Code = strings.TrimSpace(p.Code)
	p.Name = strings.TrimSpace(p.Name)
	p.Email = strings.TrimSpace(p.Email)

	var errs validation.Errors
	if p.Code == "" {
		errs.Add("code", "is required")
	}
	if p.Name == "" {
		errs.Add("name", "is required")
	}
	switch len(validation.OnlyDigits(p.Document)) {
	case 11:
		if !validation.ValidCPF(p.Document) {
			errs.Add("document", "is not a valid CPF")
		} else {
			p.Document = validation.FormatCPF(p.Document)
		}
	case 14:
		if !validation.ValidCNPJ(p.Document) {
			errs.Add("document", "is not a valid CNPJ")
		} else {
			p.Document = validation.FormatCNPJ(p.Document)
		}
	default:
		errs.Add("document", "must be a CPF or CNPJ")
	}
	if p.Email != "" && !validation.ValidEmail(p.Email) {
		errs.Add("email", "is not a valid e-mail")
	}
	if err := errs.Err(); err != nil {
		return err
	}

	existing, err := s.repo.ListPartners(ctx, p.TenantID)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID != p.ID && strings.EqualFold(other.Code, p.Code) {
			return validation.Errors{{Field: "code", Message: "is already used by another partner"}}
		}
	}
	return nil
}

// Create validates and creates a partner.
func (s *PartnerService) Create(ctx context.Context, in PartnerInput) (*models.Partner, error) {
	return secure.Mutate(ctx, s.client, secure.MutationSpec[PartnerInput, *models.Partner]{
		Name:           "create_partner",
		ValidateTenant: true,
		SuccessMessage: "Partner created",
		ErrorMessage:   "Could not create partner",
		Do: func(ctx context.Context, sess tenant.Session, in PartnerInput) (*models.Partner, error) {
			p := &models.Partner{
				TenantID: sess.TenantID(),
				Code:     in.Code,
				Name:     in.Name,
				Document: in.Document,
				Email:    in.Email,
				Phone:    in.Phone,
			}
			if err := s.validatePartner(ctx, p); err != nil {
				return nil, err
			}
			if err := s.repo.CreatePartner(ctx, p); err != nil {
				return nil, err
			}
			return p, nil
		},
	}, in)
}

type partnerUpdate struct {
	id    string
	patch models.PartnerPatch
}

// Update applies a partial update to a partner.
func (s *PartnerService) Update(ctx context.Context, id string, patch models.PartnerPatch) (*models.Partner, error) {
	return secure.Mutate(ctx, s.client, secure.MutationSpec[partnerUpdate, *models.Partner]{
		Name:           "update_partner",
		ValidateTenant: true,
		SuccessMessage: "Partner updated",
		ErrorMessage:   "Could not update partner",
		Optimistic: func(sess tenant.Session, in partnerUpdate) []secure.Patch {
			return []secure.Patch{
				secure.Optimistic(s.client.Key(sess, ResourcePartners), func(list []models.Partner) []models.Partner {
					out := make([]models.Partner, len(list))
					for i, p := range list {
						if p.ID == in.id {
							p = in.patch.Apply(p)
						}
						out[i] = p
					}
					return out
				}),
			}
		},
		Do: func(ctx context.Context, sess tenant.Session, in partnerUpdate) (*models.Partner, error) {
			cur, err := s.repo.GetPartner(ctx, sess.TenantID(), in.id)
			if err != nil {
				return nil, err
			}
			next := in.patch.Apply(*cur)
			if err := s.validatePartner(ctx, &next); err != nil {
				return nil, err
			}
			if err := s.repo.UpdatePartner(ctx, &next); err != nil {
				return nil, err
			}
			return &next, nil
		},
	}, partnerUpdate{id: id, patch: patch})
}

// Delete removes a partner.
func (s *PartnerService) Delete(ctx context.Context, id string) error {
	_, err := secure.Mutate(ctx, s.client, secure.MutationSpec[string, struct{}]{
		Name:           "delete_partner",
		SuccessMessage: "Partner deleted",
		ErrorMessage:   "Could not delete partner",
		Optimistic: func(sess tenant.Session, id string) []secure.Patch {
			return []secure.Patch{
				secure.Optimistic(s.client.Key(sess, ResourcePartners), func(list []models.Partner) []models.Partner {
					out := make([]models.Partner, 0, len(list))
					for _, p := range list {
						if p.ID != id {
							out = append(out, p)
						}
					}
					return out
				}),
			}
		},
		Do: func(ctx context.Context, sess tenant.Session, id string) (struct{}, error) {
			return struct{}{}, s.repo.DeletePartner(ctx, sess.TenantID(), id)
		},
	}, id)
	return err
}
