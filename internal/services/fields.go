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

// FieldService manages the field definitions of a step.
type FieldService struct {
	base
}

// FieldInput is the payload for creating a field. Slug defaults to the
// slugified label.
type FieldInput struct {
	Label       string           `json:"label"`
	Slug        string           `json:"slug"`
	Type        models.FieldType `json:"type"`
	Options     []string         `json:"options"`
	Required    bool             `json:"required"`
	Unique      bool             `json:"unique"`
	Placeholder string           `json:"placeholder"`
}

// List returns the fields of a step ordered by position.
func (s *FieldService) List(ctx context.Context, stepID string) ([]models.StepField, error) {
	return secure.Query(ctx, s.client, secure.QuerySpec[models.StepField]{
		Resource:       ResourceFields,
		Params:         []string{stepID},
		ValidateTenant: true,
		Fetch: func(ctx context.Context, sess tenant.Session) ([]models.StepField, error) {
			return s.repo.ListFields(ctx, sess.TenantID(), stepID)
		},
	})
}

func validateField(f models.StepField) error {
	var errs validation.Errors
	if strings.TrimSpace(f.Label) == "" {
		errs.Add("label", "is required")
	}
	if f.Slug == "" {
		errs.Add("slug", "could not be derived from the label")
	}
	if !f.Type.Valid() {
		errs.Add("type", "unknown field type %q", f.Type)
	}
	if (f.Type == models.FieldSelect || f.Type == models.FieldMultiSelect) && len(f.Options) == 0 {
		errs.Add("options", "select fields need at least one option")
	}
	return errs.Err()
}

// Create adds a field at the end of a step.
func (s *FieldService) Create(ctx context.Context, stepID string, in FieldInput) (*models.StepField, error) {
	return secure.Mutate(ctx, s.client, secure.MutationSpec[FieldInput, *models.StepField]{
		Name:           "create_field",
		ValidateTenant: true,
		SuccessMessage: "Field created",
		ErrorMessage:   "Could not create field",
		Do: func(ctx context.Context, sess tenant.Session, in FieldInput) (*models.StepField, error) {
			if err := requireManager(sess); err != nil {
				return nil, err
			}
			if _, err := s.repo.GetStep(ctx, sess.TenantID(), stepID); err != nil {
				return nil, err
			}
			slug := validation.Slugify(in.Slug)
			if slug == "" {
				slug = validation.Slugify(in.Label)
			}
			existing, err := s.repo.ListFields(ctx, sess.TenantID(), stepID)
			if err != nil {
				return nil, err
			}
			field := &models.StepField{
				TenantID:    sess.TenantID(),
				StepID:      stepID,
				Label:       strings.TrimSpace(in.Label),
				Slug:        slug,
				Type:        in.Type,
				Options:     in.Options,
				Position:    len(existing),
				Required:    in.Required,
				Unique:      in.Unique,
				Placeholder: in.Placeholder,
			}
			if err := validateField(*field); err != nil {
				return nil, err
			}
			for _, f := range existing {
				if f.Slug == slug {
					return nil, validation.Errors{{Field: "slug", Message: fmt.Sprintf("%q is already used in this step", slug)}}
				}
			}
			if err := s.repo.CreateField(ctx, field); err != nil {
				return nil, err
			}
			return field, nil
		},
	}, in)
}

type fieldUpdate struct {
	stepID, fieldID string
	patch           models.FieldPatch
}

// Update applies a partial update. The slug never changes.
func (s *FieldService) Update(ctx context.Context, stepID, fieldID string, patch models.FieldPatch) (*models.StepField, error) {
	return secure.Mutate(ctx, s.client, secure.MutationSpec[fieldUpdate, *models.StepField]{
		Name:           "update_field",
		ValidateTenant: true,
		SuccessMessage: "Field updated",
		ErrorMessage:   "Could not update field",
		Optimistic: func(sess tenant.Session, in fieldUpdate) []secure.Patch {
			return []secure.Patch{
				secure.Optimistic(s.client.Key(sess, ResourceFields, in.stepID), func(fields []models.StepField) []models.StepField {
					out := make([]models.StepField, len(fields))
					for i, f := range fields {
						if f.ID == in.fieldID {
							f = in.patch.Apply(f)
						}
						out[i] = f
					}
					return out
				}),
			}
		},
		Do: func(ctx context.Context, sess tenant.Session, in fieldUpdate) (*models.StepField, error) {
			if err := requireManager(sess); err != nil {
				return nil, err
			}
			cur, err := s.repo.GetField(ctx, sess.TenantID(), in.fieldID)
			if err != nil {
				return nil, err
			}
			if cur.StepID != in.stepID {
				return nil, fmt.Errorf("field %s in step %s: %w", in.fieldID, in.stepID, repository.ErrNotFound)
			}
			next := in.patch.Apply(*cur)
			if err := validateField(next); err != nil {
				return nil, err
			}
			if err := s.repo.UpdateField(ctx, &next); err != nil {
				return nil, err
			}
			return &next, nil
		},
	}, fieldUpdate{stepID: stepID, fieldID: fieldID, patch: patch})
}

// Delete removes a field definition. Card values stored under its slug are kept.
func (s *FieldService) Delete(ctx context.Context, stepID, fieldID string) error {
	_, err := secure.Mutate(ctx, s.client, secure.MutationSpec[string, struct{}]{
		Name:           "delete_field",
		SuccessMessage: "Field deleted",
		ErrorMessage:   "Could not delete field",
		Optimistic: func(sess tenant.Session, fieldID string) []secure.Patch {
			return []secure.Patch{
				secure.Optimistic(s.client.Key(sess, ResourceFields, stepID), func(fields []models.StepField) []models.StepField {
					out := make([]models.StepField, 0, len(fields))
					for _, f := range fields {
						if f.ID != fieldID {
							out = append(out, f)
						}
					}
					return out
				}),
			}
		},
		Do: func(ctx context.Context, sess tenant.Session, fieldID string) (struct{}, error) {
			if err := requireManager(sess); err != nil {
				return struct{}{}, err
			}
			cur, err := s.repo.GetField(ctx, sess.TenantID(), fieldID)
			if err != nil {
				return struct{}{}, err
			}
			if cur.StepID != stepID {
				return struct{}{}, fmt.Errorf("field %s in step %s: %w", fieldID, stepID, repository.ErrNotFound)
			}
			return struct{}{}, s.repo.DeleteField(ctx, sess.TenantID(), fieldID)
		},
	}, fieldID)
	return err
}

// Reorder rewrites field positions to the order of orderedIDs.
func (s *FieldService) Reorder(ctx context.Context, stepID string, orderedIDs []string) error {
	_, err := secure.Mutate(ctx, s.client, secure.MutationSpec[[]string, struct{}]{
		Name:           "reorder_fields",
		SuccessMessage: "Fields reordered",
		ErrorMessage:   "Could not reorder fields",
		Optimistic: func(sess tenant.Session, ids []string) []secure.Patch {
			return []secure.Patch{
				secure.Optimistic(s.client.Key(sess, ResourceFields, stepID), func(fields []models.StepField) []models.StepField {
					if out, ok := reorder(fields, ids, fieldKey, setFieldPosition); ok {
						return out
					}
					return fields
				}),
			}
		},
		Do: func(ctx context.Context, sess tenant.Session, ids []string) (struct{}, error) {
			if err := requireManager(sess); err != nil {
				return struct{}{}, err
			}
			fields, err := s.repo.ListFields(ctx, sess.TenantID(), stepID)
			if err != nil {
				return struct{}{}, err
			}
			if _, ok := reorder(fields, ids, fieldKey, setFieldPosition); !ok {
				return struct{}{}, validation.Errors{{Field: "ids", Message: "must list every field of the step once"}}
			}
			return struct{}{}, s.repo.SetFieldPositions(ctx, sess.TenantID(), stepID, ids)
		},
	}, orderedIDs)
	return err
}
