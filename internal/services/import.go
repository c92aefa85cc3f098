package services

import (
	"context"
	"errors"
	"io"

	"nexflow-crm/backend/internal/importer"
	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/internal/validation"
	"nexflow-crm/backend/pkg/models"
)

// ImportService creates cards in bulk from CSV uploads.
type ImportService struct {
	base
	cards *CardService
}

// ImportResult reports the outcome of an import. Rows listed in Errors were
// skipped; every other row became a card.
type ImportResult struct {
	Created int                 `json:"created"`
	Errors  []importer.RowError `json:"errors"`
}

type importRequest struct {
	flowID  string
	stepID  string
	r       io.Reader
	mapping importer.Mapping
}

// Import reads r and creates one card per data row in stepID. Each row is
// validated like a single create; a failing row is reported and skipped.
func (s *ImportService) Import(ctx context.Context, flowID, stepID string, r io.Reader, mapping importer.Mapping) (*ImportResult, error) {
	return secure.Mutate(ctx, s.client, secure.MutationSpec[importRequest, *ImportResult]{
		Name:           "import_cards",
		SuccessMessage: "Import finished",
		ErrorMessage:   "Could not import cards",
		Do: func(ctx context.Context, sess tenant.Session, in importRequest) (*ImportResult, error) {
			step, err := s.stepInFlow(ctx, sess, in.flowID, in.stepID)
			if err != nil {
				return nil, err
			}
			if !canViewStep(sess, *step) {
				return nil, secure.Forbidden("step %s is not visible to the principal", step.ID)
			}
			rows, rowErrs, err := importer.Parse(in.r, in.mapping)
			if err != nil {
				return nil, validation.Errors{{Field: "file", Message: err.Error()}}
			}

			res := &ImportResult{Errors: rowErrs}
			for _, row := range rows {
				card, err := s.cards.prepare(ctx, sess.TenantID(), *step, CardInput{StepID: step.ID, FieldValues: row.Values}, sess.PrincipalID())
				if err == nil {
					err = s.repo.CreateCard(ctx, card)
				}
				if err != nil {
					var verrs validation.Errors
					if !errors.As(err, &verrs) && ctx.Err() != nil {
						return nil, ctx.Err()
					}
					res.Errors = append(res.Errors, importer.RowError{Line: row.Line, Message: err.Error()})
					continue
				}
				res.Created++
				s.logBestEffort("record activity", s.cards.activities.record(ctx, sess.TenantID(), card.ID, sess.PrincipalID(), models.ActivityImported, "Imported from CSV"))
			}
			s.logger.Info("csv import finished", "tenant_id", sess.TenantID(), "step_id", step.ID, "created", res.Created, "failed", len(res.Errors))
			return res, nil
		},
	}, importRequest{flowID: flowID, stepID: stepID, r: r, mapping: mapping})
}
