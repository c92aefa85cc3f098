package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"nexflow-crm/backend/pkg/models"
)

const flowColumns = "id::text, tenant_id::text, owner_id::text, name, description, category, active, created_at, updated_at"

func scanFlow(row pgx.Row) (models.Flow, error) {
	var f models.Flow
	err := row.Scan(&f.ID, &f.TenantID, &f.OwnerID, &f.Name, &f.Description, &f.Category, &f.Active, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

func (s *PostgresStore) ListFlows(ctx context.Context, tenantID string) ([]models.Flow, error) {
	rows, err := s.db.Query(ctx, "SELECT "+flowColumns+" FROM flows WHERE tenant_id = $1 ORDER BY created_at", tenantID)
	if err != nil {
		return nil, mapError(err, "flows")
	}
	return collect(rows, scanFlow)
}

func (s *PostgresStore) GetFlow(ctx context.Context, tenantID, id string) (*models.Flow, error) {
	f, err := scanFlow(s.db.QueryRow(ctx, "SELECT "+flowColumns+" FROM flows WHERE id = $1 AND tenant_id = $2", id, tenantID))
	if err != nil {
		return nil, mapError(err, "flow "+id)
	}
	return &f, nil
}

func (s *PostgresStore) CreateFlow(ctx context.Context, flow *models.Flow) error {
	flow.ID = newID(flow.ID)
	err := s.db.QueryRow(ctx,
		`INSERT INTO flows (id, tenant_id, owner_id, name, description, category, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at, updated_at`,
		flow.ID, flow.TenantID, flow.OwnerID, flow.Name, flow.Description, flow.Category, flow.Active,
	).Scan(&flow.CreatedAt, &flow.UpdatedAt)
	return mapError(err, "flow "+flow.Name)
}

func (s *PostgresStore) UpdateFlow(ctx context.Context, flow *models.Flow) error {
	err := s.db.QueryRow(ctx,
		`UPDATE flows SET owner_id = $3, name = $4, description = $5, category = $6, active = $7, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2 RETURNING created_at, updated_at`,
		flow.ID, flow.TenantID, flow.OwnerID, flow.Name, flow.Description, flow.Category, flow.Active,
	).Scan(&flow.CreatedAt, &flow.UpdatedAt)
	return mapError(err, "flow "+flow.ID)
}

func (s *PostgresStore) DeleteFlow(ctx context.Context, tenantID, id string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return mapError(err, "flow "+id)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Cards reference steps without cascade, so they go first.
	if _, err := tx.Exec(ctx, "DELETE FROM cards WHERE flow_id = $1 AND tenant_id = $2", id, tenantID); err != nil {
		return mapError(err, "flow "+id)
	}
	tag, err := tx.Exec(ctx, "DELETE FROM flows WHERE id = $1 AND tenant_id = $2", id, tenantID)
	if err := affected(tag, err, "flow "+id); err != nil {
		return err
	}
	return mapError(tx.Commit(ctx), "flow "+id)
}

const stepColumns = `id::text, tenant_id::text, flow_id::text, title, color, position, kind, visibility,
	allowed_team_ids, excluded_user_ids, responsible_user_id::text, responsible_team_id::text, created_at`

func scanStep(row pgx.Row) (models.Step, error) {
	var st models.Step
	err := row.Scan(&st.ID, &st.TenantID, &st.FlowID, &st.Title, &st.Color, &st.Position, &st.Kind, &st.Visibility,
		&st.AllowedTeamIDs, &st.ExcludedUserIDs, &st.ResponsibleUserID, &st.ResponsibleTeamID, &st.CreatedAt)
	return st, err
}

func (s *PostgresStore) ListSteps(ctx context.Context, tenantID, flowID string) ([]models.Step, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+stepColumns+" FROM steps WHERE tenant_id = $1 AND flow_id = $2 ORDER BY position", tenantID, flowID)
	if err != nil {
		return nil, mapError(err, "steps")
	}
	return collect(rows, scanStep)
}

func (s *PostgresStore) ListStepsForTenant(ctx context.Context, tenantID string) ([]models.Step, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+stepColumns+" FROM steps WHERE tenant_id = $1 ORDER BY flow_id, position", tenantID)
	if err != nil {
		return nil, mapError(err, "steps")
	}
	return collect(rows, scanStep)
}

func (s *PostgresStore) GetStep(ctx context.Context, tenantID, id string) (*models.Step, error) {
	st, err := scanStep(s.db.QueryRow(ctx, "SELECT "+stepColumns+" FROM steps WHERE id = $1 AND tenant_id = $2", id, tenantID))
	if err != nil {
		return nil, mapError(err, "step "+id)
	}
	return &st, nil
}

func (s *PostgresStore) CreateStep(ctx context.Context, step *models.Step) error {
	step.ID = newID(step.ID)
	// The flow must belong to the same tenant.
	err := s.db.QueryRow(ctx,
		`INSERT INTO steps (id, tenant_id, flow_id, title, color, position, kind, visibility,
		                    allowed_team_ids, excluded_user_ids, responsible_user_id, responsible_team_id)
		 SELECT $1, f.tenant_id, f.id, $4, $5, $6, $7, $8, $9, $10, $11, $12
		 FROM flows f WHERE f.id = $3 AND f.tenant_id = $2
		 RETURNING created_at`,
		step.ID, step.TenantID, step.FlowID, step.Title, step.Color, step.Position, string(step.Kind), string(step.Visibility),
		nonNil(step.AllowedTeamIDs), nonNil(step.ExcludedUserIDs), step.ResponsibleUserID, step.ResponsibleTeamID,
	).Scan(&step.CreatedAt)
	return mapError(err, "flow "+step.FlowID)
}

func (s *PostgresStore) UpdateStep(ctx context.Context, step *models.Step) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE steps SET title = $3, color = $4, position = $5, kind = $6, visibility = $7,
		        allowed_team_ids = $8, excluded_user_ids = $9, responsible_user_id = $10, responsible_team_id = $11
		 WHERE id = $1 AND tenant_id = $2`,
		step.ID, step.TenantID, step.Title, step.Color, step.Position, string(step.Kind), string(step.Visibility),
		nonNil(step.AllowedTeamIDs), nonNil(step.ExcludedUserIDs), step.ResponsibleUserID, step.ResponsibleTeamID)
	return affected(tag, err, "step "+step.ID)
}

func (s *PostgresStore) DeleteStep(ctx context.Context, tenantID, id string) error {
	var cards int
	if err := s.db.QueryRow(ctx,
		"SELECT count(*) FROM cards WHERE step_id = $1 AND tenant_id = $2", id, tenantID).Scan(&cards); err != nil {
		return mapError(err, "step "+id)
	}
	if cards > 0 {
		return fmt.Errorf("step %s still holds cards: %w", id, ErrConflict)
	}
	tag, err := s.db.Exec(ctx, "DELETE FROM steps WHERE id = $1 AND tenant_id = $2", id, tenantID)
	return affected(tag, err, "step "+id)
}

func (s *PostgresStore) SetStepPositions(ctx context.Context, tenantID, flowID string, orderedIDs []string) error {
	return s.setPositions(ctx, "steps", "flow_id", tenantID, flowID, orderedIDs)
}

// setPositions rewrites position = index for every id in one transaction.
// Any id outside the tenant and parent aborts the whole batch.
func (s *PostgresStore) setPositions(ctx context.Context, table, parentColumn, tenantID, parentID string, orderedIDs []string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return mapError(err, table)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := fmt.Sprintf("UPDATE %s SET position = $1 WHERE id = $2 AND tenant_id = $3 AND %s = $4", table, parentColumn)
	for i, id := range orderedIDs {
		tag, err := tx.Exec(ctx, query, i, id, tenantID, parentID)
		if err := affected(tag, err, table+" "+id); err != nil {
			return err
		}
	}
	return mapError(tx.Commit(ctx), table)
}

const fieldColumns = `id::text, tenant_id::text, step_id::text, label, slug, type, options, position,
	required, is_unique, placeholder, created_at`

func scanField(row pgx.Row) (models.StepField, error) {
	var f models.StepField
	err := row.Scan(&f.ID, &f.TenantID, &f.StepID, &f.Label, &f.Slug, &f.Type, &f.Options, &f.Position,
		&f.Required, &f.Unique, &f.Placeholder, &f.CreatedAt)
	return f, err
}

func (s *PostgresStore) ListFields(ctx context.Context, tenantID, stepID string) ([]models.StepField, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+fieldColumns+" FROM step_fields WHERE tenant_id = $1 AND step_id = $2 ORDER BY position", tenantID, stepID)
	if err != nil {
		return nil, mapError(err, "fields")
	}
	return collect(rows, scanField)
}

func (s *PostgresStore) ListFieldsForFlow(ctx context.Context, tenantID, flowID string) ([]models.StepField, error) {
	rows, err := s.db.Query(ctx,
		`SELECT f.id::text, f.tenant_id::text, f.step_id::text, f.label, f.slug, f.type, f.options, f.position,
		        f.required, f.is_unique, f.placeholder, f.created_at
		 FROM step_fields f JOIN steps s ON s.id = f.step_id
		 WHERE f.tenant_id = $1 AND s.tenant_id = $1 AND s.flow_id = $2
		 ORDER BY s.position, f.position`, tenantID, flowID)
	if err != nil {
		return nil, mapError(err, "fields")
	}
	return collect(rows, scanField)
}

func (s *PostgresStore) GetField(ctx context.Context, tenantID, id string) (*models.StepField, error) {
	f, err := scanField(s.db.QueryRow(ctx, "SELECT "+fieldColumns+" FROM step_fields WHERE id = $1 AND tenant_id = $2", id, tenantID))
	if err != nil {
		return nil, mapError(err, "field "+id)
	}
	return &f, nil
}

func (s *PostgresStore) CreateField(ctx context.Context, field *models.StepField) error {
	field.ID = newID(field.ID)
	err := s.db.QueryRow(ctx,
		`INSERT INTO step_fields (id, tenant_id, step_id, label, slug, type, options, position, required, is_unique, placeholder)
		 SELECT $1, st.tenant_id, st.id, $4, $5, $6, $7, $8, $9, $10, $11
		 FROM steps st WHERE st.id = $3 AND st.tenant_id = $2
		 RETURNING created_at`,
		field.ID, field.TenantID, field.StepID, field.Label, field.Slug, string(field.Type), nonNil(field.Options),
		field.Position, field.Required, field.Unique, field.Placeholder,
	).Scan(&field.CreatedAt)
	return mapError(err, "field "+field.Slug)
}

func (s *PostgresStore) UpdateField(ctx context.Context, field *models.StepField) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE step_fields SET label = $3, type = $4, options = $5, position = $6, required = $7,
		        is_unique = $8, placeholder = $9
		 WHERE id = $1 AND tenant_id = $2`,
		field.ID, field.TenantID, field.Label, string(field.Type), nonNil(field.Options), field.Position,
		field.Required, field.Unique, field.Placeholder)
	return affected(tag, err, "field "+field.ID)
}

func (s *PostgresStore) DeleteField(ctx context.Context, tenantID, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM step_fields WHERE id = $1 AND tenant_id = $2", id, tenantID)
	return affected(tag, err, "field "+id)
}

func (s *PostgresStore) SetFieldPositions(ctx context.Context, tenantID, stepID string, orderedIDs []string) error {
	return s.setPositions(ctx, "step_fields", "step_id", tenantID, stepID, orderedIDs)
}
