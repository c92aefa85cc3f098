package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"nexflow-crm/backend/pkg/models"
)

const cardColumns = `id::text, tenant_id::text, flow_id::text, step_id::text, title, field_values, position,
	assigned_to::text, assigned_team_id::text, status, history, created_by, created_at, updated_at`

func scanCard(row pgx.Row) (models.Card, error) {
	var (
		c       models.Card
		values  []byte
		history []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.FlowID, &c.StepID, &c.Title, &values, &c.Position,
		&c.AssignedTo, &c.AssignedTeamID, &c.Status, &history, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(values, &c.FieldValues); err != nil {
		return c, fmt.Errorf("card %s field values: %w", c.ID, err)
	}
	if err := json.Unmarshal(history, &c.History); err != nil {
		return c, fmt.Errorf("card %s history: %w", c.ID, err)
	}
	return c, nil
}

func cardJSON(c *models.Card) (values, history []byte, err error) {
	fv := c.FieldValues
	if fv == nil {
		fv = map[string]any{}
	}
	h := c.History
	if h == nil {
		h = []models.CardMovement{}
	}
	if values, err = json.Marshal(fv); err != nil {
		return nil, nil, err
	}
	history, err = json.Marshal(h)
	return values, history, err
}

func (s *PostgresStore) ListCards(ctx context.Context, tenantID, flowID string) ([]models.Card, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+cardColumns+" FROM cards WHERE tenant_id = $1 AND flow_id = $2 ORDER BY position, created_at",
		tenantID, flowID)
	if err != nil {
		return nil, mapError(err, "cards")
	}
	return collect(rows, scanCard)
}

func (s *PostgresStore) GetCard(ctx context.Context, tenantID, id string) (*models.Card, error) {
	c, err := scanCard(s.db.QueryRow(ctx, "SELECT "+cardColumns+" FROM cards WHERE id = $1 AND tenant_id = $2", id, tenantID))
	if err != nil {
		return nil, mapError(err, "card "+id)
	}
	return &c, nil
}

func (s *PostgresStore) CreateCard(ctx context.Context, card *models.Card) error {
	card.ID = newID(card.ID)
	*card = models.NormalizeAssignment(*card)
	values, history, err := cardJSON(card)
	if err != nil {
		return err
	}
	// The step must belong to the same tenant and flow.
	err = s.db.QueryRow(ctx,
		`INSERT INTO cards (id, tenant_id, flow_id, step_id, title, field_values, position,
		                    assigned_to, assigned_team_id, status, history, created_by)
		 SELECT $1, st.tenant_id, st.flow_id, st.id, $5, $6, $7, $8, $9, $10, $11, $12
		 FROM steps st WHERE st.id = $4 AND st.tenant_id = $2 AND st.flow_id = $3
		 RETURNING created_at, updated_at`,
		card.ID, card.TenantID, card.FlowID, card.StepID, card.Title, values, card.Position,
		card.AssignedTo, card.AssignedTeamID, string(card.Status), history, card.CreatedBy,
	).Scan(&card.CreatedAt, &card.UpdatedAt)
	return mapError(err, "step "+card.StepID)
}

func (s *PostgresStore) UpdateCard(ctx context.Context, card *models.Card) error {
	*card = models.NormalizeAssignment(*card)
	values, history, err := cardJSON(card)
	if err != nil {
		return err
	}
	// The target step must be in the card's own flow.
	err = s.db.QueryRow(ctx,
		`UPDATE cards c SET step_id = st.id, title = $4, field_values = $5, position = $6,
		        assigned_to = $7, assigned_team_id = $8, status = $9, history = $10, updated_at = now()
		 FROM steps st
		 WHERE c.id = $1 AND c.tenant_id = $2 AND st.id = $3 AND st.tenant_id = c.tenant_id AND st.flow_id = c.flow_id
		 RETURNING c.flow_id::text, c.created_at, c.updated_at`,
		card.ID, card.TenantID, card.StepID, card.Title, values, card.Position,
		card.AssignedTo, card.AssignedTeamID, string(card.Status), history,
	).Scan(&card.FlowID, &card.CreatedAt, &card.UpdatedAt)
	return mapError(err, "card "+card.ID)
}

func (s *PostgresStore) DeleteCard(ctx context.Context, tenantID, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM cards WHERE id = $1 AND tenant_id = $2", id, tenantID)
	return affected(tag, err, "card "+id)
}

func (s *PostgresStore) CountCardsWithValue(ctx context.Context, tenantID, flowID, slug string, value any, excludeID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM cards
		 WHERE tenant_id = $1 AND flow_id = $2 AND field_values ->> $3 = $4
		   AND ($5 = '' OR id::text <> $5)`,
		tenantID, flowID, slug, fmt.Sprint(value), excludeID,
	).Scan(&n)
	return n, mapError(err, "cards")
}

func (s *PostgresStore) ListActivities(ctx context.Context, tenantID, cardID string) ([]models.Activity, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id::text, tenant_id::text, card_id::text, actor_id, kind, message, created_at
		 FROM card_activities WHERE tenant_id = $1 AND card_id = $2 ORDER BY created_at DESC`, tenantID, cardID)
	if err != nil {
		if isUndefinedTable(err) {
			s.logger.Warn("card_activities table missing, returning no activities")
			return []models.Activity{}, nil
		}
		return nil, mapError(err, "activities")
	}
	return collect(rows, func(row pgx.Row) (models.Activity, error) {
		var a models.Activity
		err := row.Scan(&a.ID, &a.TenantID, &a.CardID, &a.ActorID, &a.Kind, &a.Message, &a.CreatedAt)
		return a, err
	})
}

func (s *PostgresStore) CreateActivity(ctx context.Context, activity *models.Activity) error {
	activity.ID = newID(activity.ID)
	err := s.db.QueryRow(ctx,
		`INSERT INTO card_activities (id, tenant_id, card_id, actor_id, kind, message)
		 SELECT $1, c.tenant_id, c.id, $4, $5, $6 FROM cards c WHERE c.id = $3 AND c.tenant_id = $2
		 RETURNING created_at`,
		activity.ID, activity.TenantID, activity.CardID, activity.ActorID, string(activity.Kind), activity.Message,
	).Scan(&activity.CreatedAt)
	return mapError(err, "card "+activity.CardID)
}
