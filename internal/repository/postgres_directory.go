package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"nexflow-crm/backend/pkg/models"
)

func (s *PostgresStore) ListNotifications(ctx context.Context, tenantID, userID string) ([]models.Notification, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE tenant_id = $1 AND user_id = $2 ORDER BY created_at DESC LIMIT 200`, tenantID, userID)
	if err != nil {
		if isUndefinedTable(err) {
			s.logger.Warn("notifications table missing, returning no notifications")
			return []models.Notification{}, nil
		}
		return nil, mapError(err, "notifications")
	}
	return collect(rows, scanNotification)
}

const notificationColumns = "id::text, tenant_id::text, user_id::text, title, body, link, read, created_at"

func scanNotification(row pgx.Row) (models.Notification, error) {
	var n models.Notification
	err := row.Scan(&n.ID, &n.TenantID, &n.UserID, &n.Title, &n.Body, &n.Link, &n.Read, &n.CreatedAt)
	return n, err
}

func (s *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	n.ID = newID(n.ID)
	err := s.db.QueryRow(ctx,
		`INSERT INTO notifications (id, tenant_id, user_id, title, body, link, read)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
		n.ID, n.TenantID, n.UserID, n.Title, n.Body, n.Link, n.Read,
	).Scan(&n.CreatedAt)
	return mapError(err, "notification")
}

func (s *PostgresStore) SetNotificationRead(ctx context.Context, tenantID, userID, id string, read bool) (*models.Notification, error) {
	n, err := scanNotification(s.db.QueryRow(ctx,
		`UPDATE notifications SET read = $4 WHERE id = $1 AND tenant_id = $2 AND user_id = $3
		 RETURNING `+notificationColumns, id, tenantID, userID, read))
	if err != nil {
		return nil, mapError(err, "notification "+id)
	}
	return &n, nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, tenantID, userID string) (int, error) {
	tag, err := s.db.Exec(ctx,
		"UPDATE notifications SET read = TRUE WHERE tenant_id = $1 AND user_id = $2 AND NOT read", tenantID, userID)
	if err != nil {
		return 0, mapError(err, "notifications")
	}
	return int(tag.RowsAffected()), nil
}

const formColumns = "id::text, tenant_id::text, flow_id::text, name, active, field_map, created_at"

func scanForm(row pgx.Row) (models.Form, error) {
	var (
		f   models.Form
		raw []byte
	)
	if err := row.Scan(&f.ID, &f.TenantID, &f.FlowID, &f.Name, &f.Active, &raw, &f.CreatedAt); err != nil {
		return f, err
	}
	err := json.Unmarshal(raw, &f.FieldMap)
	return f, err
}

func (s *PostgresStore) ListForms(ctx context.Context, tenantID string) ([]models.Form, error) {
	rows, err := s.db.Query(ctx, "SELECT "+formColumns+" FROM forms WHERE tenant_id = $1 ORDER BY name", tenantID)
	if err != nil {
		return nil, mapError(err, "forms")
	}
	return collect(rows, scanForm)
}

func (s *PostgresStore) GetFormPublic(ctx context.Context, id string) (*models.Form, error) {
	f, err := scanForm(s.db.QueryRow(ctx, "SELECT "+formColumns+" FROM forms WHERE id = $1", id))
	if err != nil {
		return nil, mapError(err, "form "+id)
	}
	return &f, nil
}

func (s *PostgresStore) CreateForm(ctx context.Context, form *models.Form) error {
	form.ID = newID(form.ID)
	fieldMap := form.FieldMap
	if fieldMap == nil {
		fieldMap = map[string]string{}
	}
	raw, err := json.Marshal(fieldMap)
	if err != nil {
		return err
	}
	err = s.db.QueryRow(ctx,
		`INSERT INTO forms (id, tenant_id, flow_id, name, active, field_map)
		 SELECT $1, f.tenant_id, f.id, $4, $5, $6 FROM flows f WHERE f.id = $3 AND f.tenant_id = $2
		 RETURNING created_at`,
		form.ID, form.TenantID, form.FlowID, form.Name, form.Active, raw,
	).Scan(&form.CreatedAt)
	return mapError(err, "flow "+form.FlowID)
}

const partnerColumns = "id::text, tenant_id::text, code, name, document, email, phone, created_at, updated_at"

func scanPartner(row pgx.Row) (models.Partner, error) {
	var p models.Partner
	err := row.Scan(&p.ID, &p.TenantID, &p.Code, &p.Name, &p.Document, &p.Email, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *PostgresStore) ListPartners(ctx context.Context, tenantID string) ([]models.Partner, error) {
	rows, err := s.db.Query(ctx, "SELECT "+partnerColumns+" FROM partners WHERE tenant_id = $1 ORDER BY name", tenantID)
	if err != nil {
		return nil, mapError(err, "partners")
	}
	return collect(rows, scanPartner)
}

func (s *PostgresStore) GetPartner(ctx context.Context, tenantID, id string) (*models.Partner, error) {
	p, err := scanPartner(s.db.QueryRow(ctx, "SELECT "+partnerColumns+" FROM partners WHERE id = $1 AND tenant_id = $2", id, tenantID))
	if err != nil {
		return nil, mapError(err, "partner "+id)
	}
	return &p, nil
}

func (s *PostgresStore) CreatePartner(ctx context.Context, partner *models.Partner) error {
	partner.ID = newID(partner.ID)
	err := s.db.QueryRow(ctx,
		`INSERT INTO partners (id, tenant_id, code, name, document, email, phone)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at, updated_at`,
		partner.ID, partner.TenantID, partner.Code, partner.Name, partner.Document, partner.Email, partner.Phone,
	).Scan(&partner.CreatedAt, &partner.UpdatedAt)
	return mapError(err, "partner "+partner.Code)
}

func (s *PostgresStore) UpdatePartner(ctx context.Context, partner *models.Partner) error {
	err := s.db.QueryRow(ctx,
		`UPDATE partners SET code = $3, name = $4, document = $5, email = $6, phone = $7, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2 RETURNING created_at, updated_at`,
		partner.ID, partner.TenantID, partner.Code, partner.Name, partner.Document, partner.Email, partner.Phone,
	).Scan(&partner.CreatedAt, &partner.UpdatedAt)
	return mapError(err, "partner "+partner.ID)
}

func (s *PostgresStore) DeletePartner(ctx context.Context, tenantID, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM partners WHERE id = $1 AND tenant_id = $2", id, tenantID)
	return affected(tag, err, "partner "+id)
}
