package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"nexflow-crm/backend/pkg/models"
)

const tenantColumns = "id::text, name, coalesce(domain, ''), created_at, updated_at"

func scanTenant(row pgx.Row) (models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Domain, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	t, err := scanTenant(s.db.QueryRow(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE id = $1", id))
	if err != nil {
		return nil, mapError(err, "tenant "+id)
	}
	return &t, nil
}

func (s *PostgresStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	t, err := scanTenant(s.db.QueryRow(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE lower(domain) = lower($1)", domain))
	if err != nil {
		return nil, mapError(err, "tenant with domain "+domain)
	}
	return &t, nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	tenant.ID = newID(tenant.ID)
	err := s.db.QueryRow(ctx,
		`INSERT INTO tenants (id, name, domain) VALUES ($1, $2, NULLIF($3, ''))
		 RETURNING created_at, updated_at`,
		tenant.ID, tenant.Name, tenant.Domain,
	).Scan(&tenant.CreatedAt, &tenant.UpdatedAt)
	return mapError(err, "tenant "+tenant.Name)
}

func (s *PostgresStore) CreateLicense(ctx context.Context, license *models.License) error {
	license.ID = newID(license.ID)
	err := s.db.QueryRow(ctx,
		`INSERT INTO licenses (id, tenant_id, plan, seats, expires_at) VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		license.ID, license.TenantID, license.Plan, license.Seats, license.ExpiresAt,
	).Scan(&license.CreatedAt)
	return mapError(err, "license for tenant "+license.TenantID)
}

func (s *PostgresStore) GetLicense(ctx context.Context, tenantID string) (*models.License, error) {
	var l models.License
	err := s.db.QueryRow(ctx,
		`SELECT id::text, tenant_id::text, plan, seats, expires_at, created_at FROM licenses
		 WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT 1`, tenantID,
	).Scan(&l.ID, &l.TenantID, &l.Plan, &l.Seats, &l.ExpiresAt, &l.CreatedAt)
	if err != nil {
		return nil, mapError(err, "license for tenant "+tenantID)
	}
	return &l, nil
}

const userColumns = "id::text, tenant_id::text, email, name, role, active, created_at"

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.Name, &u.Role, &u.Active, &u.CreatedAt)
	return u, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE lower(email) = lower($1)", email))
	if err != nil {
		return nil, mapError(err, "user "+email)
	}
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, tenantID, id string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1 AND tenant_id = $2", id, tenantID))
	if err != nil {
		return nil, mapError(err, "user "+id)
	}
	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, tenantID string) ([]models.User, error) {
	rows, err := s.db.Query(ctx, "SELECT "+userColumns+" FROM users WHERE tenant_id = $1 ORDER BY name", tenantID)
	if err != nil {
		return nil, mapError(err, "users")
	}
	return collect(rows, scanUser)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	user.ID = newID(user.ID)
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (id, tenant_id, email, name, role, active) VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		user.ID, user.TenantID, user.Email, user.Name, string(user.Role), user.Active,
	).Scan(&user.CreatedAt)
	return mapError(err, "user "+user.Email)
}

func (s *PostgresStore) ListTeams(ctx context.Context, tenantID string) ([]models.Team, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id::text, tenant_id::text, name, leader_id::text, created_at FROM teams
		 WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, mapError(err, "teams")
	}
	return collect(rows, func(row pgx.Row) (models.Team, error) {
		var t models.Team
		err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.LeaderID, &t.CreatedAt)
		return t, err
	})
}

func (s *PostgresStore) CreateTeam(ctx context.Context, team *models.Team) error {
	team.ID = newID(team.ID)
	err := s.db.QueryRow(ctx,
		`INSERT INTO teams (id, tenant_id, name, leader_id) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		team.ID, team.TenantID, team.Name, team.LeaderID,
	).Scan(&team.CreatedAt)
	return mapError(err, "team "+team.Name)
}

func (s *PostgresStore) AddTeamMember(ctx context.Context, tenantID, teamID, userID string) error {
	// Both rows must belong to the tenant; the insert selects nothing otherwise.
	tag, err := s.db.Exec(ctx,
		`INSERT INTO team_members (team_id, user_id, tenant_id)
		 SELECT t.id, u.id, t.tenant_id FROM teams t JOIN users u ON u.tenant_id = t.tenant_id
		 WHERE t.id = $1 AND u.id = $2 AND t.tenant_id = $3
		 ON CONFLICT DO NOTHING`, teamID, userID, tenantID)
	if err != nil {
		return mapError(err, "team member")
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM team_members WHERE team_id = $1 AND user_id = $2 AND tenant_id = $3)`,
			teamID, userID, tenantID).Scan(&exists); err != nil {
			return mapError(err, "team member")
		}
		if !exists {
			return fmt.Errorf("team %s or user %s: %w", teamID, userID, ErrNotFound)
		}
	}
	return nil
}

func (s *PostgresStore) ListTeamIDsForUser(ctx context.Context, tenantID, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT team_id::text FROM team_members WHERE tenant_id = $1 AND user_id = $2 ORDER BY team_id`,
		tenantID, userID)
	if err != nil {
		return nil, mapError(err, "team ids")
	}
	return collect(rows, scanString)
}

func (s *PostgresStore) ListTeamMemberIDs(ctx context.Context, tenantID, teamID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id::text FROM team_members WHERE tenant_id = $1 AND team_id = $2 ORDER BY user_id`,
		tenantID, teamID)
	if err != nil {
		return nil, mapError(err, "team members")
	}
	return collect(rows, scanString)
}

func scanString(row pgx.Row) (string, error) {
	var s string
	err := row.Scan(&s)
	return s, err
}
