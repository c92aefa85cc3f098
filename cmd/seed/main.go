package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"time"

	"nexflow-crm/backend/internal/cache"
	"nexflow-crm/backend/internal/config"
	"nexflow-crm/backend/internal/logging"
	"nexflow-crm/backend/internal/repository"
	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/services"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/pkg/models"
)

const seedDomain = "localhost"

func main() {
	ctx := context.Background()

	envFile := flag.String("env", "", "Path to .env file")
	flag.Parse()

	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.NewLogger(cfg.Log.Level, cfg.IsDev())

	if cfg.DB.Driver != "postgres" {
		log.Fatalf("Seeding needs the postgres driver, got %q", cfg.DB.Driver)
	}
	pool, err := repository.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns, time.Minute, logger)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()
	if err := repository.Migrate(ctx, pool); err != nil {
		log.Fatalf("Failed to migrate DB: %v", err)
	}

	if err := seed(ctx, repository.NewPostgresStore(pool, logger), cfg.DevUserEmail, logger); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	logger.Info("Seeding complete!")
}

// seed creates a demo tenant with a sales pipeline. Running it twice leaves
// the data unchanged.
func seed(ctx context.Context, repo repository.Repository, adminEmail string, logger *logging.Logger) error {
	// 1. Tenant
	t, err := repo.GetTenantByDomain(ctx, seedDomain)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		logger.Info("Creating default tenant", "domain", seedDomain)
		t = &models.Tenant{Name: "Local Dev Tenant", Domain: seedDomain}
		if err := repo.CreateTenant(ctx, t); err != nil {
			return fmt.Errorf("create tenant: %w", err)
		}
	case err != nil:
		return err
	default:
		logger.Info("Found existing tenant", "id", t.ID)
	}

	// 2. Users and team
	admin, err := ensureUser(ctx, repo, t.ID, adminEmail, "Dev Admin", models.RoleAdmin)
	if err != nil {
		return err
	}
	seller, err := ensureUser(ctx, repo, t.ID, "seller@"+seedDomain, "Sam Seller", models.RoleMember)
	if err != nil {
		return err
	}
	teams, err := repo.ListTeams(ctx, t.ID)
	if err != nil {
		return err
	}
	var sales *models.Team
	for i := range teams {
		if teams[i].Name == "Sales" {
			sales = &teams[i]
		}
	}
	if sales == nil {
		sales = &models.Team{TenantID: t.ID, Name: "Sales", LeaderID: &admin.ID}
		if err := repo.CreateTeam(ctx, sales); err != nil {
			return fmt.Errorf("create team: %w", err)
		}
		for _, id := range []string{admin.ID, seller.ID} {
			if err := repo.AddTeamMember(ctx, t.ID, sales.ID, id); err != nil {
				return fmt.Errorf("add team member: %w", err)
			}
		}
	}

	// 3. Everything else goes through the services as the admin.
	logger = logger.With("tenant_id", t.ID)
	client := secure.NewClient(tenant.ContextResolver{}, cache.New(logger), secure.LogNotifier{Logger: logger}, logger)
	svc := services.New(repo, client, logger)
	ctx = tenant.WithSession(ctx, tenant.NewSession(t.ID, admin.ID, admin.Role, []string{sales.ID}))

	flows, err := svc.Flows.List(ctx)
	if err != nil {
		return err
	}
	for _, f := range flows {
		if f.Name == "Sales Pipeline" {
			logger.Info("Skipping existing flow", "name", f.Name)
			return nil
		}
	}

	flow, err := svc.Flows.Create(ctx, services.FlowInput{
		Name:        "Sales Pipeline",
		Description: "Leads from first contact to signed contract.",
		Category:    "sales",
	})
	if err != nil {
		return err
	}

	steps := []services.StepInput{
		{Title: "New Lead", Color: "#3b82f6"},
		{Title: "Qualified", Color: "#8b5cf6"},
		{Title: "Negotiation", Color: "#f59e0b", Visibility: models.VisibilityTeam, AllowedTeamIDs: []string{sales.ID}},
		{Title: "Won", Color: "#10b981", Kind: models.StepFinisher},
		{Title: "Lost", Color: "#ef4444", Kind: models.StepFail},
	}
	created := make([]*models.Step, 0, len(steps))
	for _, in := range steps {
		step, err := svc.Steps.Create(ctx, flow.ID, in)
		if err != nil {
			return fmt.Errorf("create step %s: %w", in.Title, err)
		}
		created = append(created, step)
	}
	first := created[0]

	fields := []services.FieldInput{
		{Label: "Company", Type: models.FieldText, Required: true},
		{Label: "E-mail", Slug: "email", Type: models.FieldEmail, Unique: true},
		{Label: "Deal value", Slug: "value", Type: models.FieldCurrency},
		{Label: "Source", Type: models.FieldSelect, Options: []string{"website", "referral", "event"}},
	}
	for _, in := range fields {
		if _, err := svc.Fields.Create(ctx, first.ID, in); err != nil {
			return fmt.Errorf("create field %s: %w", in.Label, err)
		}
	}

	leads := []services.CardInput{
		{Title: "Acme Corp", FieldValues: map[string]any{"company": "Acme Corp", "email": "buyer@acme.test", "value": 12000, "source": "website"}},
		{Title: "Globex", FieldValues: map[string]any{"company": "Globex", "email": "ops@globex.test", "value": 4500, "source": "referral"}, AssignedTo: seller.ID},
		{Title: "Initech", FieldValues: map[string]any{"company": "Initech", "source": "event"}, AssignedTeamID: sales.ID},
	}
	for _, in := range leads {
		in.StepID = first.ID
		card, err := svc.Cards.Create(ctx, flow.ID, in)
		if err != nil {
			return fmt.Errorf("create card %s: %w", in.Title, err)
		}
		logger.Info("Seeded card", "title", card.Title, "id", card.ID)
	}

	form, err := svc.Forms.Create(ctx, services.FormInput{
		FlowID:   flow.ID,
		Name:     "Website contact",
		FieldMap: map[string]string{"company": "company", "email": "email"},
	})
	if err != nil {
		return err
	}
	logger.Info("Seeded form", "id", form.ID, "submit", "/public/forms/"+form.ID+"/submissions")

	if _, err := svc.Partners.Create(ctx, services.PartnerInput{
		Code:     "P001",
		Name:     "Channel Partner Ltda",
		Document: "11222333000181",
		Email:    "contact@partner.test",
	}); err != nil {
		return err
	}

	logger.Info("Seeded flow", "name", flow.Name, "id", flow.ID, "steps", len(created))
	return nil
}

func ensureUser(ctx context.Context, repo repository.Repository, tenantID, email, name string, role models.Role) (*models.User, error) {
	u, err := repo.GetUserByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	u = &models.User{TenantID: tenantID, Email: email, Name: name, Role: role, Active: true}
	if err := repo.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user %s: %w", email, err)
	}
	return u, nil
}
