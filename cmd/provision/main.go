// Command provision bootstraps a customer account: the identity provider
// user, its tenant, the admin user row and the license. It takes no flags;
// everything is read from the environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"nexflow-crm/backend/internal/auth"
	"nexflow-crm/backend/internal/config"
	"nexflow-crm/backend/internal/logging"
	"nexflow-crm/backend/internal/repository"
	"nexflow-crm/backend/internal/validation"
	"nexflow-crm/backend/pkg/models"
)

const trialDays = 14

// Request is the account to create.
type Request struct {
	Email        string
	Name         string
	TenantName   string
	TenantDomain string
	Plan         string
	Seats        int
	Password     string
}

// identityCreator creates users at the identity provider.
type identityCreator interface {
	CreateUser(ctx context.Context, u auth.IdentityUser) (string, error)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "provision",
		Short:        "Create a tenant, its admin user and license",
		Long:         "Reads NEXFLOW_PROVISION_* and the usual NEXFLOW_ settings from the environment.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.NewLogger(cfg.Log.Level, cfg.IsDev())
	defer func() { _ = logger.Sync() }()

	req, err := requestFromEnv(os.Getenv)
	if err != nil {
		return err
	}

	admin, err := auth.NewAdminClient(cfg.Auth.OktaDomain, cfg.Auth.AdminToken)
	if err != nil {
		return err
	}

	pool, err := repository.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns, 30*time.Second, logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := repository.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	_, err = provision(ctx, req, admin, repository.NewPostgresStore(pool, logger), logger)
	return err
}

// requestFromEnv reads and validates the provisioning variables.
func requestFromEnv(getenv func(string) string) (Request, error) {
	env := func(name string) string {
		return strings.TrimSpace(getenv("NEXFLOW_PROVISION_" + name))
	}
	req := Request{
		Email:        strings.ToLower(env("EMAIL")),
		Name:         env("NAME"),
		TenantName:   env("TENANT_NAME"),
		TenantDomain: strings.ToLower(env("TENANT_DOMAIN")),
		Plan:         env("PLAN"),
		Password:     getenv("NEXFLOW_PROVISION_PASSWORD"),
		Seats:        5,
	}

	var errs validation.Errors
	if !validation.ValidEmail(req.Email) {
		errs.Add("NEXFLOW_PROVISION_EMAIL", "must be a valid e-mail")
	}
	if req.Name == "" {
		errs.Add("NEXFLOW_PROVISION_NAME", "is required")
	}
	if req.TenantName == "" {
		errs.Add("NEXFLOW_PROVISION_TENANT_NAME", "is required")
	}
	if req.TenantDomain == "" {
		if at := strings.LastIndex(req.Email, "@"); at >= 0 {
			req.TenantDomain = req.Email[at+1:]
		}
	}
	if req.Plan == "" {
		req.Plan = "trial"
	}
	if s := env("SEATS"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			errs.Add("NEXFLOW_PROVISION_SEATS", "must be a positive number")
		} else {
			req.Seats = n
		}
	}
	return req, errs.Err()
}

// Result holds the rows created by provision.
type Result struct {
	IdentityID string
	Tenant     *models.Tenant
	User       *models.User
	License    *models.License
}

func provision(ctx context.Context, req Request, idp identityCreator, repo repository.Repository, logger *logging.Logger) (*Result, error) {
	if _, err := repo.GetTenantByDomain(ctx, req.TenantDomain); err == nil {
		return nil, fmt.Errorf("tenant for domain %s: %w", req.TenantDomain, repository.ErrConflict)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if _, err := repo.GetUserByEmail(ctx, req.Email); err == nil {
		return nil, fmt.Errorf("user %s: %w", req.Email, repository.ErrConflict)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	first, last, _ := strings.Cut(req.Name, " ")
	identityID, err := idp.CreateUser(ctx, auth.IdentityUser{
		Email:     req.Email,
		FirstName: first,
		LastName:  strings.TrimSpace(last),
		Password:  req.Password,
	})
	switch {
	case errors.Is(err, auth.ErrUserExists):
		logger.Warn("Identity user already exists, linking it", "email", req.Email)
	case err != nil:
		return nil, fmt.Errorf("creating identity user: %w", err)
	default:
		logger.Info("Identity user created", "email", req.Email, "identity_id", identityID)
	}

	res := &Result{IdentityID: identityID}
	res.Tenant = &models.Tenant{Name: req.TenantName, Domain: req.TenantDomain}
	if err := repo.CreateTenant(ctx, res.Tenant); err != nil {
		return nil, fmt.Errorf("creating tenant: %w", err)
	}
	res.User = &models.User{
		TenantID: res.Tenant.ID,
		Email:    req.Email,
		Name:     req.Name,
		Role:     models.RoleAdmin,
		Active:   true,
	}
	if err := repo.CreateUser(ctx, res.User); err != nil {
		return nil, fmt.Errorf("creating admin user: %w", err)
	}
	res.License = &models.License{TenantID: res.Tenant.ID, Plan: req.Plan, Seats: req.Seats}
	if req.Plan == "trial" {
		expires := time.Now().UTC().AddDate(0, 0, trialDays)
		res.License.ExpiresAt = &expires
	}
	if err := repo.CreateLicense(ctx, res.License); err != nil {
		return nil, fmt.Errorf("creating license: %w", err)
	}

	logger.Info("Account provisioned",
		"tenant_id", res.Tenant.ID,
		"domain", res.Tenant.Domain,
		"user_id", res.User.ID,
		"plan", res.License.Plan,
		"seats", res.License.Seats,
	)
	return res, nil
}
