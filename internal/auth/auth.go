package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"nexflow-crm/backend/internal/config"
	"nexflow-crm/backend/internal/repository"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/pkg/models"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"
)

// TenantHeader lets a super admin act inside another tenant.
const TenantHeader = "X-Nexflow-Tenant"

// ErrNotProvisioned is returned when a verified identity has no user row.
var ErrNotProvisioned = errors.New("principal is not provisioned")

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Auth contains configuration and helpers for performing OpenID Connect
// authentication with an Okta tenant and for turning a verified identity
// into a tenant session.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	repo         repository.Repository
	logger       Logger
	devMode      bool
	authBypass   bool
	devEmail     string
}

// New creates a new Auth object using values from the application
// configuration. It establishes a connection to the provider and prepares an
// ID token verifier.
func New(ctx context.Context, cfg *config.Config, repo repository.Repository, logger Logger) (*Auth, error) {
	isDev := cfg.IsDev()
	shouldBypass := isDev && cfg.DevModeBypass

	var oauth2Config *oauth2.Config
	var verifier *oidc.IDTokenVerifier
	var apiVerifier *oidc.IDTokenVerifier

	if !shouldBypass {
		if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
			cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
			return nil, errors.New("auth configuration is incomplete")
		}

		provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
		if err != nil {
			return nil, err
		}

		oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       []string{ScopeOpenID, ScopeProfile, ScopeEmail},
		}

		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})

		// Access tokens carry the API audience, not the client id.
		apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}

	devEmail := cfg.DevUserEmail
	if devEmail == "" {
		devEmail = "dev@localhost"
	}

	return &Auth{
		oauth2Config: oauth2Config,
		verifier:     verifier,
		apiVerifier:  apiVerifier,
		repo:         repo,
		logger:       logger,
		devMode:      isDev,
		authBypass:   shouldBypass,
		devEmail:     devEmail,
	}, nil
}

// LoginHandler initiates the OAuth2 authorization code flow by redirecting the
// user to the Okta authorization endpoint. A random state value is stored in a
// cookie to mitigate CSRF attacks.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "oauthstate",
		Value:    state,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler handles the redirect back from Okta. It verifies the state
// parameter, exchanges the code for tokens, validates the ID token, and sets a
// session cookie containing the raw ID token.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie("oauthstate")
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}

	idToken, err := a.verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err == nil && a.logger != nil {
		a.logger.Info("login completed", "email", claims.Email)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "id_token",
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RequireAuth is middleware that verifies the caller and places its tenant
// session on the request context. The tenant and role come from the user
// row matching the token's e-mail; nothing the client sends can choose them,
// except TenantHeader for super admins.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, status, msg := a.identify(r)
		if status == http.StatusSeeOther {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		if status != 0 {
			http.Error(w, msg, status)
			return
		}

		sess, err := a.Session(r.Context(), email, r.Header.Get(TenantHeader))
		if err != nil {
			switch {
			case errors.Is(err, ErrNotProvisioned):
				http.Error(w, err.Error(), http.StatusForbidden)
			case errors.Is(err, errTenantSwitch):
				http.Error(w, err.Error(), http.StatusForbidden)
			default:
				if a.logger != nil {
					a.logger.Error("failed to resolve session", "email", email, "error", err)
				}
				http.Error(w, "failed to resolve session", http.StatusInternalServerError)
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(tenant.WithSession(r.Context(), sess)))
	})
}

// identify returns the verified e-mail of the caller. A non-zero status
// reports why the caller could not be identified.
func (a *Auth) identify(r *http.Request) (string, int, string) {
	if a.authBypass {
		return a.devEmail, 0, ""
	}

	var token *oidc.IDToken
	var err error

	// Bearer tokens first (Swagger UI, API clients, MCP agents).
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		rawToken := strings.TrimPrefix(authHeader, "Bearer ")
		token, err = a.apiVerifier.Verify(r.Context(), rawToken)
		if err != nil {
			return "", http.StatusUnauthorized, "invalid token: " + err.Error()
		}
	} else {
		cookie, cerr := r.Cookie("id_token")
		if cerr != nil {
			return "", http.StatusSeeOther, ""
		}
		token, err = a.verifier.Verify(r.Context(), cookie.Value)
		if err != nil {
			return "", http.StatusUnauthorized, "invalid token: " + err.Error()
		}
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", http.StatusUnauthorized, "failed to parse token claims"
	}
	if !strings.Contains(claims.Email, "@") {
		return "", http.StatusUnauthorized, "invalid email format in token"
	}
	return claims.Email, 0, ""
}

var errTenantSwitch = errors.New("tenant switch is not allowed")

// Session builds the session for a verified e-mail. requestedTenant is the
// value of TenantHeader and may be empty.
func (a *Auth) Session(ctx context.Context, email, requestedTenant string) (tenant.Session, error) {
	user, err := a.repo.GetUserByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) && a.authBypass {
		user, err = a.provisionDev(ctx, email)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return tenant.Session{}, ErrNotProvisioned
	}
	if err != nil {
		return tenant.Session{}, err
	}
	if !user.Active {
		return tenant.Session{}, ErrNotProvisioned
	}

	teams, err := a.repo.ListTeamIDsForUser(ctx, user.TenantID, user.ID)
	if err != nil {
		return tenant.Session{}, err
	}
	sess := tenant.NewSession(user.TenantID, user.ID, user.Role, teams)

	if requestedTenant == "" || requestedTenant == user.TenantID {
		return sess, nil
	}
	if user.Role != models.RoleSuperAdmin {
		return tenant.Session{}, errTenantSwitch
	}
	if _, err := a.repo.GetTenant(ctx, requestedTenant); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return tenant.Session{}, errTenantSwitch
		}
		return tenant.Session{}, err
	}
	switched, err := sess.WithTenant(requestedTenant)
	if err != nil {
		return tenant.Session{}, errTenantSwitch
	}
	if a.logger != nil {
		a.logger.Info("super admin acting in tenant", "user_id", user.ID, "tenant_id", requestedTenant)
	}
	return switched, nil
}

// provisionDev creates the development tenant and its admin on first use.
func (a *Auth) provisionDev(ctx context.Context, email string) (*models.User, error) {
	domain := email[strings.LastIndex(email, "@")+1:]
	t, err := a.repo.GetTenantByDomain(ctx, domain)
	if errors.Is(err, repository.ErrNotFound) {
		t = &models.Tenant{Name: domain, Domain: domain}
		err = a.repo.CreateTenant(ctx, t)
	}
	if err != nil {
		return nil, err
	}
	user := &models.User{
		TenantID: t.ID,
		Email:    email,
		Name:     "Developer",
		Role:     models.RoleAdmin,
		Active:   true,
	}
	if err := a.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	if a.logger != nil {
		a.logger.Info("provisioned dev tenant", "domain", domain, "tenant_id", t.ID, "user_id", user.ID)
	}
	return user, nil
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   "id_token",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
