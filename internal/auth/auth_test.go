package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nexflow-crm/backend/internal/config"
	"nexflow-crm/backend/internal/repository"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/pkg/models"

	"github.com/coreos/go-oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, args ...any) {}
func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

// MockKeySet satisfies oidc.KeySet to bypass signature verification
type MockKeySet struct{}

func (m *MockKeySet) VerifySignature(ctx context.Context, jwtToken string) ([]byte, error) {
	parts := strings.Split(jwtToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

// MockRepository mocks the user and tenant lookups. Other methods panic
// through the nil embedded interface.
type MockRepository struct {
	repository.Repository
	mock.Mock
}

func (m *MockRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockRepository) ListTeamIDsForUser(ctx context.Context, tenantID, userID string) ([]string, error) {
	args := m.Called(ctx, tenantID, userID)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockRepository) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Tenant), args.Error(1)
}

func (m *MockRepository) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	args := m.Called(ctx, domain)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Tenant), args.Error(1)
}

func (m *MockRepository) CreateTenant(ctx context.Context, t *models.Tenant) error {
	return m.Called(ctx, t).Error(0)
}

func (m *MockRepository) CreateUser(ctx context.Context, u *models.User) error {
	return m.Called(ctx, u).Error(0)
}

const testIssuer = "https://test-issuer.com"

func fakeToken(t *testing.T, email string) string {
	t.Helper()
	claims := map[string]interface{}{
		"iss":   testIssuer,
		"aud":   "test-client",
		"sub":   "test-user",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Add(-1 * time.Minute).Unix(),
		"email": email,
	}
	headerBytes, err := json.Marshal(map[string]interface{}{"alg": "RS256", "typ": "JWT", "kid": "test-key"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(headerBytes) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("fakesignature"))
}

func bearerAuth(repo repository.Repository) *Auth {
	verifier := oidc.NewVerifier(testIssuer, &MockKeySet{}, &oidc.Config{
		ClientID:          "test-client",
		SkipClientIDCheck: true,
	})
	return &Auth{apiVerifier: verifier, repo: repo, logger: &NoOpLogger{}}
}

// captureSession runs the middleware and returns the session the next
// handler saw, if it was reached.
func captureSession(t *testing.T, a *Auth, req *http.Request) (*httptest.ResponseRecorder, tenant.Session, bool) {
	t.Helper()
	var got tenant.Session
	var reached bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, reached = tenant.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	a.RequireAuth(next).ServeHTTP(rec, req)
	return rec, got, reached
}

func TestRequireAuth_BearerToken_DerivesSession(t *testing.T) {
	mockRepo := new(MockRepository)
	mockRepo.On("GetUserByEmail", mock.Anything, "user@acme.com").Return(&models.User{
		ID: "user-1", TenantID: "tenant-123", Email: "user@acme.com", Role: models.RoleMember, Active: true,
	}, nil)
	mockRepo.On("ListTeamIDsForUser", mock.Anything, "tenant-123", "user-1").Return([]string{"team-a"}, nil)

	req := httptest.NewRequest("GET", "/api/v1/flows", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, "user@acme.com"))

	rec, sess, ok := captureSession(t, bearerAuth(mockRepo), req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, ok, "session should be in context")
	assert.Equal(t, "tenant-123", sess.TenantID())
	assert.Equal(t, "user-1", sess.PrincipalID())
	assert.Equal(t, models.RoleMember, sess.Role())
	assert.True(t, sess.InTeam("team-a"))
	mockRepo.AssertExpectations(t)
}

func TestRequireAuth_UnknownPrincipalIsForbidden(t *testing.T) {
	mockRepo := new(MockRepository)
	mockRepo.On("GetUserByEmail", mock.Anything, "stranger@startup.io").Return(nil, repository.ErrNotFound)

	req := httptest.NewRequest("GET", "/api/v1/flows", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, "stranger@startup.io"))

	rec, _, reached := captureSession(t, bearerAuth(mockRepo), req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, reached)
	mockRepo.AssertNotCalled(t, "CreateTenant", mock.Anything, mock.Anything)
}

func TestRequireAuth_InvalidToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/flows", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")

	rec, _, reached := captureSession(t, bearerAuth(new(MockRepository)), req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, reached)
}

func TestRequireAuth_NoCredentialsRedirects(t *testing.T) {
	a := bearerAuth(new(MockRepository))
	rec, _, reached := captureSession(t, a, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
	assert.False(t, reached)
}

func TestRequireAuth_TenantHeader(t *testing.T) {
	t.Run("rejected for ordinary roles", func(t *testing.T) {
		mockRepo := new(MockRepository)
		mockRepo.On("GetUserByEmail", mock.Anything, "admin@acme.com").Return(&models.User{
			ID: "admin-1", TenantID: "acme", Role: models.RoleAdmin, Active: true,
		}, nil)
		mockRepo.On("ListTeamIDsForUser", mock.Anything, "acme", "admin-1").Return([]string{}, nil)

		req := httptest.NewRequest("GET", "/api/v1/flows", nil)
		req.Header.Set("Authorization", "Bearer "+fakeToken(t, "admin@acme.com"))
		req.Header.Set(TenantHeader, "globex")

		rec, _, reached := captureSession(t, bearerAuth(mockRepo), req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.False(t, reached)
	})

	t.Run("honoured for super admins", func(t *testing.T) {
		mockRepo := new(MockRepository)
		mockRepo.On("GetUserByEmail", mock.Anything, "root@nexflow.io").Return(&models.User{
			ID: "root", TenantID: "nexflow", Role: models.RoleSuperAdmin, Active: true,
		}, nil)
		mockRepo.On("ListTeamIDsForUser", mock.Anything, "nexflow", "root").Return([]string{"ops"}, nil)
		mockRepo.On("GetTenant", mock.Anything, "globex").Return(&models.Tenant{ID: "globex"}, nil)

		req := httptest.NewRequest("GET", "/api/v1/flows", nil)
		req.Header.Set("Authorization", "Bearer "+fakeToken(t, "root@nexflow.io"))
		req.Header.Set(TenantHeader, "globex")

		rec, sess, reached := captureSession(t, bearerAuth(mockRepo), req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.True(t, reached)
		assert.Equal(t, "globex", sess.TenantID())
		assert.Empty(t, sess.TeamIDs())
	})

	t.Run("unknown tenant", func(t *testing.T) {
		mockRepo := new(MockRepository)
		mockRepo.On("GetUserByEmail", mock.Anything, "root@nexflow.io").Return(&models.User{
			ID: "root", TenantID: "nexflow", Role: models.RoleSuperAdmin, Active: true,
		}, nil)
		mockRepo.On("ListTeamIDsForUser", mock.Anything, "nexflow", "root").Return([]string{}, nil)
		mockRepo.On("GetTenant", mock.Anything, "ghost").Return(nil, repository.ErrNotFound)

		req := httptest.NewRequest("GET", "/api/v1/flows", nil)
		req.Header.Set("Authorization", "Bearer "+fakeToken(t, "root@nexflow.io"))
		req.Header.Set(TenantHeader, "ghost")

		rec, _, _ := captureSession(t, bearerAuth(mockRepo), req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestRequireAuth_BypassModeProvisionsDevTenant(t *testing.T) {
	mockRepo := new(MockRepository)
	mockRepo.On("GetUserByEmail", mock.Anything, "dev@localhost").Return(nil, repository.ErrNotFound).Once()
	mockRepo.On("GetTenantByDomain", mock.Anything, "localhost").Return(nil, repository.ErrNotFound)
	mockRepo.On("CreateTenant", mock.Anything, mock.MatchedBy(func(t *models.Tenant) bool {
		return t.Domain == "localhost"
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*models.Tenant).ID = "dev-tenant-id"
	}).Return(nil)
	mockRepo.On("CreateUser", mock.Anything, mock.MatchedBy(func(u *models.User) bool {
		return u.TenantID == "dev-tenant-id" && u.Role == models.RoleAdmin
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*models.User).ID = "dev-user-id"
	}).Return(nil)
	mockRepo.On("ListTeamIDsForUser", mock.Anything, "dev-tenant-id", "dev-user-id").Return([]string{}, nil)

	cfg := &config.Config{Environment: "DEV", DevModeBypass: true}
	a, err := New(context.Background(), cfg, mockRepo, &NoOpLogger{})
	require.NoError(t, err)

	rec, sess, reached := captureSession(t, a, httptest.NewRequest("GET", "/api/v1/flows", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, reached)
	assert.Equal(t, "dev-tenant-id", sess.TenantID())
	assert.Equal(t, models.RoleAdmin, sess.Role())
	mockRepo.AssertExpectations(t)
}

func TestNew_RequiresProviderSettingsOutsideBypass(t *testing.T) {
	cfg := &config.Config{Environment: "PROD"}
	_, err := New(context.Background(), cfg, new(MockRepository), &NoOpLogger{})
	assert.Error(t, err)
}

func TestAdminClient_CreateUser(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/api/v1/users", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("activate"))
		assert.Equal(t, "SSWS secret", r.Header.Get("Authorization"))
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var got oktaCreateUser
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, "ana@acme.com", got.Profile.Login)
		require.NotNil(t, got.Credentials)
		assert.Equal(t, "s3cret!", got.Credentials.Password.Value)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"00u1"}`))
	}))
	defer srv.Close()

	c, err := NewAdminClient(srv.URL+"/oauth2/default", "secret")
	require.NoError(t, err)

	id, err := c.CreateUser(context.Background(), IdentityUser{
		Email: "ana@acme.com", FirstName: "Ana", LastName: "Souza", Password: "s3cret!",
	})
	require.NoError(t, err)
	assert.Equal(t, "00u1", id)
	assert.Equal(t, 2, calls, "a 503 is retried")
}

func TestAdminClient_ExistingUserIsPermanent(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errorSummary":"Api validation failed: login","errorCauses":[{"errorSummary":"login: An object with this field already exists in the current organization"}]}`))
	}))
	defer srv.Close()

	c, err := NewAdminClient(srv.URL, "secret")
	require.NoError(t, err)

	_, err = c.CreateUser(context.Background(), IdentityUser{Email: "ana@acme.com"})
	assert.ErrorIs(t, err, ErrUserExists)
	assert.Equal(t, 1, calls)
}

func TestNewAdminClient_Validates(t *testing.T) {
	_, err := NewAdminClient("", "token")
	assert.Error(t, err)
	_, err = NewAdminClient("not a url", "token")
	assert.Error(t, err)
}
