package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexflow-crm/backend/internal/cache"
	"nexflow-crm/backend/internal/logging"
	"nexflow-crm/backend/internal/repository"
	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/services"
	"nexflow-crm/backend/internal/storage"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/internal/validation"
	"nexflow-crm/backend/pkg/models"
)

// testUserHeader stands in for the identity middleware: it names the user
// row the session is derived from.
const testUserHeader = "X-Test-User"

type apiFixture struct {
	e        *echo.Echo
	repo     *repository.MemoryStore
	svc      *services.Services
	tenantID string
	adminID  string
	memberID string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	logger := logging.NewNop()
	repo := repository.NewMemoryStore()

	tn := &models.Tenant{Name: "Acme", Domain: "acme.test"}
	require.NoError(t, repo.CreateTenant(ctx, tn))
	admin := &models.User{TenantID: tn.ID, Email: "admin@acme.test", Role: models.RoleAdmin, Active: true}
	require.NoError(t, repo.CreateUser(ctx, admin))
	member := &models.User{TenantID: tn.ID, Email: "member@acme.test", Role: models.RoleMember, Active: true}
	require.NoError(t, repo.CreateUser(ctx, member))

	client := secure.NewClient(tenant.ContextResolver{}, cache.New(logger), secure.LogNotifier{Logger: logger}, logger)
	svc := services.New(repo, client, logger)
	backend, err := storage.NewLocalStorage(t.TempDir(), "/files")
	require.NoError(t, err)
	files := storage.New(backend, tenant.ContextResolver{}, logger)

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logger)
	server := NewServer(svc, files, logger)
	RegisterPublicHandlers(e, server, NewHandler(repo))

	g := e.Group("/api/v1")
	g.Use(Notices())
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if id := c.Request().Header.Get(testUserHeader); id != "" {
				u, err := repo.GetUser(c.Request().Context(), tn.ID, id)
				if err != nil {
					return err
				}
				sess := tenant.NewSession(u.TenantID, u.ID, u.Role, nil)
				c.SetRequest(c.Request().WithContext(tenant.WithSession(c.Request().Context(), sess)))
			}
			return next(c)
		}
	})
	RegisterHandlers(g, server)

	return &apiFixture{e: e, repo: repo, svc: svc, tenantID: tn.ID, adminID: admin.ID, memberID: member.ID}
}

func (f *apiFixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if user != "" {
		req.Header.Set(testUserHeader, user)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRequestsWithoutSessionAreUnauthorized(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/flows", "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	p := decode[ProblemDetails](t, rec)
	assert.Equal(t, "/api/v1/flows", p.Instance)
	assert.Equal(t, http.StatusUnauthorized, p.Status)
}

func TestFlowLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/flows", f.adminID, services.FlowInput{Name: "Sales"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get(NoticeHeader), "Flow created")
	flow := decode[models.Flow](t, rec)

	rec = f.do(t, http.MethodPatch, "/api/v1/flows/"+flow.ID, f.adminID, map[string]any{"description": "Inbound"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[models.Flow](t, rec)
	assert.Equal(t, "Sales", updated.Name, "only supplied fields change")
	assert.Equal(t, "Inbound", updated.Description)

	rec = f.do(t, http.MethodGet, "/api/v1/flows/"+flow.ID+"/access", f.memberID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	access := decode[services.FlowAccess](t, rec)
	assert.False(t, access.CanEdit)

	rec = f.do(t, http.MethodPost, "/api/v1/flows", f.memberID, services.FlowInput{Name: "Mine"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Header().Get(NoticeHeader), `"level":"error"`)

	rec = f.do(t, http.MethodPost, "/api/v1/flows", f.adminID, services.FlowInput{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	p := decode[ProblemDetails](t, rec)
	require.Len(t, p.Errors, 1)
	assert.Equal(t, "name", p.Errors[0].Field)

	rec = f.do(t, http.MethodDelete, "/api/v1/flows/"+flow.ID, f.adminID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/flows/"+flow.ID, f.adminID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBoardAndMove(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/flows", f.adminID, services.FlowInput{Name: "Sales"})
	flow := decode[models.Flow](t, rec)
	var steps []models.Step
	for _, title := range []string{"New", "Won"} {
		rec = f.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/steps", f.adminID, services.StepInput{Title: title, Kind: models.StepStandard})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		steps = append(steps, decode[models.Step](t, rec))
	}

	rec = f.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/cards", f.adminID,
		services.CardInput{StepID: steps[0].ID, Title: "Lead A"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	card := decode[models.Card](t, rec)

	rec = f.do(t, http.MethodPost, "/api/v1/cards/"+card.ID+"/move", f.adminID, MoveRequest{StepID: steps[1].ID, Position: 1000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/flows/"+flow.ID+"/board", f.adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	board := decode[models.Board](t, rec)
	assert.Empty(t, board.Buckets[steps[0].ID])
	require.Len(t, board.Buckets[steps[1].ID], 1)
	assert.Equal(t, card.ID, board.Buckets[steps[1].ID][0].ID)

	rec = f.do(t, http.MethodPost, "/api/v1/cards/"+card.ID+"/move", f.adminID, MoveRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/cards/"+card.ID+"/activities", f.adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	acts := decode[[]models.Activity](t, rec)
	assert.NotEmpty(t, acts)
}

func TestPublicFormSubmission(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/flows", f.adminID, services.FlowInput{Name: "Inbound"})
	flow := decode[models.Flow](t, rec)
	rec = f.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/steps", f.adminID, services.StepInput{Title: "Leads"})
	step := decode[models.Step](t, rec)

	rec = f.do(t, http.MethodPost, "/api/v1/forms", f.adminID, services.FormInput{FlowID: flow.ID, Name: "Contact"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	form := decode[models.Form](t, rec)

	rec = f.do(t, http.MethodPost, "/public/forms/"+form.ID+"/submissions", "", map[string]string{"name": "Maria"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/flows/"+flow.ID+"/board", f.adminID, nil)
	board := decode[models.Board](t, rec)
	require.Len(t, board.Buckets[step.ID], 1)
	assert.Equal(t, "Maria", board.Buckets[step.ID][0].Title)

	rec = f.do(t, http.MethodPost, "/public/forms/missing/submissions", "", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImportCardsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/flows", f.adminID, services.FlowInput{Name: "Inbound"})
	flow := decode[models.Flow](t, rec)
	rec = f.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/steps", f.adminID, services.StepInput{Title: "Leads"})
	step := decode[models.Step](t, rec)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "leads.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("Nome;Cidade\nAna;Recife\nBia;Natal\n"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("mapping", `{"Nome":"title","Cidade":"city"}`))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/flows/%s/steps/%s/import", flow.ID, step.ID), &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	req.Header.Set(testUserHeader, f.adminID)
	rec = httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[services.ImportResult](t, rec)
	assert.Equal(t, 2, res.Created)
	assert.Empty(t, res.Errors)
}

func TestFilesAreScopedToPrincipal(t *testing.T) {
	f := newAPIFixture(t)

	upload := func(user, name string) *httptest.ResponseRecorder {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, _ = part.Write([]byte("content"))
		require.NoError(t, mw.Close())
		req := httptest.NewRequest(http.MethodPost, "/api/v1/files", &body)
		req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
		req.Header.Set(testUserHeader, user)
		rec := httptest.NewRecorder()
		f.e.ServeHTTP(rec, req)
		return rec
	}

	rec := upload(f.adminID, "contract.txt")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	obj := decode[storage.Object](t, rec)

	rec = f.do(t, http.MethodGet, "/api/v1/files", f.memberID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]storage.Object](t, rec))

	rec = f.do(t, http.MethodDelete, "/api/v1/files/"+obj.Key, f.memberID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	p := decode[ProblemDetails](t, rec)
	assert.Equal(t, "Security Violation", p.Title)
	assert.NotContains(t, p.Detail, f.adminID)

	rec = f.do(t, http.MethodDelete, "/api/v1/files/"+obj.Key, f.adminID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestNotificationsEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/notifications", f.adminID,
		services.NotificationInput{UserID: f.memberID, Title: "Hello"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	n := decode[models.Notification](t, rec)

	rec = f.do(t, http.MethodGet, "/api/v1/notifications/unread-count", f.memberID, nil)
	assert.Equal(t, map[string]int{"unread": 1}, decode[map[string]int](t, rec))

	rec = f.do(t, http.MethodPatch, "/api/v1/notifications/"+n.ID, f.memberID, map[string]bool{"read": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/notifications?unread=true", f.memberID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]models.Notification](t, rec))

	rec = f.do(t, http.MethodGet, "/api/v1/notifications?unread=maybe", f.memberID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMe(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/me", f.memberID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[Me](t, rec)
	assert.Equal(t, f.tenantID, me.TenantID)
	assert.Equal(t, models.RoleMember, me.Role)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthStatus](t, rec).Status)
}

func TestProblemFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{validation.Errors{{Field: "x", Message: "bad"}}, http.StatusUnprocessableEntity},
		{tenant.ErrNoTenant, http.StatusUnauthorized},
		{secure.ErrQueryDisabled, http.StatusUnauthorized},
		{secure.Forbidden("nope"), http.StatusForbidden},
		{&secure.SecurityViolationError{Resource: "card", ExpectedTenant: "a", FoundTenant: "b"}, http.StatusForbidden},
		{fmt.Errorf("card: %w", repository.ErrNotFound), http.StatusNotFound},
		{repository.ErrConflict, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			p := problemFor(tt.err)
			assert.Equal(t, tt.status, p.Status)
			assert.NotContains(t, p.Detail, "tenant \"b\"")
		})
	}
	assert.Equal(t, "an unexpected error occurred", problemFor(errors.New("pq: secret")).Detail)
	assert.True(t, strings.HasPrefix(problemFor(repository.ErrConflict).Title, "Conflict"))
}
