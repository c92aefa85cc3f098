package services

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexflow-crm/backend/internal/cache"
	"nexflow-crm/backend/internal/importer"
	"nexflow-crm/backend/internal/logging"
	"nexflow-crm/backend/internal/repository"
	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/internal/validation"
	"nexflow-crm/backend/pkg/models"
)

type fixture struct {
	repo     *repository.MemoryStore
	client   *secure.Client
	svc      *Services
	logger   *logging.Logger
	tenantID string
	adminID  string
	memberID string
	teamID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewMemoryStore()
	logger := logging.NewNop()
	client := secure.NewClient(tenant.ContextResolver{}, cache.New(logger), &secure.RecordingNotifier{}, logger)

	tn := &models.Tenant{Name: "Acme", Domain: "acme.test"}
	require.NoError(t, repo.CreateTenant(ctx, tn))
	admin := &models.User{TenantID: tn.ID, Email: "admin@acme.test", Name: "Admin", Role: models.RoleAdmin, Active: true}
	require.NoError(t, repo.CreateUser(ctx, admin))
	member := &models.User{TenantID: tn.ID, Email: "member@acme.test", Name: "Member", Role: models.RoleMember, Active: true}
	require.NoError(t, repo.CreateUser(ctx, member))
	team := &models.Team{TenantID: tn.ID, Name: "Sales"}
	require.NoError(t, repo.CreateTeam(ctx, team))

	return &fixture{
		repo:     repo,
		client:   client,
		svc:      New(repo, client, logger),
		logger:   logger,
		tenantID: tn.ID,
		adminID:  admin.ID,
		memberID: member.ID,
		teamID:   team.ID,
	}
}

// with builds services over repo sharing the fixture's cache and client.
func (f *fixture) with(repo repository.Repository) *Services {
	return New(repo, f.client, f.logger)
}

func (f *fixture) adminSession() tenant.Session {
	return tenant.NewSession(f.tenantID, f.adminID, models.RoleAdmin, nil)
}

func (f *fixture) memberSession(teams ...string) tenant.Session {
	return tenant.NewSession(f.tenantID, f.memberID, models.RoleMember, teams)
}

func as(sess tenant.Session) context.Context {
	return tenant.WithSession(context.Background(), sess)
}

// flowWithSteps creates a flow with one company step per title.
func (f *fixture) flowWithSteps(t *testing.T, titles ...string) (*models.Flow, []*models.Step) {
	t.Helper()
	ctx := as(f.adminSession())
	flow, err := f.svc.Flows.Create(ctx, FlowInput{Name: "Sales pipeline"})
	require.NoError(t, err)
	steps := make([]*models.Step, len(titles))
	for i, title := range titles {
		steps[i], err = f.svc.Steps.Create(ctx, flow.ID, StepInput{Title: title})
		require.NoError(t, err)
	}
	return flow, steps
}

func bucketIDs(b *models.Board, stepID string) []string {
	out := []string{}
	for _, c := range b.Buckets[stepID] {
		out = append(out, c.ID)
	}
	return out
}

// failingCards fails every card write after letting a hook observe the
// state at the moment of the call.
type failingCards struct {
	repository.Repository
	onUpdate func()
}

var errNetwork = errors.New("network unreachable")

func (r failingCards) UpdateCard(context.Context, *models.Card) error {
	if r.onUpdate != nil {
		r.onUpdate()
	}
	return errNetwork
}

func (r failingCards) DeleteCard(context.Context, string, string) error {
	return errNetwork
}

func TestMoveCardEndToEnd(t *testing.T) {
	f := newFixture(t)
	sess := f.adminSession()
	ctx := as(sess)
	flow, steps := f.flowWithSteps(t, "S1", "S2")
	s1, s2 := steps[0], steps[1]
	assert.Equal(t, 0, s1.Position)
	assert.Equal(t, 1, s2.Position)

	card, err := f.svc.Cards.Create(ctx, flow.ID, CardInput{StepID: s1.ID, FieldValues: map[string]any{"title": "Lead A"}})
	require.NoError(t, err)
	assert.Equal(t, "Lead A", card.Title)

	t.Run("failed move rolls back", func(t *testing.T) {
		before, err := f.svc.Cards.Board(ctx, flow.ID)
		require.NoError(t, err)
		require.Equal(t, []string{card.ID}, bucketIDs(before, s1.ID))
		snapshot := before.Clone()

		boardKey := f.client.PrincipalKey(sess, ResourceBoard, flow.ID)
		var during *models.Board
		failing := f.with(failingCards{Repository: f.repo, onUpdate: func() {
			during, _ = cache.Get[*models.Board](f.client.Cache(), boardKey)
		}})

		_, err = failing.Cards.Move(ctx, card.ID, s2.ID, 1000)
		require.ErrorIs(t, err, errNetwork)

		require.NotNil(t, during)
		assert.Equal(t, []string{card.ID}, bucketIDs(during, s2.ID), "optimistic state shows the card in S2")
		assert.Empty(t, bucketIDs(during, s1.ID))

		after, ok := cache.Get[*models.Board](f.client.Cache(), boardKey)
		require.True(t, ok)
		assert.True(t, reflect.DeepEqual(snapshot, after), "board equals the pre-move snapshot")
		assert.Equal(t, []string{card.ID}, bucketIDs(after, s1.ID))

		stored, err := f.repo.GetCard(context.Background(), f.tenantID, card.ID)
		require.NoError(t, err)
		assert.Equal(t, s1.ID, stored.StepID)
	})

	t.Run("successful move", func(t *testing.T) {
		moved, err := f.svc.Cards.Move(ctx, card.ID, s2.ID, 1000)
		require.NoError(t, err)
		assert.Equal(t, s2.ID, moved.StepID)
		require.Len(t, moved.History, 1)
		assert.Equal(t, s1.ID, moved.History[0].FromStepID)

		board, err := f.svc.Cards.Board(ctx, flow.ID)
		require.NoError(t, err)
		assert.Empty(t, bucketIDs(board, s1.ID))
		require.Equal(t, []string{card.ID}, bucketIDs(board, s2.ID))
		assert.Equal(t, 1000.0, board.Buckets[s2.ID][0].Position)

		acts, err := f.svc.Activities.List(ctx, card.ID)
		require.NoError(t, err)
		kinds := []models.ActivityKind{}
		for _, a := range acts {
			kinds = append(kinds, a.Kind)
		}
		assert.Contains(t, kinds, models.ActivityMoved)
	})
}

func TestDeleteCardRollsBack(t *testing.T) {
	f := newFixture(t)
	sess := f.adminSession()
	ctx := as(sess)
	flow, steps := f.flowWithSteps(t, "S1")
	card, err := f.svc.Cards.Create(ctx, flow.ID, CardInput{StepID: steps[0].ID, Title: "Lead"})
	require.NoError(t, err)
	before, err := f.svc.Cards.Board(ctx, flow.ID)
	require.NoError(t, err)

	err = f.with(failingCards{Repository: f.repo}).Cards.Delete(ctx, card.ID)
	require.ErrorIs(t, err, errNetwork)
	after, ok := cache.Get[*models.Board](f.client.Cache(), f.client.PrincipalKey(sess, ResourceBoard, flow.ID))
	require.True(t, ok)
	assert.Same(t, before, after)

	require.NoError(t, f.svc.Cards.Delete(ctx, card.ID))
	board, err := f.svc.Cards.Board(ctx, flow.ID)
	require.NoError(t, err)
	assert.Zero(t, board.Count())
}

func TestMoveIntoTerminalSteps(t *testing.T) {
	f := newFixture(t)
	ctx := as(f.adminSession())
	flow, steps := f.flowWithSteps(t, "Open")
	won, err := f.svc.Steps.Create(ctx, flow.ID, StepInput{Title: "Won", Kind: models.StepFinisher})
	require.NoError(t, err)
	lost, err := f.svc.Steps.Create(ctx, flow.ID, StepInput{Title: "Lost", Kind: models.StepFail})
	require.NoError(t, err)

	card, err := f.svc.Cards.Create(ctx, flow.ID, CardInput{StepID: steps[0].ID, Title: "Deal"})
	require.NoError(t, err)
	assert.Equal(t, models.CardActive, card.Status)

	moved, err := f.svc.Cards.Move(ctx, card.ID, won.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, models.CardCompleted, moved.Status)

	moved, err = f.svc.Cards.Move(ctx, card.ID, lost.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, models.CardCanceled, moved.Status)

	moved, err = f.svc.Cards.Move(ctx, card.ID, steps[0].ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, models.CardActive, moved.Status)
	assert.Len(t, moved.History, 3)
}

func TestCardUpdateChangesOnlySuppliedFields(t *testing.T) {
	f := newFixture(t)
	ctx := as(f.adminSession())
	flow, steps := f.flowWithSteps(t, "S1")
	card, err := f.svc.Cards.Create(ctx, flow.ID, CardInput{
		StepID:      steps[0].ID,
		Title:       "Lead",
		FieldValues: map[string]any{"source": "web", "city": "Recife"},
		AssignedTo:  f.memberID,
	})
	require.NoError(t, err)
	before, err := f.repo.GetCard(context.Background(), f.tenantID, card.ID)
	require.NoError(t, err)

	title := "Lead (qualified)"
	updated, err := f.svc.Cards.Update(ctx, card.ID, models.CardPatch{
		Title:       &title,
		FieldValues: map[string]any{"city": nil},
	})
	require.NoError(t, err)

	want := before.Clone()
	want.Title = title
	want.FieldValues = map[string]any{"source": "web"}
	want.UpdatedAt = updated.UpdatedAt
	assert.Equal(t, want, *updated)

	stored, err := f.repo.GetCard(context.Background(), f.tenantID, card.ID)
	require.NoError(t, err)
	assert.Equal(t, want.Title, stored.Title)
	assert.Equal(t, want.FieldValues, stored.FieldValues)
	assert.Equal(t, before.AssignedTo, stored.AssignedTo)
	assert.Equal(t, before.Position, stored.Position)
}

func TestCardAssignmentPrincipalWins(t *testing.T) {
	f := newFixture(t)
	ctx := as(f.adminSession())
	flow, steps := f.flowWithSteps(t, "S1")
	card, err := f.svc.Cards.Create(ctx, flow.ID, CardInput{StepID: steps[0].ID, Title: "Lead", AssignedTeamID: f.teamID})
	require.NoError(t, err)
	require.NotNil(t, card.AssignedTeamID)

	updated, err := f.svc.Cards.Update(ctx, card.ID, models.CardPatch{
		AssignedTo:     models.StringPtr(f.memberID),
		AssignedTeamID: models.StringPtr(f.teamID),
	})
	require.NoError(t, err)
	require.NotNil(t, updated.AssignedTo)
	assert.Equal(t, f.memberID, *updated.AssignedTo)
	assert.Nil(t, updated.AssignedTeamID)

	inbox, err := f.svc.Notifications.List(as(f.memberSession()))
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "Card assigned to you", inbox[0].Title)
}

func TestCardFieldValidation(t *testing.T) {
	f := newFixture(t)
	ctx := as(f.adminSession())
	flow, steps := f.flowWithSteps(t, "S1", "S2")
	_, err := f.svc.Fields.Create(ctx, steps[0].ID, FieldInput{Label: "CNPJ", Type: models.FieldCNPJ, Required: true, Unique: true})
	require.NoError(t, err)
	_, err = f.svc.Fields.Create(ctx, steps[1].ID, FieldInput{Label: "Contract", Type: models.FieldText, Required: true})
	require.NoError(t, err)

	_, err = f.svc.Cards.Create(ctx, flow.ID, CardInput{StepID: steps[0].ID, Title: "No doc"})
	assert.ErrorIs(t, err, validation.ErrInvalid)

	_, err = f.svc.Cards.Create(ctx, flow.ID, CardInput{StepID: steps[0].ID, Title: "Bad doc", FieldValues: map[string]any{"cnpj": "11.222.333/0001-80"}})
	assert.ErrorIs(t, err, validation.ErrInvalid)

	card, err := f.svc.Cards.Create(ctx, flow.ID, CardInput{StepID: steps[0].ID, Title: "Acme", FieldValues: map[string]any{"cnpj": "11222333000181"}})
	require.NoError(t, err, "required fields of later steps do not apply")
	assert.Equal(t, "11.222.333/0001-81", card.FieldValues["cnpj"])

	_, err = f.svc.Cards.Create(ctx, flow.ID, CardInput{StepID: steps[0].ID, Title: "Dup", FieldValues: map[string]any{"cnpj": "11.222.333/0001-81"}})
	assert.ErrorIs(t, err, validation.ErrInvalid, "unique values are enforced across the flow")

	cards, err := f.repo.ListCards(context.Background(), f.tenantID, flow.ID)
	require.NoError(t, err)
	assert.Len(t, cards, 1, "rejected creates write nothing")
}

func TestClearingRequiredValueIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := as(f.adminSession())
	flow, steps := f.flowWithSteps(t, "S1", "S2")
	_, err := f.svc.Fields.Create(ctx, steps[0].ID, FieldInput{Label: "Company", Type: models.FieldText, Required: true})
	require.NoError(t, err)
	_, err = f.svc.Fields.Create(ctx, steps[1].ID, FieldInput{Label: "Contract", Type: models.FieldText, Required: true})
	require.NoError(t, err)
	_, err = f.svc.Fields.Create(ctx, steps[0].ID, FieldInput{Label: "Notes", Type: models.FieldText})
	require.NoError(t, err)

	card, err := f.svc.Cards.Create(ctx, flow.ID, CardInput{StepID: steps[0].ID, Title: "Acme",
		FieldValues: map[string]any{"company": "Acme", "notes": "call back"}})
	require.NoError(t, err)

	_, err = f.svc.Cards.Update(ctx, card.ID, models.CardPatch{FieldValues: map[string]any{"company": nil}})
	var fieldErrs validation.Errors
	require.ErrorAs(t, err, &fieldErrs)
	assert.Equal(t, "company", fieldErrs[0].Field)

	stored, err := f.repo.GetCard(context.Background(), f.tenantID, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", stored.FieldValues["company"])

	updated, err := f.svc.Cards.Update(ctx, card.ID, models.CardPatch{FieldValues: map[string]any{"notes": nil, "contract": nil}})
	require.NoError(t, err, "optional fields and other steps' fields may be cleared")
	_, ok := updated.FieldValues["notes"]
	assert.False(t, ok)
	assert.Equal(t, "Acme", updated.FieldValues["company"])
}

func TestQueriesDisabledWithoutSession(t *testing.T) {
	f := newFixture(t)
	counting := &countingRepo{Repository: f.repo}
	svc := f.with(counting)

	ctx := context.Background()
	flows, err := svc.Flows.List(ctx)
	assert.ErrorIs(t, err, secure.ErrQueryDisabled)
	assert.Nil(t, flows)
	_, err = svc.Cards.Board(ctx, "any")
	assert.ErrorIs(t, err, tenant.ErrNoTenant)
	_, err = svc.Notifications.List(ctx)
	assert.ErrorIs(t, err, tenant.ErrNoTenant)
	assert.Zero(t, counting.count(), "no repository call without a tenant")
}

type countingRepo struct {
	repository.Repository
	mu    sync.Mutex
	calls int
}

func (r *countingRepo) bump() {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
}

func (r *countingRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *countingRepo) ListFlows(ctx context.Context, tenantID string) ([]models.Flow, error) {
	r.bump()
	return r.Repository.ListFlows(ctx, tenantID)
}

func (r *countingRepo) ListSteps(ctx context.Context, tenantID, flowID string) ([]models.Step, error) {
	r.bump()
	return r.Repository.ListSteps(ctx, tenantID, flowID)
}

func (r *countingRepo) ListNotifications(ctx context.Context, tenantID, userID string) ([]models.Notification, error) {
	r.bump()
	return r.Repository.ListNotifications(ctx, tenantID, userID)
}

// leakyFlows returns a flow of another tenant alongside the real ones.
type leakyFlows struct {
	repository.Repository
}

func (r leakyFlows) ListFlows(ctx context.Context, tenantID string) ([]models.Flow, error) {
	flows, err := r.Repository.ListFlows(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return append(flows, models.Flow{ID: "foreign", TenantID: "other-tenant", Name: "Not yours"}), nil
}

func TestForeignRecordsAreRejected(t *testing.T) {
	f := newFixture(t)
	f.flowWithSteps(t, "S1")
	svc := f.with(leakyFlows{Repository: f.repo})

	flows, err := svc.Flows.List(as(f.adminSession()))
	require.Error(t, err)
	assert.True(t, secure.IsSecurityViolation(err))
	assert.Nil(t, flows)
	_, cached := f.client.Cache().Peek(f.client.PrincipalKey(f.adminSession(), ResourceFlows))
	assert.False(t, cached)
}

// failingFlows fails every flow write.
type failingFlows struct {
	repository.Repository
}

func (failingFlows) UpdateFlow(context.Context, *models.Flow) error { return errNetwork }

func TestFailedFlowUpdateRestoresCache(t *testing.T) {
	f := newFixture(t)
	sess := f.adminSession()
	ctx := as(sess)
	flow, _ := f.flowWithSteps(t, "S1")

	list, err := f.svc.Flows.List(ctx)
	require.NoError(t, err)
	one, err := f.svc.Flows.Get(ctx, flow.ID)
	require.NoError(t, err)

	rec := &secure.RecordingNotifier{}
	name := "Renamed"
	_, err = f.with(failingFlows{Repository: f.repo}).Flows.Update(secure.WithNotifier(ctx, rec), flow.ID, models.FlowPatch{Name: &name})
	require.ErrorIs(t, err, errNetwork)

	afterList, _ := cache.Get[[]models.Flow](f.client.Cache(), f.client.PrincipalKey(sess, ResourceFlows))
	afterOne, _ := cache.Get[models.Flow](f.client.Cache(), f.client.Key(sess, ResourceFlow, flow.ID))
	assert.Equal(t, list, afterList)
	assert.Equal(t, one, afterOne)
	require.Len(t, rec.Notices(), 1)
	assert.False(t, rec.Notices()[0].Success)
	assert.Equal(t, "Could not update flow", rec.Notices()[0].Message)
}

func TestMutationLeavesOtherTenantsCached(t *testing.T) {
	f := newFixture(t)
	bg := context.Background()
	other := &models.Tenant{Name: "Other", Domain: "other.test"}
	require.NoError(t, f.repo.CreateTenant(bg, other))
	otherAdmin := &models.User{TenantID: other.ID, Email: "admin@other.test", Role: models.RoleAdmin, Active: true}
	require.NoError(t, f.repo.CreateUser(bg, otherAdmin))
	otherSess := tenant.NewSession(other.ID, otherAdmin.ID, models.RoleAdmin, nil)

	_, err := f.svc.Flows.List(as(otherSess))
	require.NoError(t, err)
	_, err = f.svc.Flows.List(as(f.adminSession()))
	require.NoError(t, err)

	f.flowWithSteps(t, "S1")
	_, cached := f.client.Cache().Peek(f.client.PrincipalKey(otherSess, ResourceFlows))
	assert.True(t, cached, "another tenant's entries survive")
	_, cached = f.client.Cache().Peek(f.client.PrincipalKey(f.adminSession(), ResourceFlows))
	assert.False(t, cached)

	flows, err := f.svc.Flows.List(as(otherSess))
	require.NoError(t, err)
	assert.Empty(t, flows)
}

func TestStepVisibilityOnBoard(t *testing.T) {
	f := newFixture(t)
	admin := as(f.adminSession())
	flow, steps := f.flowWithSteps(t, "Public")
	restricted, err := f.svc.Steps.Create(admin, flow.ID, StepInput{
		Title:          "Sales only",
		Visibility:     models.VisibilityTeam,
		AllowedTeamIDs: []string{f.teamID},
	})
	require.NoError(t, err)
	hidden, err := f.svc.Cards.Create(admin, flow.ID, CardInput{StepID: restricted.ID, Title: "Secret deal"})
	require.NoError(t, err)

	outsider := as(f.memberSession())
	board, err := f.svc.Cards.Board(outsider, flow.ID)
	require.NoError(t, err)
	_, ok := board.Buckets[restricted.ID]
	assert.False(t, ok)
	_, ok = board.Buckets[steps[0].ID]
	assert.True(t, ok)

	_, err = f.svc.Cards.Get(outsider, hidden.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = f.svc.Cards.Create(outsider, flow.ID, CardInput{StepID: restricted.ID, Title: "Sneaky"})
	assert.ErrorIs(t, err, secure.ErrForbidden)

	insider := as(f.memberSession(f.teamID))
	board, err = f.svc.Cards.Board(insider, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{hidden.ID}, bucketIDs(board, restricted.ID))

	access, err := f.svc.Flows.CheckAccess(outsider, flow.ID)
	require.NoError(t, err)
	assert.True(t, access.CanView)
	assert.False(t, access.CanEdit)
	assert.Equal(t, []string{steps[0].ID}, access.VisibleStepIDs)

	adminBoard, err := f.svc.Cards.Board(admin, flow.ID)
	require.NoError(t, err)
	assert.Len(t, adminBoard.Buckets, 2)
}

func TestLeavingTeamHidesRestrictedStep(t *testing.T) {
	f := newFixture(t)
	admin := as(f.adminSession())
	flow, steps := f.flowWithSteps(t, "Public")
	restricted, err := f.svc.Steps.Create(admin, flow.ID, StepInput{
		Title:          "Sales only",
		Visibility:     models.VisibilityTeam,
		AllowedTeamIDs: []string{f.teamID},
	})
	require.NoError(t, err)
	hidden, err := f.svc.Cards.Create(admin, flow.ID, CardInput{StepID: restricted.ID, Title: "Secret deal"})
	require.NoError(t, err)

	insider := as(f.memberSession(f.teamID))
	board, err := f.svc.Cards.Board(insider, flow.ID)
	require.NoError(t, err)
	require.Equal(t, []string{hidden.ID}, bucketIDs(board, restricted.ID))
	visible, err := f.svc.Steps.List(insider, flow.ID)
	require.NoError(t, err)
	require.Len(t, visible, 2)
	_, err = f.svc.Cards.Get(insider, hidden.ID)
	require.NoError(t, err)

	// Same principal, next request after being removed from the team.
	removed := as(f.memberSession())
	board, err = f.svc.Cards.Board(removed, flow.ID)
	require.NoError(t, err)
	_, ok := board.Buckets[restricted.ID]
	assert.False(t, ok)
	_, found := board.Find(hidden.ID)
	assert.False(t, found)

	visible, err = f.svc.Steps.List(removed, flow.ID)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, steps[0].ID, visible[0].ID)

	_, err = f.svc.Cards.Get(removed, hidden.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMembersCannotManageFlows(t *testing.T) {
	f := newFixture(t)
	flow, _ := f.flowWithSteps(t, "S1")
	ctx := as(f.memberSession())

	_, err := f.svc.Flows.Create(ctx, FlowInput{Name: "Mine"})
	assert.ErrorIs(t, err, secure.ErrForbidden)
	_, err = f.svc.Steps.Create(ctx, flow.ID, StepInput{Title: "S2"})
	assert.ErrorIs(t, err, secure.ErrForbidden)
	assert.ErrorIs(t, f.svc.Flows.Delete(ctx, flow.ID), secure.ErrForbidden)
}

func TestStepReorder(t *testing.T) {
	f := newFixture(t)
	ctx := as(f.adminSession())
	flow, steps := f.flowWithSteps(t, "A", "B", "C")

	assert.Error(t, f.svc.Steps.Reorder(ctx, flow.ID, []string{steps[0].ID, steps[1].ID}))
	require.NoError(t, f.svc.Steps.Reorder(ctx, flow.ID, []string{steps[2].ID, steps[0].ID, steps[1].ID}))

	list, err := f.svc.Steps.List(ctx, flow.ID)
	require.NoError(t, err)
	titles := []string{}
	for _, s := range list {
		titles = append(titles, s.Title)
	}
	assert.Equal(t, []string{"C", "A", "B"}, titles)
}

func TestFieldSlugsAreUniquePerStep(t *testing.T) {
	f := newFixture(t)
	ctx := as(f.adminSession())
	_, steps := f.flowWithSteps(t, "S1")

	field, err := f.svc.Fields.Create(ctx, steps[0].ID, FieldInput{Label: "Razão Social", Type: models.FieldText})
	require.NoError(t, err)
	assert.Equal(t, "razao_social", field.Slug)

	_, err = f.svc.Fields.Create(ctx, steps[0].ID, FieldInput{Label: "Razao social", Type: models.FieldText})
	assert.Error(t, err)

	_, err = f.svc.Fields.Create(ctx, steps[0].ID, FieldInput{Label: "Stage", Type: models.FieldSelect})
	assert.ErrorIs(t, err, validation.ErrInvalid, "select fields need options")
}

func TestNotifications(t *testing.T) {
	f := newFixture(t)
	admin := as(f.adminSession())
	member := as(f.memberSession())

	for _, title := range []string{"one", "two"} {
		_, err := f.svc.Notifications.Notify(admin, NotificationInput{UserID: f.memberID, Title: title})
		require.NoError(t, err)
	}
	_, err := f.svc.Notifications.Notify(admin, NotificationInput{UserID: "someone-else", Title: "x"})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	n, err := f.svc.Notifications.UnreadCount(member)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := f.svc.Notifications.List(member)
	require.NoError(t, err)
	_, err = f.svc.Notifications.MarkRead(member, list[0].ID, true)
	require.NoError(t, err)
	n, err = f.svc.Notifications.UnreadCount(member)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	changed, err := f.svc.Notifications.MarkAllRead(member)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	_, err = f.svc.Notifications.MarkRead(admin, list[0].ID, false)
	assert.ErrorIs(t, err, repository.ErrNotFound, "another principal's notification is invisible")
}

func TestCommentAppearsInFeed(t *testing.T) {
	f := newFixture(t)
	ctx := as(f.adminSession())
	flow, steps := f.flowWithSteps(t, "S1")
	card, err := f.svc.Cards.Create(ctx, flow.ID, CardInput{StepID: steps[0].ID, Title: "Lead"})
	require.NoError(t, err)

	_, err = f.svc.Activities.Comment(ctx, card.ID, "  ")
	assert.ErrorIs(t, err, validation.ErrInvalid)
	_, err = f.svc.Activities.Comment(ctx, card.ID, "Called the client")
	require.NoError(t, err)

	acts, err := f.svc.Activities.List(ctx, card.ID)
	require.NoError(t, err)
	require.NotEmpty(t, acts)
	found := false
	for _, a := range acts {
		if a.Kind == models.ActivityComment && a.Message == "Called the client" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestFormSubmission(t *testing.T) {
	f := newFixture(t)
	admin := as(f.adminSession())
	flow, steps := f.flowWithSteps(t, "Inbound", "Qualified")
	_, err := f.svc.Fields.Create(admin, steps[0].ID, FieldInput{Label: "Email", Type: models.FieldEmail, Required: true})
	require.NoError(t, err)

	form, err := f.svc.Forms.Create(admin, FormInput{
		FlowID:   flow.ID,
		Name:     "Contact us",
		FieldMap: map[string]string{"your_name": "title", "your_email": "email"},
	})
	require.NoError(t, err)

	_, err = f.svc.Cards.Board(admin, flow.ID)
	require.NoError(t, err)

	card, err := f.svc.Forms.Submit(context.Background(), form.ID, map[string]string{
		"your_name":  "Maria",
		"your_email": "maria@example.com",
		"tenant_id":  "attacker-tenant",
	})
	require.NoError(t, err)
	assert.Equal(t, f.tenantID, card.TenantID)
	assert.Equal(t, steps[0].ID, card.StepID)
	assert.Equal(t, "Maria", card.Title)
	assert.Equal(t, "form:"+form.ID, card.CreatedBy)

	board, err := f.svc.Cards.Board(admin, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{card.ID}, bucketIDs(board, steps[0].ID), "submission invalidates the tenant's cache")

	_, err = f.svc.Forms.Submit(context.Background(), form.ID, map[string]string{"your_name": "No email"})
	assert.ErrorIs(t, err, validation.ErrInvalid)

	inactive := &models.Form{TenantID: f.tenantID, FlowID: flow.ID, Name: "Old", Active: false}
	require.NoError(t, f.repo.CreateForm(context.Background(), inactive))
	_, err = f.svc.Forms.Submit(context.Background(), inactive.ID, map[string]string{"your_name": "x"})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = f.svc.Forms.Submit(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	inbox, err := f.svc.Notifications.List(admin)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "New form submission", inbox[0].Title)
}

func TestPartners(t *testing.T) {
	f := newFixture(t)
	ctx := as(f.adminSession())

	p, err := f.svc.Partners.Create(ctx, PartnerInput{Code: "P1", Name: "Acme Ltda", Document: "11222333000181", Email: "contato@acme.test"})
	require.NoError(t, err)
	assert.Equal(t, "11.222.333/0001-81", p.Document)

	_, err = f.svc.Partners.Create(ctx, PartnerInput{Code: "p1", Name: "Other", Document: "52998224725"})
	assert.ErrorIs(t, err, validation.ErrInvalid, "codes are unique per tenant")

	_, err = f.svc.Partners.Create(ctx, PartnerInput{Code: "P2", Name: "Bad", Document: "123"})
	assert.ErrorIs(t, err, validation.ErrInvalid)

	list, err := f.svc.Partners.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	name := "Acme S.A."
	updated, err := f.svc.Partners.Update(ctx, p.ID, models.PartnerPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Equal(t, p.Document, updated.Document)

	require.NoError(t, f.svc.Partners.Delete(ctx, p.ID))
	list, err = f.svc.Partners.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestImportCSV(t *testing.T) {
	f := newFixture(t)
	ctx := as(f.adminSession())
	flow, steps := f.flowWithSteps(t, "Leads")
	_, err := f.svc.Fields.Create(ctx, steps[0].ID, FieldInput{Label: "Email", Type: models.FieldEmail, Unique: true})
	require.NoError(t, err)

	csv := strings.Join([]string{
		"Nome;E-mail",
		"Lead A;a@example.com",
		"Lead B;not-an-email",
		"Lead C;a@example.com",
		";c@example.com",
		"Lead D;d@example.com",
	}, "\n")
	res, err := f.svc.Import.Import(ctx, flow.ID, steps[0].ID, strings.NewReader(csv), importer.Mapping{"Nome": "title", "E-mail": "email"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	lines := []int{}
	for _, e := range res.Errors {
		lines = append(lines, e.Line)
	}
	assert.Equal(t, []int{3, 4, 5}, lines)

	board, err := f.svc.Cards.Board(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, board.Count())
}
