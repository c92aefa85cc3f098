// Package services holds the resource modules. Each module reads through
// secure.Query and writes through secure.Mutate, so every call runs under the
// caller's tenant session and shares one tenant-partitioned cache.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nexflow-crm/backend/internal/logging"
	"nexflow-crm/backend/internal/repository"
	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/internal/visibility"
	"nexflow-crm/backend/pkg/models"
)

// Cache resource names.
const (
	ResourceFlows         = "flows"
	ResourceFlow          = "flow"
	ResourceSteps         = "steps"
	ResourceFields        = "fields"
	ResourceBoard         = "board"
	ResourceCard          = "card"
	ResourceActivities    = "activities"
	ResourceNotifications = "notifications"
	ResourceForms         = "forms"
	ResourcePartners      = "partners"
)

// Services bundles the resource modules built on one repository and client.
type Services struct {
	Flows         *FlowService
	Steps         *StepService
	Fields        *FieldService
	Cards         *CardService
	Activities    *ActivityService
	Notifications *NotificationService
	Forms         *FormService
	Partners      *PartnerService
	Import        *ImportService
}

// New wires every resource module.
func New(repo repository.Repository, client *secure.Client, logger *logging.Logger) *Services {
	b := base{repo: repo, client: client, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	activities := &ActivityService{base: b}
	notifications := &NotificationService{base: b}
	cards := &CardService{base: b, activities: activities, notifications: notifications}
	return &Services{
		Flows:         &FlowService{base: b},
		Steps:         &StepService{base: b},
		Fields:        &FieldService{base: b},
		Cards:         cards,
		Activities:    activities,
		Notifications: notifications,
		Forms:         &FormService{base: b, cards: cards},
		Partners:      &PartnerService{base: b},
		Import:        &ImportService{base: b, cards: cards},
	}
}

type base struct {
	repo   repository.Repository
	client *secure.Client
	logger *logging.Logger
	now    func() time.Time
}

func requireManager(sess tenant.Session) error {
	if !sess.Role().CanManageFlows() {
		return secure.Forbidden("role %s cannot manage flows", sess.Role())
	}
	return nil
}

// visibleSteps applies the step visibility policy. Admins see every step.
func visibleSteps(sess tenant.Session, steps []models.Step) []models.Step {
	if sess.Role().IsAdmin() {
		return steps
	}
	return visibility.Filter(steps, visibility.ViewerFromSession(sess))
}

func canViewStep(sess tenant.Session, step models.Step) bool {
	return sess.Role().IsAdmin() || visibility.CanView(step, visibility.ViewerFromSession(sess))
}

// stepInFlow loads a step and checks it belongs to flowID.
func (b base) stepInFlow(ctx context.Context, sess tenant.Session, flowID, stepID string) (*models.Step, error) {
	step, err := b.repo.GetStep(ctx, sess.TenantID(), stepID)
	if err != nil {
		return nil, err
	}
	if step.FlowID != flowID {
		return nil, fmt.Errorf("step %s in flow %s: %w", stepID, flowID, repository.ErrNotFound)
	}
	return step, nil
}

// reorder returns items in the order of orderedIDs with positions
// rewritten to their index. It fails unless orderedIDs is a permutation of
// the item ids.
func reorder[T any](items []T, orderedIDs []string, id func(T) string, setPos func(*T, int)) ([]T, bool) {
	if len(items) != len(orderedIDs) {
		return nil, false
	}
	byID := make(map[string]T, len(items))
	for _, it := range items {
		byID[id(it)] = it
	}
	out := make([]T, 0, len(items))
	for i, oid := range orderedIDs {
		it, ok := byID[oid]
		if !ok {
			return nil, false
		}
		delete(byID, oid)
		setPos(&it, i)
		out = append(out, it)
	}
	return out, true
}

// logBestEffort logs failures of side effects that must not fail the
// surrounding write (activity entries, notifications).
func (b base) logBestEffort(what string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Warn(what+" failed", "error", err)
	}
}
