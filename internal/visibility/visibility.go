// Package visibility decides which principals may see a step.
package visibility

import (
	"slices"

	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/pkg/models"
)

// Viewer is the principal a step is evaluated for.
type Viewer struct {
	UserID  string
	TeamIDs []string
}

// ViewerFromSession builds the viewer for the session principal.
func ViewerFromSession(s tenant.Session) Viewer {
	return Viewer{UserID: s.PrincipalID(), TeamIDs: s.TeamIDs()}
}

// CanView reports whether v may see step.
//
//   - company: everyone in the tenant.
//   - team: members of an allowed team; an empty allow-list means everyone.
//   - user_exclusion: as team, minus the principals on the deny-list. The
//     deny-list applies even when the allow-list is empty.
//
// The step's responsible principal always sees it unless denied. Unknown
// policies are hidden.
func CanView(step models.Step, v Viewer) bool {
	switch step.Visibility {
	case models.VisibilityCompany:
		return true
	case models.VisibilityTeam:
		return isResponsible(step, v) || inAllowedTeam(step, v)
	case models.VisibilityUserExclusion:
		if slices.Contains(step.ExcludedUserIDs, v.UserID) {
			return false
		}
		return isResponsible(step, v) || inAllowedTeam(step, v)
	default:
		return false
	}
}

// Filter returns the steps v may see, keeping their order.
func Filter(steps []models.Step, v Viewer) []models.Step {
	out := make([]models.Step, 0, len(steps))
	for _, s := range steps {
		if CanView(s, v) {
			out = append(out, s)
		}
	}
	return out
}

// VisibleIDs returns the ids of the steps v may see.
func VisibleIDs(steps []models.Step, v Viewer) map[string]bool {
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		if CanView(s, v) {
			ids[s.ID] = true
		}
	}
	return ids
}

func inAllowedTeam(step models.Step, v Viewer) bool {
	if len(step.AllowedTeamIDs) == 0 {
		return true
	}
	for _, id := range v.TeamIDs {
		if slices.Contains(step.AllowedTeamIDs, id) {
			return true
		}
	}
	return false
}

func isResponsible(step models.Step, v Viewer) bool {
	return step.ResponsibleUserID != nil && *step.ResponsibleUserID == v.UserID
}
