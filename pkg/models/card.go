package models

import (
	"sort"
	"time"
)

// CardStatus is the lifecycle status of a card
type CardStatus string

const (
	CardActive    CardStatus = "active"
	CardCompleted CardStatus = "completed"
	CardCanceled  CardStatus = "canceled"
)

// Card is a unit of work positioned within exactly one step.
//
// A card is assigned to at most one of a principal (AssignedTo) or a team
// (AssignedTeamID), never both.
type Card struct {
	ID             string         `json:"id" db:"id"`
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	FlowID         string         `json:"flow_id" db:"flow_id"`
	StepID         string         `json:"step_id" db:"step_id"`
	Title          string         `json:"title" db:"title"`
	FieldValues    map[string]any `json:"field_values" db:"field_values"`
	Position       float64        `json:"position" db:"position"`
	AssignedTo     *string        `json:"assigned_to,omitempty" db:"assigned_to"`
	AssignedTeamID *string        `json:"assigned_team_id,omitempty" db:"assigned_team_id"`
	Status         CardStatus     `json:"status" db:"status"`
	History        []CardMovement `json:"history" db:"history"`
	CreatedBy      string         `json:"created_by" db:"created_by"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

func (c Card) TenantKey() string { return c.TenantID }

// CardMovement is one entry of a card's movement history.
type CardMovement struct {
	FromStepID string    `json:"from_step_id"`
	ToStepID   string    `json:"to_step_id"`
	MovedBy    string    `json:"moved_by"`
	MovedAt    time.Time `json:"moved_at"`
}

// Clone returns a deep copy of c. Field values are copied one level deep.
func (c Card) Clone() Card {
	if c.FieldValues != nil {
		fv := make(map[string]any, len(c.FieldValues))
		for k, v := range c.FieldValues {
			fv[k] = v
		}
		c.FieldValues = fv
	}
	if c.History != nil {
		h := make([]CardMovement, len(c.History))
		copy(h, c.History)
		c.History = h
	}
	c.AssignedTo = cloneStringPtr(c.AssignedTo)
	c.AssignedTeamID = cloneStringPtr(c.AssignedTeamID)
	return c
}

// CardPatch carries the fields of a partial card update.
//
// A nil field is left untouched. For AssignedTo and AssignedTeamID a pointer
// to the empty string clears the assignment. FieldValues are merged key by
// key; a nil value removes the key.
type CardPatch struct {
	Title          *string        `json:"title,omitempty"`
	StepID         *string        `json:"step_id,omitempty"`
	Position       *float64       `json:"position,omitempty"`
	FieldValues    map[string]any `json:"field_values,omitempty"`
	AssignedTo     *string        `json:"assigned_to,omitempty"`
	AssignedTeamID *string        `json:"assigned_team_id,omitempty"`
	Status         *CardStatus    `json:"status,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p CardPatch) Empty() bool {
	return p.Title == nil && p.StepID == nil && p.Position == nil && len(p.FieldValues) == 0 &&
		p.AssignedTo == nil && p.AssignedTeamID == nil && p.Status == nil
}

// SetsAssignment reports whether the patch assigns the card to someone.
func (p CardPatch) SetsAssignment() bool {
	return (p.AssignedTo != nil && *p.AssignedTo != "") || (p.AssignedTeamID != nil && *p.AssignedTeamID != "")
}

// ApplyCardPatch returns a copy of c with exactly the fields present in p
// changed. The same function computes the optimistic cache value and the row
// that is persisted, so both agree on the outcome.
//
// When both assignment fields are set, the principal assignment wins and the
// team assignment is cleared. A step change appends a movement entry.
func ApplyCardPatch(c Card, p CardPatch, actorID string, now time.Time) Card {
	out := c.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Position != nil {
		out.Position = *p.Position
	}
	if p.StepID != nil && *p.StepID != c.StepID {
		out.History = append(out.History, CardMovement{
			FromStepID: c.StepID,
			ToStepID:   *p.StepID,
			MovedBy:    actorID,
			MovedAt:    now,
		})
		out.StepID = *p.StepID
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if len(p.FieldValues) > 0 {
		if out.FieldValues == nil {
			out.FieldValues = make(map[string]any, len(p.FieldValues))
		}
		for k, v := range p.FieldValues {
			if v == nil {
				delete(out.FieldValues, k)
				continue
			}
			out.FieldValues[k] = v
		}
	}

	userSet := p.AssignedTo != nil && *p.AssignedTo != ""
	teamSet := p.AssignedTeamID != nil && *p.AssignedTeamID != ""
	switch {
	case userSet:
		out.AssignedTo = StringPtr(*p.AssignedTo)
		out.AssignedTeamID = nil
	case teamSet:
		out.AssignedTeamID = StringPtr(*p.AssignedTeamID)
		out.AssignedTo = nil
	default:
		if p.AssignedTo != nil {
			out.AssignedTo = nil
		}
		if p.AssignedTeamID != nil {
			out.AssignedTeamID = nil
		}
	}
	return out
}

// NormalizeAssignment enforces the single-assignee rule on a full card
// (principal wins).
func NormalizeAssignment(c Card) Card {
	if c.AssignedTo != nil && *c.AssignedTo == "" {
		c.AssignedTo = nil
	}
	if c.AssignedTeamID != nil && *c.AssignedTeamID == "" {
		c.AssignedTeamID = nil
	}
	if c.AssignedTo != nil {
		c.AssignedTeamID = nil
	}
	return c
}

// Board holds the cards of one flow bucketed by step. Boards are treated as
// immutable values: every mutating method returns a modified copy.
type Board struct {
	TenantID string            `json:"tenant_id"`
	FlowID   string            `json:"flow_id"`
	Buckets  map[string][]Card `json:"buckets"`
}

func (b *Board) TenantKey() string { return b.TenantID }

// TenantRecords returns every card on the board.
func (b *Board) TenantRecords() []TenantScoped {
	out := make([]TenantScoped, 0, b.Count())
	for _, cards := range b.Buckets {
		for _, c := range cards {
			out = append(out, c)
		}
	}
	return out
}

// NewBoard builds a board with one bucket per step, placing each card in the
// bucket of its step ordered by position.
func NewBoard(tenantID, flowID string, steps []Step, cards []Card) *Board {
	b := &Board{TenantID: tenantID, FlowID: flowID, Buckets: make(map[string][]Card, len(steps))}
	for _, s := range steps {
		b.Buckets[s.ID] = []Card{}
	}
	for _, c := range cards {
		b.Buckets[c.StepID] = append(b.Buckets[c.StepID], c)
	}
	for id := range b.Buckets {
		sortCards(b.Buckets[id])
	}
	return b
}

// Clone returns a deep copy of the board.
func (b *Board) Clone() *Board {
	out := &Board{TenantID: b.TenantID, FlowID: b.FlowID, Buckets: make(map[string][]Card, len(b.Buckets))}
	for id, cards := range b.Buckets {
		cp := make([]Card, len(cards))
		for i, c := range cards {
			cp[i] = c.Clone()
		}
		out.Buckets[id] = cp
	}
	return out
}

// Find returns the card with the given id.
func (b *Board) Find(cardID string) (Card, bool) {
	for _, cards := range b.Buckets {
		for _, c := range cards {
			if c.ID == cardID {
				return c, true
			}
		}
	}
	return Card{}, false
}

// Put returns a copy of the board with c placed in the bucket of c.StepID,
// removing any previous version of the card from every bucket.
func (b *Board) Put(c Card) *Board {
	out := b.Remove(c.ID)
	out.Buckets[c.StepID] = append(out.Buckets[c.StepID], c.Clone())
	sortCards(out.Buckets[c.StepID])
	return out
}

// Remove returns a copy of the board without the given card.
func (b *Board) Remove(cardID string) *Board {
	out := b.Clone()
	for id, cards := range out.Buckets {
		for i, c := range cards {
			if c.ID == cardID {
				out.Buckets[id] = append(cards[:i:i], cards[i+1:]...)
				break
			}
		}
	}
	return out
}

// Count returns the number of cards on the board.
func (b *Board) Count() int {
	n := 0
	for _, cards := range b.Buckets {
		n += len(cards)
	}
	return n
}

func sortCards(cards []Card) {
	sort.SliceStable(cards, func(i, j int) bool {
		if cards[i].Position == cards[j].Position {
			return cards[i].CreatedAt.Before(cards[j].CreatedAt)
		}
		return cards[i].Position < cards[j].Position
	})
}
