package models

import (
	"time"
)

// Tenant is the isolation boundary of a customer organization ("client").
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t Tenant) TenantKey() string { return t.ID }
