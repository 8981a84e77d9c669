// Package session stores session records in the shared cache, enforces
// multi-tenant ownership on every access, and maintains the per-owner
// index used for listing.
package session

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a session record.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// ErrSessionNotFound is returned both for a genuinely missing session and
// for an ownership mismatch. The two cases are deliberately
// indistinguishable so callers cannot enumerate session ids by probing
// error shapes.
var ErrSessionNotFound = errors.New("session not found")

// Record is the shared session state visible to every replica.
type Record struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Status    Status    `json:"status"`
	Turns     int       `json:"turns"`
	CostUSD   float64   `json:"cost_usd"`
	OwnerHash string    `json:"owner_hash,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateParams are the inputs to Store.Create.
type CreateParams struct {
	Model string
	// ID is optional; a UUID is generated when absent.
	ID string
	// Owner is the caller's credential. Only its digest is stored; an
	// empty owner makes the session public.
	Owner string
}

// UpdateParams carries a partial overwrite for Store.Update. Nil fields
// are left unchanged.
type UpdateParams struct {
	Status  *Status
	Turns   *int
	CostUSD *float64
	Model   *string
}
