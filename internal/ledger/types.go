package ledger

import (
	"errors"
	"time"

	"careunits.org/internal/ids"
)

// Status is the lifecycle state of an authorization. EXHAUSTED and EXPIRED are
// derived lazily from the unit counters and the validity window; CANCELLED is
// administrative and terminal.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusExhausted Status = "EXHAUSTED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Authorization is a payer-approved allotment of billable units for one
// patient/service pair over a date range. All unit counters are whole,
// non-negative integers; UsedUnits+ScheduledUnits never exceeds TotalUnits.
type Authorization struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	PatientID      string    `json:"patient_id"`
	ServiceCodeID  string    `json:"service_code_id"`
	InsuranceID    string    `json:"insurance_id,omitempty"`
	AuthNumber     string    `json:"auth_number,omitempty"`
	TotalUnits     int64     `json:"total_units"`
	UsedUnits      int64     `json:"used_units"`
	ScheduledUnits int64     `json:"scheduled_units"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	Status         Status    `json:"status"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AvailableUnits is the capacity neither consumed nor reserved.
func (a Authorization) AvailableUnits() int64 {
	return a.TotalUnits - a.UsedUnits - a.ScheduledUnits
}

// Availability is the read-only counter snapshot returned by CheckAvailable.
type Availability struct {
	TotalUnits     int64 `json:"total_units"`
	UsedUnits      int64 `json:"used_units"`
	ScheduledUnits int64 `json:"scheduled_units"`
	AvailableUnits int64 `json:"available_units"`
}

// Unit operations recorded in the journal.
const (
	OpReserve = "reserve"
	OpRelease = "release"
	OpConsume = "consume"
)

// UnitEvent is one journal entry for a unit-moving operation. The journal is
// append-only and records the counters as they stood after the operation, so a
// replayed idempotency key can return the recorded outcome.
type UnitEvent struct {
	ID              string    `json:"id"`
	AuthorizationID string    `json:"authorization_id"`
	OrganizationID  string    `json:"organization_id"`
	ActorID         string    `json:"actor_id"`
	Operation       string    `json:"operation"`
	Units           int64     `json:"units"`
	UsedAfter       int64     `json:"used_after"`
	ScheduledAfter  int64     `json:"scheduled_after"`
	StatusAfter     Status    `json:"status_after"`
	IdempotencyKey  string    `json:"idempotency_key,omitempty"`
	Sequence        uint64    `json:"sequence"`
	CreatedAt       time.Time `json:"created_at"`
}

var (
	ErrNotFound             = errors.New("authorization not found")
	ErrForbidden            = errors.New("operation not permitted")
	ErrInsufficientUnits    = errors.New("insufficient units available")
	ErrInvalidReleaseAmount = errors.New("amount exceeds scheduled units")
	ErrInvalidQuantity      = errors.New("invalid quantity (must be > 0)")
	ErrConflict             = errors.New("resource conflict")
	ErrTransientStore       = errors.New("transient store failure")
)

func newID() string {
	return ids.New()
}
