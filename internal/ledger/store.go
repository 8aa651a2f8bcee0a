package ledger

import "context"

// ApplyFunc mutates a locked authorization record. It runs inside the store's
// transaction; returning an error aborts the transaction with no writes.
type ApplyFunc func(a Authorization) (Authorization, error)

// UnitOp describes a unit-moving operation for the journal. An empty
// IdempotencyKey disables deduplication for the call.
type UnitOp struct {
	Operation      string
	Units          int64
	ActorID        string
	IdempotencyKey string
}

// ListFilter narrows List results. Zero values mean "no restriction".
type ListFilter struct {
	PatientID string
	Status    Status
	Limit     int
	Offset    int
}

// Store is the durable home of authorization records. Every method is scoped
// by organization id; a record belonging to another organization is reported
// as ErrNotFound, never ErrForbidden, so existence does not leak across
// tenants.
//
// Apply is the locked read-modify-write entry point: implementations must
// serialize concurrent Apply calls against the same record id (two calls on
// different ids proceed independently) and must either commit the updated
// record together with its journal entry or abort with no partial writes.
// Retryable infrastructure faults are retried a bounded number of times and
// then surfaced wrapped in ErrTransientStore.
type Store interface {
	Create(ctx context.Context, a Authorization) (Authorization, error)
	Get(ctx context.Context, orgID, id string) (Authorization, error)
	Apply(ctx context.Context, orgID, id string, op UnitOp, fn ApplyFunc) (Authorization, UnitEvent, error)
	Update(ctx context.Context, orgID, id string, fn ApplyFunc) (Authorization, error)
	Delete(ctx context.Context, orgID, id string) error
	ListByPatient(ctx context.Context, orgID, patientID string, limit, offset int) ([]Authorization, error)
	List(ctx context.Context, orgID string, filter ListFilter) ([]Authorization, int, error)
	ListEvents(ctx context.Context, orgID, id string, limit int, afterSeq uint64) ([]UnitEvent, uint64, error)
}
