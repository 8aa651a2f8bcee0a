package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"careunits.org/internal/audit"
	"careunits.org/internal/auth"
	"careunits.org/internal/obs"
)

// ReferenceResolver validates that the patient and service-code references on
// a new authorization exist inside the caller's organization. Patient and
// service catalogs live outside the ledger; deployments wire their own
// resolver, a nil resolver skips the check.
type ReferenceResolver interface {
	PatientInOrganization(ctx context.Context, orgID, patientID string) (bool, error)
	ServiceCodeInOrganization(ctx context.Context, orgID, serviceCodeID string) (bool, error)
}

// CreateInput carries the fields of a new authorization.
type CreateInput struct {
	PatientID     string    `json:"patient_id"`
	ServiceCodeID string    `json:"service_code_id"`
	InsuranceID   string    `json:"insurance_id,omitempty"`
	AuthNumber    string    `json:"auth_number,omitempty"`
	TotalUnits    int64     `json:"total_units"`
	StartDate     time.Time `json:"start_date"`
	EndDate       time.Time `json:"end_date"`
	Notes         string    `json:"notes,omitempty"`
}

// UpdateInput patches administrative fields. Nil pointers leave the field
// untouched. Cancel moves the record to CANCELLED, the only status change
// update may perform.
type UpdateInput struct {
	InsuranceID *string    `json:"insurance_id,omitempty"`
	AuthNumber  *string    `json:"auth_number,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
	TotalUnits  *int64     `json:"total_units,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Cancel      bool       `json:"cancel,omitempty"`
}

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 25 * time.Millisecond
)

// Service orchestrates the authorization unit ledger: it scopes every call to
// the principal's organization, enforces role permissions, runs the unit
// counter inside the store's locked transaction, retries transient store
// faults, and emits audit events for every successful mutation.
//
// The service never locks in-process: serialization of concurrent operations
// on one record is owned entirely by the store, because multiple service
// instances may run against the same database.
type Service struct {
	store      Store
	sink       audit.Sink
	refs       ReferenceResolver
	now        func() time.Time
	maxRetries int
	retryDelay time.Duration
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the service clock. Only intended for test use.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithReferenceResolver wires the external patient/service catalog check.
func WithReferenceResolver(refs ReferenceResolver) Option {
	return func(s *Service) { s.refs = refs }
}

// WithRetry bounds the transient-fault retry loop.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(s *Service) {
		if attempts >= 0 {
			s.maxRetries = attempts
		}
		if delay > 0 {
			s.retryDelay = delay
		}
	}
}

// NewService constructs the ledger service. A nil sink disables audit
// emission (tests); production wiring passes audit.LogSink or better.
func NewService(store Store, sink audit.Sink, opts ...Option) *Service {
	s := &Service{
		store:      store,
		sink:       sink,
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and persists a new authorization. Initial status is ACTIVE
// when the window has opened, PENDING otherwise.
func (s *Service) Create(ctx context.Context, in CreateInput, p auth.Principal) (Authorization, error) {
	if !p.HasPermission(auth.PermAuthorizationCreate) {
		return Authorization{}, ErrForbidden
	}
	if strings.TrimSpace(in.PatientID) == "" || strings.TrimSpace(in.ServiceCodeID) == "" {
		return Authorization{}, ErrNotFound
	}
	if in.TotalUnits <= 0 {
		return Authorization{}, ErrInvalidQuantity
	}
	if !in.EndDate.After(in.StartDate) {
		return Authorization{}, ErrInvalidQuantity
	}
	if s.refs != nil {
		ok, err := s.refs.PatientInOrganization(ctx, p.OrganizationID, in.PatientID)
		if err != nil {
			return Authorization{}, err
		}
		if !ok {
			return Authorization{}, ErrNotFound
		}
		ok, err = s.refs.ServiceCodeInOrganization(ctx, p.OrganizationID, in.ServiceCodeID)
		if err != nil {
			return Authorization{}, err
		}
		if !ok {
			return Authorization{}, ErrNotFound
		}
	}

	now := s.now()
	a := Authorization{
		ID:             newID(),
		OrganizationID: p.OrganizationID,
		PatientID:      strings.TrimSpace(in.PatientID),
		ServiceCodeID:  strings.TrimSpace(in.ServiceCodeID),
		InsuranceID:    strings.TrimSpace(in.InsuranceID),
		AuthNumber:     strings.TrimSpace(in.AuthNumber),
		TotalUnits:     in.TotalUnits,
		StartDate:      in.StartDate,
		EndDate:        in.EndDate,
		Notes:          in.Notes,
	}
	a = recomputeStatus(a, now)

	var created Authorization
	err := s.withRetry(ctx, func() error {
		var err error
		created, err = s.store.Create(ctx, a)
		return err
	})
	if err != nil {
		return Authorization{}, err
	}
	s.emitAudit(ctx, "authorization.create", created.ID, p, nil, &created)
	return created, nil
}

// ReserveUnits tentatively allocates units for a scheduled appointment.
func (s *Service) ReserveUnits(ctx context.Context, id string, units int64, idemKey string, p auth.Principal) (Authorization, error) {
	if units <= 0 {
		obs.ObserveUnitOp(OpReserve, "invalid_quantity")
		return Authorization{}, ErrInvalidQuantity
	}
	return s.unitOp(ctx, id, units, idemKey, p, OpReserve, auth.PermUnitsReserve, Reserve)
}

// ReleaseUnits returns reserved units to available capacity.
func (s *Service) ReleaseUnits(ctx context.Context, id string, units int64, idemKey string, p auth.Principal) (Authorization, error) {
	if units <= 0 {
		obs.ObserveUnitOp(OpRelease, "invalid_release")
		return Authorization{}, ErrInvalidReleaseAmount
	}
	return s.unitOp(ctx, id, units, idemKey, p, OpRelease, auth.PermUnitsRelease, Release)
}

// ConsumeUnits converts reserved units into permanently used ones.
func (s *Service) ConsumeUnits(ctx context.Context, id string, units int64, idemKey string, p auth.Principal) (Authorization, error) {
	if units <= 0 {
		obs.ObserveUnitOp(OpConsume, "invalid_release")
		return Authorization{}, ErrInvalidReleaseAmount
	}
	return s.unitOp(ctx, id, units, idemKey, p, OpConsume, auth.PermUnitsConsume, Consume)
}

type counterFunc func(a Authorization, units int64, now time.Time) (Authorization, error)

func (s *Service) unitOp(ctx context.Context, id string, units int64, idemKey string, p auth.Principal, opName, perm string, apply counterFunc) (Authorization, error) {
	if !p.HasPermission(perm) {
		obs.ObserveUnitOp(opName, "forbidden")
		return Authorization{}, ErrForbidden
	}

	op := UnitOp{
		Operation:      opName,
		Units:          units,
		ActorID:        p.UserID,
		IdempotencyKey: strings.TrimSpace(idemKey),
	}

	var before Authorization
	applied := false
	fn := func(a Authorization) (Authorization, error) {
		before = a
		applied = true
		return apply(a, units, s.now())
	}

	var updated Authorization
	err := s.withRetry(ctx, func() error {
		var err error
		updated, _, err = s.store.Apply(ctx, p.OrganizationID, id, op, fn)
		return err
	})
	if err != nil {
		obs.ObserveUnitOp(opName, outcomeLabel(err))
		return Authorization{}, err
	}

	if !applied {
		// Idempotent replay: the store returned the recorded outcome without
		// running the counter again.
		obs.ObserveUnitOp(opName, "replay")
		s.emitAudit(ctx, "authorization.units."+opName+".replay", id, p, nil, &updated)
		return updated, nil
	}

	obs.ObserveUnitOp(opName, "ok")
	s.emitAudit(ctx, "authorization.units."+opName, id, p, &before, &updated)
	return updated, nil
}

// Get returns one authorization within the caller's organization.
func (s *Service) Get(ctx context.Context, id string, p auth.Principal) (Authorization, error) {
	if !p.HasPermission(auth.PermAuthorizationRead) {
		return Authorization{}, ErrForbidden
	}
	var a Authorization
	err := s.withRetry(ctx, func() error {
		var err error
		a, err = s.store.Get(ctx, p.OrganizationID, id)
		return err
	})
	if err != nil {
		return Authorization{}, err
	}
	return recomputeStatus(a, s.now()), nil
}

// CheckAvailableUnits returns the counter snapshot for one authorization.
func (s *Service) CheckAvailableUnits(ctx context.Context, id string, p auth.Principal) (Availability, error) {
	a, err := s.Get(ctx, id, p)
	if err != nil {
		return Availability{}, err
	}
	return CheckAvailable(a, s.now()), nil
}

// ListByPatient returns the patient's authorizations, newest first.
func (s *Service) ListByPatient(ctx context.Context, patientID string, limit, offset int, p auth.Principal) ([]Authorization, error) {
	if !p.HasPermission(auth.PermAuthorizationRead) {
		return nil, ErrForbidden
	}
	var res []Authorization
	err := s.withRetry(ctx, func() error {
		var err error
		res, err = s.store.ListByPatient(ctx, p.OrganizationID, patientID, limit, offset)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.refreshAll(res), nil
}

// List returns a filtered, paginated page plus the total match count.
func (s *Service) List(ctx context.Context, filter ListFilter, p auth.Principal) ([]Authorization, int, error) {
	if !p.HasPermission(auth.PermAuthorizationRead) {
		return nil, 0, ErrForbidden
	}
	var (
		res   []Authorization
		total int
	)
	err := s.withRetry(ctx, func() error {
		var err error
		res, total, err = s.store.List(ctx, p.OrganizationID, filter)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return s.refreshAll(res), total, nil
}

// ListEvents returns the unit journal for one authorization, cursor-paged by
// sequence number.
func (s *Service) ListEvents(ctx context.Context, id string, limit int, afterSeq uint64, p auth.Principal) ([]UnitEvent, uint64, error) {
	if !p.HasPermission(auth.PermAuthorizationRead) {
		return nil, 0, ErrForbidden
	}
	var (
		res  []UnitEvent
		next uint64
	)
	err := s.withRetry(ctx, func() error {
		var err error
		res, next, err = s.store.ListEvents(ctx, p.OrganizationID, id, limit, afterSeq)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return res, next, nil
}

// Update patches administrative fields under the write lock. TotalUnits may
// only grow or shrink while still covering the units already committed.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput, p auth.Principal) (Authorization, error) {
	if !p.HasPermission(auth.PermAuthorizationUpdate) {
		return Authorization{}, ErrForbidden
	}

	var before Authorization
	fn := func(a Authorization) (Authorization, error) {
		before = a
		now := s.now()

		if in.InsuranceID != nil {
			a.InsuranceID = strings.TrimSpace(*in.InsuranceID)
		}
		if in.AuthNumber != nil {
			a.AuthNumber = strings.TrimSpace(*in.AuthNumber)
		}
		if in.Notes != nil {
			a.Notes = *in.Notes
		}
		if in.TotalUnits != nil {
			if *in.TotalUnits <= 0 || *in.TotalUnits < a.UsedUnits+a.ScheduledUnits {
				return Authorization{}, ErrInvalidQuantity
			}
			a.TotalUnits = *in.TotalUnits
		}
		if in.StartDate != nil {
			a.StartDate = *in.StartDate
		}
		if in.EndDate != nil {
			a.EndDate = *in.EndDate
		}
		if !a.EndDate.After(a.StartDate) {
			return Authorization{}, ErrInvalidQuantity
		}

		if in.Cancel {
			switch a.Status {
			case StatusPending, StatusActive, StatusExhausted:
				a.Status = StatusCancelled
			default:
				return Authorization{}, ErrConflict
			}
		} else {
			a = recomputeStatus(a, now)
		}
		a.UpdatedAt = now
		return a, nil
	}

	var updated Authorization
	err := s.withRetry(ctx, func() error {
		var err error
		updated, err = s.store.Update(ctx, p.OrganizationID, id, fn)
		return err
	})
	if err != nil {
		return Authorization{}, err
	}
	s.emitAudit(ctx, "authorization.update", id, p, &before, &updated)
	return updated, nil
}

// Delete hard-removes an authorization. The store surfaces ErrConflict when
// dependent records still reference it.
func (s *Service) Delete(ctx context.Context, id string, p auth.Principal) error {
	if !p.HasPermission(auth.PermAuthorizationDelete) {
		return ErrForbidden
	}

	before, err := s.store.Get(ctx, p.OrganizationID, id)
	if err != nil {
		return err
	}
	err = s.withRetry(ctx, func() error {
		return s.store.Delete(ctx, p.OrganizationID, id)
	})
	if err != nil {
		return err
	}
	s.emitAudit(ctx, "authorization.delete", id, p, &before, nil)
	return nil
}

// withRetry re-runs fn on transient store faults, bounded by maxRetries. Any
// other error is surfaced immediately: retrying a logically rejected
// operation cannot succeed.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			obs.IncStoreRetry()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
		lastErr = fn()
		if lastErr == nil || !errors.Is(lastErr, ErrTransientStore) {
			return lastErr
		}
	}
	return lastErr
}

func (s *Service) refreshAll(recs []Authorization) []Authorization {
	now := s.now()
	for i := range recs {
		recs[i] = recomputeStatus(recs[i], now)
	}
	return recs
}

func (s *Service) emitAudit(ctx context.Context, operation, id string, p auth.Principal, before, after *Authorization) {
	if s.sink == nil {
		return
	}
	e := audit.Event{
		Operation:       operation,
		AuthorizationID: id,
		OrganizationID:  p.OrganizationID,
		ActorID:         p.UserID,
		Timestamp:       s.now(),
	}
	if before != nil {
		e.Before = *before
	}
	if after != nil {
		e.After = *after
	}
	if err := s.sink.Record(ctx, e); err != nil {
		obs.IncAuditFailure()
		obs.Log("error", "audit delivery failed", map[string]any{
			"operation": operation,
			"error":     err.Error(),
		})
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientUnits):
		return "insufficient_units"
	case errors.Is(err, ErrInvalidReleaseAmount):
		return "invalid_release"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrTransientStore):
		return "transient"
	default:
		return "error"
	}
}
