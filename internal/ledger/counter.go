package ledger

import "time"

// The unit counter: pure functions over one authorization's three counters.
// No I/O here; callers run these inside the store's locked transaction.

// Reserve tentatively allocates units for a scheduled appointment.
// Reservation never exhausts the authorization: EXHAUSTED is defined by
// UsedUnits alone, so a fully reserved record still reports ACTIVE.
func Reserve(a Authorization, units int64, now time.Time) (Authorization, error) {
	if units <= 0 {
		return Authorization{}, ErrInvalidQuantity
	}
	a = recomputeStatus(a, now)
	switch a.Status {
	case StatusCancelled, StatusExpired:
		return Authorization{}, ErrConflict
	}
	if units > a.AvailableUnits() {
		return Authorization{}, ErrInsufficientUnits
	}
	a.ScheduledUnits += units
	a.UpdatedAt = now
	return recomputeStatus(a, now), nil
}

// Release returns reserved units to available capacity, e.g. when an
// appointment is cancelled. Status is unaffected beyond the lazy
// recomputation applied to every mutation.
func Release(a Authorization, units int64, now time.Time) (Authorization, error) {
	if units <= 0 || units > a.ScheduledUnits {
		return Authorization{}, ErrInvalidReleaseAmount
	}
	a.ScheduledUnits -= units
	a.UpdatedAt = now
	return recomputeStatus(a, now), nil
}

// Consume permanently deducts previously reserved units once a session is
// completed. Consuming always draws down a reservation, never unreserved
// capacity.
func Consume(a Authorization, units int64, now time.Time) (Authorization, error) {
	if units <= 0 || units > a.ScheduledUnits {
		return Authorization{}, ErrInvalidReleaseAmount
	}
	if a.Status == StatusCancelled {
		return Authorization{}, ErrConflict
	}
	a.ScheduledUnits -= units
	a.UsedUnits += units
	a.UpdatedAt = now
	return recomputeStatus(a, now), nil
}

// CheckAvailable returns the counter snapshot after lazy status refresh.
func CheckAvailable(a Authorization, now time.Time) Availability {
	a = recomputeStatus(a, now)
	return Availability{
		TotalUnits:     a.TotalUnits,
		UsedUnits:      a.UsedUnits,
		ScheduledUnits: a.ScheduledUnits,
		AvailableUnits: a.AvailableUnits(),
	}
}

// recomputeStatus derives the non-administrative portion of the status from
// the counters and the validity window. CANCELLED is terminal and never
// recomputed. Derivation order: exhaustion wins over expiry, expiry over the
// date-window transition between PENDING and ACTIVE.
func recomputeStatus(a Authorization, now time.Time) Authorization {
	if a.Status == StatusCancelled {
		return a
	}
	switch {
	case a.UsedUnits >= a.TotalUnits:
		a.Status = StatusExhausted
	case now.After(a.EndDate):
		a.Status = StatusExpired
	case a.StartDate.After(now):
		a.Status = StatusPending
	default:
		a.Status = StatusActive
	}
	return a
}

// RecomputeStatus is the exported lazy refresh applied on read paths.
func RecomputeStatus(a Authorization, now time.Time) Authorization {
	return recomputeStatus(a, now)
}
