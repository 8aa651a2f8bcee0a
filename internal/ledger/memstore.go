package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. It backs the
// development server and the test suite; production deployments use the
// Postgres store, which provides the same serialization guarantee across
// multiple service instances.
type InMemory struct {
	mu     sync.RWMutex
	recs   map[string]*Authorization
	events []UnitEvent
	seq    uint64
	idem   map[string]UnitEvent // orgID+"\x00"+key -> recorded event
	now    func() time.Time
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		recs: make(map[string]*Authorization),
		idem: make(map[string]UnitEvent),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock. Only intended for test use.
func (s *InMemory) SetClock(now func() time.Time) { s.now = now }

func (s *InMemory) Create(ctx context.Context, a Authorization) (Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = newID()
	}
	if _, ok := s.recs[a.ID]; ok {
		return Authorization{}, ErrConflict
	}
	now := s.now()
	a.CreatedAt = now
	a.UpdatedAt = now
	rec := a
	s.recs[a.ID] = &rec
	return a, nil
}

func (s *InMemory) Get(ctx context.Context, orgID, id string) (Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.locate(orgID, id)
	if err != nil {
		return Authorization{}, err
	}
	return *rec, nil
}

func (s *InMemory) Apply(ctx context.Context, orgID, id string, op UnitOp, fn ApplyFunc) (Authorization, UnitEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op.IdempotencyKey != "" {
		if ev, ok := s.idem[orgID+"\x00"+op.IdempotencyKey]; ok {
			rec, err := s.locate(orgID, ev.AuthorizationID)
			if err != nil {
				return Authorization{}, UnitEvent{}, err
			}
			return *rec, ev, nil
		}
	}

	rec, err := s.locate(orgID, id)
	if err != nil {
		return Authorization{}, UnitEvent{}, err
	}

	updated, err := fn(*rec)
	if err != nil {
		return Authorization{}, UnitEvent{}, err
	}
	*rec = updated

	s.seq++
	ev := UnitEvent{
		ID:              newID(),
		AuthorizationID: id,
		OrganizationID:  orgID,
		ActorID:         op.ActorID,
		Operation:       op.Operation,
		Units:           op.Units,
		UsedAfter:       updated.UsedUnits,
		ScheduledAfter:  updated.ScheduledUnits,
		StatusAfter:     updated.Status,
		IdempotencyKey:  op.IdempotencyKey,
		Sequence:        s.seq,
		CreatedAt:       s.now(),
	}
	s.events = append(s.events, ev)
	if op.IdempotencyKey != "" {
		s.idem[orgID+"\x00"+op.IdempotencyKey] = ev
	}
	return updated, ev, nil
}

func (s *InMemory) Update(ctx context.Context, orgID, id string, fn ApplyFunc) (Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.locate(orgID, id)
	if err != nil {
		return Authorization{}, err
	}
	updated, err := fn(*rec)
	if err != nil {
		return Authorization{}, err
	}
	*rec = updated
	return updated, nil
}

func (s *InMemory) Delete(ctx context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.locate(orgID, id); err != nil {
		return err
	}
	delete(s.recs, id)
	return nil
}

func (s *InMemory) ListByPatient(ctx context.Context, orgID, patientID string, limit, offset int) ([]Authorization, error) {
	res, _, err := s.List(ctx, orgID, ListFilter{PatientID: patientID, Limit: limit, Offset: offset})
	return res, err
}

func (s *InMemory) List(ctx context.Context, orgID string, filter ListFilter) ([]Authorization, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []Authorization
	for _, rec := range s.recs {
		if rec.OrganizationID != orgID {
			continue
		}
		if filter.PatientID != "" && rec.PatientID != filter.PatientID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		all = append(all, *rec)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *InMemory) ListEvents(ctx context.Context, orgID, id string, limit int, afterSeq uint64) ([]UnitEvent, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.locate(orgID, id); err != nil {
		return nil, 0, err
	}
	var res []UnitEvent
	var last uint64
	for _, ev := range s.events {
		if ev.AuthorizationID != id || ev.Sequence <= afterSeq {
			continue
		}
		res = append(res, ev)
		last = ev.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// locate resolves a record within the tenant scope. Callers hold s.mu.
func (s *InMemory) locate(orgID, id string) (*Authorization, error) {
	rec, ok := s.recs[id]
	if !ok || rec.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	return rec, nil
}
