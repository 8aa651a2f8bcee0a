// Package pg implements the authorization store on PostgreSQL. Serialization
// of concurrent unit operations on one record relies on serializable
// transactions plus SELECT ... FOR UPDATE row locks, never on in-process
// locking, so any number of service instances can share one database.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"careunits.org/internal/ids"
	"careunits.org/internal/ledger"
)

const defaultMaxAttempts = 3

type Store struct {
	db          *sql.DB
	maxAttempts int
}

var _ ledger.Store = (*Store)(nil)

// Open connects to PostgreSQL with pool defaults tuned for the API workload.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, maxAttempts: defaultMaxAttempts}, nil
}

// NewWithDB wraps an existing connection pool. Used by tests and cmd wiring.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, maxAttempts: defaultMaxAttempts}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const authColumns = `id, organization_id, patient_id, service_code_id,
	coalesce(insurance_id,''), coalesce(auth_number,''),
	total_units, used_units, scheduled_units,
	start_date, end_date, status, notes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthorization(row rowScanner) (ledger.Authorization, error) {
	var a ledger.Authorization
	var status string
	err := row.Scan(
		&a.ID, &a.OrganizationID, &a.PatientID, &a.ServiceCodeID,
		&a.InsuranceID, &a.AuthNumber,
		&a.TotalUnits, &a.UsedUnits, &a.ScheduledUnits,
		&a.StartDate, &a.EndDate, &status, &a.Notes, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return ledger.Authorization{}, err
	}
	a.Status = ledger.Status(status)
	return a, nil
}

func (s *Store) Create(ctx context.Context, a ledger.Authorization) (ledger.Authorization, error) {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		insert into authorizations(
			id, organization_id, patient_id, service_code_id,
			insurance_id, auth_number,
			total_units, used_units, scheduled_units,
			start_date, end_date, status, notes, created_at, updated_at)
		values ($1,$2,$3,$4,nullif($5,''),nullif($6,''),$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, a.ID, a.OrganizationID, a.PatientID, a.ServiceCodeID,
		a.InsuranceID, a.AuthNumber,
		a.TotalUnits, a.UsedUnits, a.ScheduledUnits,
		a.StartDate, a.EndDate, string(a.Status), a.Notes, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.Authorization{}, ledger.ErrConflict
		}
		if isRetryable(err) {
			return ledger.Authorization{}, fmt.Errorf("%w: %v", ledger.ErrTransientStore, err)
		}
		return ledger.Authorization{}, err
	}
	return a, nil
}

func (s *Store) Get(ctx context.Context, orgID, id string) (ledger.Authorization, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+authColumns+` from authorizations
		where id=$1 and organization_id=$2
	`, id, orgID)
	a, err := scanAuthorization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Authorization{}, ledger.ErrNotFound
	}
	if err != nil {
		if isRetryable(err) {
			return ledger.Authorization{}, fmt.Errorf("%w: %v", ledger.ErrTransientStore, err)
		}
		return ledger.Authorization{}, err
	}
	return a, nil
}

// Apply is the locked read-modify-write entry point. Serialization failures
// and deadlocks are retried up to maxAttempts before surfacing as
// ErrTransientStore; rejections from fn abort immediately with no writes.
func (s *Store) Apply(ctx context.Context, orgID, id string, op ledger.UnitOp, fn ledger.ApplyFunc) (ledger.Authorization, ledger.UnitEvent, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		a, ev, err := s.applyOnce(ctx, orgID, id, op, fn)
		if err == nil || !isRetryable(err) {
			return a, ev, err
		}
		lastErr = err
	}
	return ledger.Authorization{}, ledger.UnitEvent{}, fmt.Errorf("%w: %v", ledger.ErrTransientStore, lastErr)
}

func (s *Store) applyOnce(ctx context.Context, orgID, id string, op ledger.UnitOp, fn ledger.ApplyFunc) (ledger.Authorization, ledger.UnitEvent, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Authorization{}, ledger.UnitEvent{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Idempotency: return the recorded outcome if the key was already applied.
	if op.IdempotencyKey != "" {
		ev, err := getEvent(ctx, tx, orgID, op.IdempotencyKey)
		if err == nil {
			row := tx.QueryRowContext(ctx, `
				select `+authColumns+` from authorizations
				where id=$1 and organization_id=$2
			`, ev.AuthorizationID, orgID)
			a, err := scanAuthorization(row)
			if errors.Is(err, sql.ErrNoRows) {
				return ledger.Authorization{}, ledger.UnitEvent{}, ledger.ErrNotFound
			}
			if err != nil {
				return ledger.Authorization{}, ledger.UnitEvent{}, err
			}
			return a, ev, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return ledger.Authorization{}, ledger.UnitEvent{}, err
		}
	}

	// Lock the record; the tenant filter makes a foreign record look absent.
	row := tx.QueryRowContext(ctx, `
		select `+authColumns+` from authorizations
		where id=$1 and organization_id=$2
		for update
	`, id, orgID)
	a, err := scanAuthorization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Authorization{}, ledger.UnitEvent{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Authorization{}, ledger.UnitEvent{}, err
	}

	updated, err := fn(a)
	if err != nil {
		return ledger.Authorization{}, ledger.UnitEvent{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		update authorizations set
			total_units=$3, used_units=$4, scheduled_units=$5,
			status=$6, updated_at=$7
		where id=$1 and organization_id=$2
	`, id, orgID,
		updated.TotalUnits, updated.UsedUnits, updated.ScheduledUnits,
		string(updated.Status), updated.UpdatedAt); err != nil {
		return ledger.Authorization{}, ledger.UnitEvent{}, err
	}

	ev := ledger.UnitEvent{
		ID:              newEventID(),
		AuthorizationID: id,
		OrganizationID:  orgID,
		ActorID:         op.ActorID,
		Operation:       op.Operation,
		Units:           op.Units,
		UsedAfter:       updated.UsedUnits,
		ScheduledAfter:  updated.ScheduledUnits,
		StatusAfter:     updated.Status,
		IdempotencyKey:  op.IdempotencyKey,
	}
	if err := tx.QueryRowContext(ctx, `
		insert into unit_events(
			id, authorization_id, organization_id, actor_id, operation, units,
			used_after, scheduled_after, status_after, idempotency_key)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,nullif($10,''))
		returning sequence, created_at
	`, ev.ID, ev.AuthorizationID, ev.OrganizationID, ev.ActorID, ev.Operation, ev.Units,
		ev.UsedAfter, ev.ScheduledAfter, string(ev.StatusAfter), ev.IdempotencyKey,
	).Scan(&ev.Sequence, &ev.CreatedAt); err != nil {
		return ledger.Authorization{}, ledger.UnitEvent{}, err
	}

	if err := tx.Commit(); err != nil {
		return ledger.Authorization{}, ledger.UnitEvent{}, err
	}
	return updated, ev, nil
}

func (s *Store) Update(ctx context.Context, orgID, id string, fn ledger.ApplyFunc) (ledger.Authorization, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		a, err := s.updateOnce(ctx, orgID, id, fn)
		if err == nil || !isRetryable(err) {
			return a, err
		}
		lastErr = err
	}
	return ledger.Authorization{}, fmt.Errorf("%w: %v", ledger.ErrTransientStore, lastErr)
}

func (s *Store) updateOnce(ctx context.Context, orgID, id string, fn ledger.ApplyFunc) (ledger.Authorization, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Authorization{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		select `+authColumns+` from authorizations
		where id=$1 and organization_id=$2
		for update
	`, id, orgID)
	a, err := scanAuthorization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Authorization{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Authorization{}, err
	}

	updated, err := fn(a)
	if err != nil {
		return ledger.Authorization{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		update authorizations set
			insurance_id=nullif($3,''), auth_number=nullif($4,''), notes=$5,
			total_units=$6, used_units=$7, scheduled_units=$8,
			start_date=$9, end_date=$10, status=$11, updated_at=$12
		where id=$1 and organization_id=$2
	`, id, orgID,
		updated.InsuranceID, updated.AuthNumber, updated.Notes,
		updated.TotalUnits, updated.UsedUnits, updated.ScheduledUnits,
		updated.StartDate, updated.EndDate, string(updated.Status), updated.UpdatedAt); err != nil {
		return ledger.Authorization{}, err
	}

	if err := tx.Commit(); err != nil {
		return ledger.Authorization{}, err
	}
	return updated, nil
}

func (s *Store) Delete(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from authorizations where id=$1 and organization_id=$2
	`, id, orgID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ledger.ErrConflict
		}
		if isRetryable(err) {
			return fmt.Errorf("%w: %v", ledger.ErrTransientStore, err)
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) ListByPatient(ctx context.Context, orgID, patientID string, limit, offset int) ([]ledger.Authorization, error) {
	res, _, err := s.List(ctx, orgID, ledger.ListFilter{PatientID: patientID, Limit: limit, Offset: offset})
	return res, err
}

func (s *Store) List(ctx context.Context, orgID string, filter ledger.ListFilter) ([]ledger.Authorization, int, error) {
	where := []string{"organization_id=$1"}
	args := []any{orgID}
	if filter.PatientID != "" {
		args = append(args, filter.PatientID)
		where = append(where, fmt.Sprintf("patient_id=$%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	cond := strings.Join(where, " and ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`select count(*) from authorizations where `+cond, args...,
	).Scan(&total); err != nil {
		if isRetryable(err) {
			return nil, 0, fmt.Errorf("%w: %v", ledger.ErrTransientStore, err)
		}
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		select `+authColumns+` from authorizations
		where `+cond+`
		order by created_at desc, id desc
		limit $%d offset $%d
	`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		if isRetryable(err) {
			return nil, 0, fmt.Errorf("%w: %v", ledger.ErrTransientStore, err)
		}
		return nil, 0, err
	}
	defer rows.Close()

	var res []ledger.Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, a)
	}
	return res, total, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, orgID, id string, limit int, afterSeq uint64) ([]ledger.UnitEvent, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `
		select 1 from authorizations where id=$1 and organization_id=$2
	`, id, orgID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ledger.ErrNotFound
	}
	if err != nil {
		if isRetryable(err) {
			return nil, 0, fmt.Errorf("%w: %v", ledger.ErrTransientStore, err)
		}
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, authorization_id, organization_id, actor_id, operation, units,
			used_after, scheduled_after, status_after, coalesce(idempotency_key,''),
			sequence, created_at
		from unit_events
		where authorization_id=$1 and organization_id=$2 and sequence > $3
		order by sequence asc
		limit $4
	`, id, orgID, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []ledger.UnitEvent
	var last uint64
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, ev)
		last = ev.Sequence
	}
	return res, last, rows.Err()
}

// --- helpers ---

func getEvent(ctx context.Context, tx *sql.Tx, orgID, idemKey string) (ledger.UnitEvent, error) {
	row := tx.QueryRowContext(ctx, `
		select id, authorization_id, organization_id, actor_id, operation, units,
			used_after, scheduled_after, status_after, coalesce(idempotency_key,''),
			sequence, created_at
		from unit_events
		where organization_id=$1 and idempotency_key=$2
	`, orgID, idemKey)
	return scanEvent(row)
}

func scanEvent(row rowScanner) (ledger.UnitEvent, error) {
	var ev ledger.UnitEvent
	var status string
	err := row.Scan(
		&ev.ID, &ev.AuthorizationID, &ev.OrganizationID, &ev.ActorID, &ev.Operation, &ev.Units,
		&ev.UsedAfter, &ev.ScheduledAfter, &status, &ev.IdempotencyKey,
		&ev.Sequence, &ev.CreatedAt,
	)
	if err != nil {
		return ledger.UnitEvent{}, err
	}
	ev.StatusAfter = ledger.Status(status)
	return ev, nil
}

func newEventID() string { return ids.New() }

// isRetryable reports serialization failures, deadlocks and connection-class
// faults that a fresh transaction may survive.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
