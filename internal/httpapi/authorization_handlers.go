package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"careunits.org/internal/auth"
	"careunits.org/internal/ledger"
	"careunits.org/internal/stream"
)

type unitOpRequest struct {
	Units          int64  `json:"units"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func decodeJSON(r *http.Request, dst any) error {
	defer io.Copy(io.Discard, r.Body)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

// handleLedgerError maps ledger sentinel errors onto HTTP statuses.
func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "authorization not found")
	case errors.Is(err, ledger.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "permission denied")
	case errors.Is(err, ledger.ErrInsufficientUnits),
		errors.Is(err, ledger.ErrInvalidReleaseAmount),
		errors.Is(err, ledger.ErrInvalidQuantity):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrTransientStore):
		writeError(w, r, http.StatusServiceUnavailable, "store temporarily unavailable, retry")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// handleAuthorizationsCollection serves /v1/authorizations.
func (a *API) handleAuthorizationsCollection(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing principal")
		return
	}

	switch r.Method {
	case http.MethodPost:
		var in ledger.CreateInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		rec, err := a.ledger.Create(r.Context(), in, p)
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)

	case http.MethodGet:
		filter := ledger.ListFilter{
			PatientID: r.URL.Query().Get("patient_id"),
			Status:    ledger.Status(strings.ToUpper(r.URL.Query().Get("status"))),
			Limit:     queryInt(r, "limit", 0),
			Offset:    queryInt(r, "offset", 0),
		}
		recs, total, err := a.ledger.List(r.Context(), filter, p)
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authorizations": recs,
			"total":          total,
			"limit":          filter.Limit,
			"offset":         filter.Offset,
		})

	default:
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleAuthorizationResource serves /v1/authorizations/{id} and its
// subresources: reserve, release, consume, availability, events.
func (a *API) handleAuthorizationResource(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing principal")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/authorizations/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "authorization not found")
		return
	}

	switch sub {
	case "":
		a.handleAuthorizationByID(w, r, id, p)
	case "reserve", "release", "consume":
		a.handleUnitOp(w, r, id, sub, p)
	case "availability":
		a.handleAvailability(w, r, id, p)
	case "events":
		a.handleEvents(w, r, id, p)
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func (a *API) handleAuthorizationByID(w http.ResponseWriter, r *http.Request, id string, p auth.Principal) {
	switch r.Method {
	case http.MethodGet:
		rec, err := a.ledger.Get(r.Context(), id, p)
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)

	case http.MethodPatch:
		var in ledger.UpdateInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		rec, err := a.ledger.Update(r.Context(), id, in, p)
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)

	case http.MethodDelete:
		if err := a.ledger.Delete(r.Context(), id, p); err != nil {
			handleLedgerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *API) handleUnitOp(w http.ResponseWriter, r *http.Request, id, op string, p auth.Principal) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req unitOpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	idemKey := req.IdempotencyKey
	if hk := r.Header.Get("Idempotency-Key"); hk != "" {
		idemKey = hk
	}

	var (
		rec ledger.Authorization
		err error
	)
	switch op {
	case ledger.OpReserve:
		rec, err = a.ledger.ReserveUnits(r.Context(), id, req.Units, idemKey, p)
	case ledger.OpRelease:
		rec, err = a.ledger.ReleaseUnits(r.Context(), id, req.Units, idemKey, p)
	case ledger.OpConsume:
		rec, err = a.ledger.ConsumeUnits(r.Context(), id, req.Units, idemKey, p)
	}
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.publishUnitEvent(op, req.Units, rec)
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleAvailability(w http.ResponseWriter, r *http.Request, id string, p auth.Principal) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	av, err := a.ledger.CheckAvailableUnits(r.Context(), id, p)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, av)
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request, id string, p auth.Principal) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	afterSeq, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
	events, next, err := a.ledger.ListEvents(r.Context(), id, queryInt(r, "limit", 0), afterSeq, p)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"next":   next,
	})
}

// handlePatientResource serves /v1/patients/{id}/authorizations.
func (a *API) handlePatientResource(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing principal")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/patients/")
	patientID, sub, _ := strings.Cut(rest, "/")
	if patientID == "" || sub != "authorizations" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	recs, err := a.ledger.ListByPatient(r.Context(), patientID, queryInt(r, "limit", 0), queryInt(r, "offset", 0), p)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authorizations": recs,
	})
}

func (a *API) publishUnitEvent(op string, units int64, rec ledger.Authorization) {
	if a.stream == nil {
		return
	}
	a.stream.Publish(stream.Event{
		Operation:       op,
		AuthorizationID: rec.ID,
		OrganizationID:  rec.OrganizationID,
		PatientID:       rec.PatientID,
		Units:           units,
		UsedUnits:       rec.UsedUnits,
		ScheduledUnits:  rec.ScheduledUnits,
		AvailableUnits:  rec.AvailableUnits(),
		Status:          string(rec.Status),
		Timestamp:       time.Now().UTC(),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
