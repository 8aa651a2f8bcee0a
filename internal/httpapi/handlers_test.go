package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"careunits.org/internal/auth"
	"careunits.org/internal/ledger"
	"careunits.org/internal/ledger/remote"
	"careunits.org/internal/stream"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	t.Setenv("CAREUNITS_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	store := ledger.NewInMemory()
	svc := ledger.NewService(store, nil)
	api := New(ReadyProbe{}, "test", svc, stream.New())

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, roles ...string) *remote.Client {
	t.Helper()
	client := remote.New(srv.URL)
	if _, err := client.Token(context.Background(), "user-1", "org-1", roles); err != nil {
		t.Fatalf("token: %v", err)
	}
	return client
}

func createOverHTTP(t *testing.T, client *remote.Client, total int64) ledger.Authorization {
	t.Helper()
	now := time.Now().UTC()
	rec, err := client.CreateAuthorization(context.Background(), ledger.CreateInput{
		PatientID:     "patient-1",
		ServiceCodeID: "97153",
		TotalUnits:    total,
		StartDate:     now.Add(-time.Hour),
		EndDate:       now.Add(30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func wantStatus(t *testing.T, err error, code int) {
	t.Helper()
	var apiErr *remote.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != code {
		t.Fatalf("got %v, want HTTP %d", err, code)
	}
}

func TestFullFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv, "admin")
	ctx := context.Background()

	rec := createOverHTTP(t, client, 100)

	rec, err := client.Reserve(ctx, rec.ID, 20, "")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if rec.ScheduledUnits != 20 {
		t.Fatalf("scheduled=%d, want 20", rec.ScheduledUnits)
	}

	_, err = client.Reserve(ctx, rec.ID, 90, "")
	wantStatus(t, err, http.StatusBadRequest)

	rec, err = client.Consume(ctx, rec.ID, 20, "")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if rec.UsedUnits != 20 || rec.ScheduledUnits != 0 {
		t.Fatalf("used=%d scheduled=%d, want 20/0", rec.UsedUnits, rec.ScheduledUnits)
	}

	av, err := client.Availability(ctx, rec.ID)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if av.AvailableUnits != 80 {
		t.Fatalf("available=%d, want 80", av.AvailableUnits)
	}

	events, _, err := client.Events(ctx, rec.ID, 0, 100)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Operation != "reserve" || events[1].Operation != "consume" {
		t.Fatalf("wrong journal order: %s, %s", events[0].Operation, events[1].Operation)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/authorizations")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", resp.StatusCode)
	}
}

func TestViewerCannotReserve(t *testing.T) {
	srv := newTestServer(t)
	admin := newTestClient(t, srv, "admin")
	rec := createOverHTTP(t, admin, 100)

	viewer := newTestClient(t, srv, "viewer")
	_, err := viewer.Reserve(context.Background(), rec.ID, 10, "")
	wantStatus(t, err, http.StatusForbidden)

	// Viewer may still read the record.
	if _, err := viewer.GetAuthorization(context.Background(), rec.ID); err != nil {
		t.Fatalf("viewer get: %v", err)
	}
}

func TestCrossTenantLooksAbsent(t *testing.T) {
	srv := newTestServer(t)
	admin := newTestClient(t, srv, "admin")
	rec := createOverHTTP(t, admin, 100)

	other := remote.New(srv.URL)
	if _, err := other.Token(context.Background(), "user-2", "org-2", []string{"admin"}); err != nil {
		t.Fatalf("token: %v", err)
	}
	_, err := other.GetAuthorization(context.Background(), rec.ID)
	wantStatus(t, err, http.StatusNotFound)
}

func TestIdempotencyKeyReplaysOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv, "admin")
	ctx := context.Background()

	rec := createOverHTTP(t, client, 100)

	first, err := client.Reserve(ctx, rec.ID, 20, "idem-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	second, err := client.Reserve(ctx, rec.ID, 20, "idem-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.ScheduledUnits != first.ScheduledUnits {
		t.Fatalf("replay moved units: %d vs %d", first.ScheduledUnits, second.ScheduledUnits)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	srv := newTestServer(t)
	token := obtainToken(t, srv)
	body := []byte(`{"patient_id":"p","service_code_id":"s","total_units":10,"bogus":true}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/authorizations", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", resp.StatusCode)
	}
}

func obtainToken(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	body := []byte(`{"user_id":"user-1","organization_id":"org-1","roles":["admin"]}`)
	resp, err := http.Post(srv.URL+"/v1/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token endpoint: %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out.Token
}

func TestUpdateAndDeleteOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv, "admin")
	rec := createOverHTTP(t, client, 100)
	token := obtainToken(t, srv)

	patch := []byte(`{"notes":"updated","cancel":true}`)
	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/v1/authorizations/"+rec.ID, bytes.NewReader(patch))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var updated ledger.Authorization
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: got %d, want 200", resp.StatusCode)
	}
	if updated.Status != ledger.StatusCancelled || updated.Notes != "updated" {
		t.Fatalf("got status=%s notes=%q", updated.Status, updated.Notes)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/v1/authorizations/"+rec.ID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: got %d, want 204", resp.StatusCode)
	}

	_, err = client.GetAuthorization(context.Background(), rec.ID)
	wantStatus(t, err, http.StatusNotFound)
}

func TestListEndpoints(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv, "admin")
	for i := 0; i < 3; i++ {
		createOverHTTP(t, client, 100)
	}
	token := obtainToken(t, srv)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/authorizations?limit=2", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var page struct {
		Authorizations []ledger.Authorization `json:"authorizations"`
		Total          int                    `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if page.Total != 3 || len(page.Authorizations) != 2 {
		t.Fatalf("got total=%d page=%d, want 3/2", page.Total, len(page.Authorizations))
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v1/patients/patient-1/authorizations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var byPatient struct {
		Authorizations []ledger.Authorization `json:"authorizations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&byPatient); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(byPatient.Authorizations) != 3 {
		t.Fatalf("got %d patient records, want 3", len(byPatient.Authorizations))
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	srv := newTestServer(t)

	cases := []string{
		`{"user_id":"","organization_id":"org-1","roles":["admin"]}`,
		`{"user_id":"u","organization_id":"org-1","roles":[]}`,
		`{"user_id":"u","organization_id":"org-1","roles":["superuser"]}`,
	}
	for _, body := range cases {
		resp, err := http.Post(srv.URL+"/v1/auth/token", "application/json", bytes.NewReader([]byte(body)))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: got %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestHealthAndInfo(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: got %d, want 200", path, resp.StatusCode)
		}
	}
}
