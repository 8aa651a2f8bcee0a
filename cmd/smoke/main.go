// Command smoke exercises a running careunits API end to end: it walks an
// authorization through reserve, consume and exhaustion and verifies the
// counters at each step.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"careunits.org/internal/ledger"
	"careunits.org/internal/ledger/remote"
)

func main() {
	base := os.Getenv("CAREUNITS_SMOKE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := remote.New(base)
	if _, err := client.Token(ctx, "smoke-user", "org-smoke", []string{"admin"}); err != nil {
		fail("token: %v", err)
	}

	now := time.Now().UTC()
	rec, err := client.CreateAuthorization(ctx, ledger.CreateInput{
		PatientID:     "patient-smoke",
		ServiceCodeID: "97153",
		TotalUnits:    100,
		StartDate:     now.Add(-time.Hour),
		EndDate:       now.Add(30 * 24 * time.Hour),
	})
	if err != nil {
		fail("create: %v", err)
	}
	step("created authorization %s with %d units", rec.ID, rec.TotalUnits)

	rec = mustOp(client.Reserve(ctx, rec.ID, 20, ""))
	expect(rec.ScheduledUnits == 20, "scheduled=20 after reserve, got %d", rec.ScheduledUnits)

	if _, err := client.Reserve(ctx, rec.ID, 90, ""); !isStatus(err, http.StatusBadRequest) {
		fail("over-reserve: want 400, got %v", err)
	}
	step("over-reserve correctly rejected")

	rec = mustOp(client.Consume(ctx, rec.ID, 20, ""))
	expect(rec.UsedUnits == 20 && rec.ScheduledUnits == 0, "used=20 scheduled=0 after consume, got used=%d scheduled=%d", rec.UsedUnits, rec.ScheduledUnits)

	rec = mustOp(client.Reserve(ctx, rec.ID, 80, ""))
	rec = mustOp(client.Consume(ctx, rec.ID, 80, ""))
	expect(rec.Status == ledger.StatusExhausted, "status=EXHAUSTED after full consume, got %s", rec.Status)

	if _, err := client.Release(ctx, rec.ID, 1, ""); !isStatus(err, http.StatusBadRequest) {
		fail("release with nothing scheduled: want 400, got %v", err)
	}
	step("release of unscheduled units correctly rejected")

	av, err := client.Availability(ctx, rec.ID)
	if err != nil {
		fail("availability: %v", err)
	}
	expect(av.AvailableUnits == 0 && av.UsedUnits == 100, "available=0 used=100, got available=%d used=%d", av.AvailableUnits, av.UsedUnits)

	events, _, err := client.Events(ctx, rec.ID, 0, 100)
	if err != nil {
		fail("events: %v", err)
	}
	expect(len(events) == 4, "4 journal entries, got %d", len(events))

	fmt.Println("smoke: all checks passed")
}

func mustOp(rec ledger.Authorization, err error) ledger.Authorization {
	if err != nil {
		fail("unit op: %v", err)
	}
	return rec
}

func isStatus(err error, code int) bool {
	var apiErr *remote.APIError
	return errors.As(err, &apiErr) && apiErr.Status == code
}

func expect(ok bool, format string, args ...any) {
	if !ok {
		fail("expected "+format, args...)
	}
	step(format, args...)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "smoke: "+format+"\n", args...)
	os.Exit(1)
}

func step(format string, args ...any) {
	fmt.Printf("smoke: "+format+"\n", args...)
}
