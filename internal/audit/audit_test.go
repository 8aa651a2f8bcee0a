package audit

import (
	"context"
	"testing"
	"time"
)

func TestLogSinkRequiresOperation(t *testing.T) {
	if err := (LogSink{}).Record(context.Background(), Event{}); err == nil {
		t.Fatal("expected error for empty operation")
	}
}

func TestLogSinkRecords(t *testing.T) {
	e := Event{
		Operation:       "authorization.units.reserve",
		AuthorizationID: "auth-1",
		OrganizationID:  "org-1",
		ActorID:         "user-1",
		Timestamp:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	ctx := WithRequestID(context.Background(), "req-1")
	if err := (LogSink{}).Record(ctx, e); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-42")
	if got := RequestIDFromContext(ctx); got != "req-42" {
		t.Fatalf("got %q, want req-42", got)
	}

	// Blank ids are not stored.
	ctx = WithRequestID(context.Background(), "  ")
	if got := RequestIDFromContext(ctx); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
