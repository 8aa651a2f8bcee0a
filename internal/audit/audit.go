// Package audit shapes and delivers compliance events for every mutating
// ledger operation. Delivery is best-effort: a failing sink must never roll
// back the mutation it describes, it only surfaces through monitoring.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"careunits.org/internal/auth"
	"careunits.org/internal/obs"
)

// Event is the structured record of one mutating operation. Before and After
// hold the record snapshots around the mutation (nil for create/delete sides
// that do not exist).
type Event struct {
	Operation       string    `json:"operation"`
	AuthorizationID string    `json:"authorization_id"`
	OrganizationID  string    `json:"organization_id"`
	ActorID         string    `json:"actor_id"`
	Before          any       `json:"before,omitempty"`
	After           any       `json:"after,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogSink writes audit events as JSON lines through the shared logger. It is
// the reference sink; production deployments may swap in a durable pipeline
// behind the same interface.
type LogSink struct{}

func (LogSink) Record(ctx context.Context, e Event) error {
	if strings.TrimSpace(e.Operation) == "" {
		return errors.New("operation is required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	entry := map[string]any{
		"ts":    e.Timestamp.Format(time.RFC3339Nano),
		"type":  "audit",
		"event": e,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry["user_id"] = userID
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
