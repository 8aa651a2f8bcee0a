// Package stream fan-outs unit-ledger events to live subscribers (SSE
// clients). Delivery is lossy: a slow subscriber is skipped rather than
// allowed to block the mutation path.
package stream

import (
	"context"
	"sync"
	"time"
)

// Event is the public shape of one unit movement pushed to subscribers.
type Event struct {
	Operation       string    `json:"operation"`
	AuthorizationID string    `json:"authorization_id"`
	OrganizationID  string    `json:"organization_id"`
	PatientID       string    `json:"patient_id"`
	Units           int64     `json:"units"`
	UsedUnits       int64     `json:"used_units"`
	ScheduledUnits  int64     `json:"scheduled_units"`
	AvailableUnits  int64     `json:"available_units"`
	Status          string    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
