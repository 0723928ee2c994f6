// Package notify delivers fire-and-forget events to users. Sink failures
// are logged and swallowed; they never affect booking state.
package notify

import (
	"context"
	"log"
	"time"
)

type EventType string

const (
	BookingConfirmed EventType = "booking_confirmed"
	BookingFailed    EventType = "booking_failed"
	KeyInvalidated   EventType = "key_invalidated"
	PoolExhausted    EventType = "pool_exhausted"
	SlotsFound       EventType = "slots_found"
)

type Event struct {
	Type      EventType `json:"type"`
	TaskID    int64     `json:"task_id,omitempty"`
	Warehouse string    `json:"warehouse,omitempty"`
	Slot      string    `json:"slot,omitempty"`
	Date      string    `json:"date,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

type Sink interface {
	Notify(ctx context.Context, userID int64, ev Event)
}

// LogSink writes events to the process log. Default sink when no Redis
// is configured.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, userID int64, ev Event) {
	log.Printf("[notify] user=%d type=%s task=%d detail=%q", userID, ev.Type, ev.TaskID, ev.Detail)
}
