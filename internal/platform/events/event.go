// Package events carries triage notifications from the domain services to
// connected dashboards and other instances.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	TypePatientRegistered = "patient:registered"
	TypePatientEscalated  = "patient:escalated"
	TypeEscalationAlert   = "escalation:alert"
	TypeQueueUpdate       = "queue:update"
	TypeAlertNew          = "alert:new"
)

// GovernmentRoom receives cross-hospital escalation traffic.
const GovernmentRoom = "government"

// HospitalRoom names the room for a single hospital's staff.
func HospitalRoom(hospitalID uuid.UUID) string {
	return "hospital:" + hospitalID.String()
}

// Event is a single notification addressed to one room.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Room      string          `json:"room"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New builds an event with payload encoded as JSON.
func New(eventType, room string, payload interface{}) (Event, error) {
	ev := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Room:      room,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		ev.Data = data
	}
	return ev, nil
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers. Delivery is fire-and-forget:
// a failing publisher is logged and does not stop the others.
type Multi struct {
	publishers []Publisher
	logger     zerolog.Logger
}

func NewMulti(logger zerolog.Logger, publishers ...Publisher) *Multi {
	return &Multi{publishers: publishers, logger: logger}
}

func (m *Multi) Publish(ctx context.Context, event Event) error {
	for _, p := range m.publishers {
		if err := p.Publish(ctx, event); err != nil {
			m.logger.Warn().Err(err).
				Str("event", event.Type).
				Str("room", event.Room).
				Msg("event delivery failed")
		}
	}
	return nil
}
