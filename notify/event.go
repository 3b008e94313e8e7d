// Package notify carries case lifecycle notifications from the scheduler to
// the outside world.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"courtbot/court"
)

// EventType doubles as the outbox topic and the Redis/webhook event name.
type EventType string

const (
	EventCaseOpened    EventType = "case.opened"
	EventCaseClosed    EventType = "case.closed"
	EventCaseCancelled EventType = "case.cancelled"
)

// Event is one outbound notification. Exactly one EventCaseClosed is
// produced per closed case.
type Event struct {
	ID         string        `json:"id"`
	Type       EventType     `json:"type"`
	CaseID     string        `json:"caseId"`
	GuildID    string        `json:"guildId,omitempty"`
	Subject    string        `json:"subject"`
	Filer      string        `json:"filer"`
	Reason     string        `json:"reason,omitempty"`
	Deadline   time.Time     `json:"deadline"`
	Verdict    court.Verdict `json:"verdict,omitempty"`
	Early      bool          `json:"early,omitempty"`
	Tally      *court.Tally  `json:"tally,omitempty"`
	OccurredAt time.Time     `json:"occurredAt"`
}

// NewCaseEvent fills the case-derived fields of an event.
func NewCaseEvent(id string, typ EventType, c court.Case, at time.Time) Event {
	return Event{
		ID:         id,
		Type:       typ,
		CaseID:     c.ID,
		GuildID:    c.GuildID,
		Subject:    c.Subject,
		Filer:      c.Filer,
		Reason:     c.Reason,
		Deadline:   c.Deadline,
		OccurredAt: at,
	}
}

func (e Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("notify: encode %s: %w", e.Type, err)
	}
	return b, nil
}

func Decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("notify: decode: %w", err)
	}
	if e.Type == "" || e.CaseID == "" {
		return Event{}, fmt.Errorf("notify: decode: missing type or case id")
	}
	return e, nil
}
