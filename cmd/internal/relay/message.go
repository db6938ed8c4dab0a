// Package relay implements the room-scoped message relay: durable history, the room registry over a
// fanout broker, per-participant delivery channels and the join/send/leave session state machine.
package relay

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// maxRoomNameBytes keeps room names usable as AMQP exchange names (255 byte limit) with headroom.
const maxRoomNameBytes = 200

// Participant is the identity a session acts as. SessionID distinguishes two connections of the same
// user; it defaults to a fresh ULID when empty.
type Participant struct {
	Username    string
	DisplayName string
	SessionID   string
}

// Message is the canonical persisted message representation.
type Message struct {
	ID          string
	Room        string
	Seq         int64
	Sender      string
	DisplayName string
	Body        string
	Timestamp   time.Time
}

// EventKind discriminates what travels over a room's fanout primitive.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventJoined  EventKind = "joined"
	EventLeft    EventKind = "left"
)

// Event is the broker payload. Announcements (joined/left) are never persisted.
//
// Origin carries the publishing session id so renderers can recognize their own events.
type Event struct {
	Kind        EventKind `json:"kind"`
	ID          string    `json:"id,omitempty"`
	Room        string    `json:"room"`
	Seq         int64     `json:"seq,omitempty"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Body        string    `json:"body,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Origin      string    `json:"origin,omitempty"`
}

// FromMessage builds the live event for a persisted message.
func FromMessage(m Message, origin string) Event {
	return Event{
		Kind:        EventMessage,
		ID:          m.ID,
		Room:        m.Room,
		Seq:         m.Seq,
		Username:    m.Sender,
		DisplayName: m.DisplayName,
		Body:        m.Body,
		Timestamp:   m.Timestamp,
		Origin:      origin,
	}
}

// NormalizeRoom trims surrounding whitespace and validates a room name.
// Names are case-sensitive; control characters are rejected.
func NormalizeRoom(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", opErr("relay.NormalizeRoom", ErrInvalidRoom, nil)
	}
	if len(name) > maxRoomNameBytes || !utf8.ValidString(name) {
		return "", opErr("relay.NormalizeRoom", ErrInvalidRoom, nil)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", opErr("relay.NormalizeRoom", ErrInvalidRoom, nil)
		}
	}
	return name, nil
}

func (p Participant) label() string {
	if strings.TrimSpace(p.DisplayName) != "" {
		return p.DisplayName
	}
	return p.Username
}
