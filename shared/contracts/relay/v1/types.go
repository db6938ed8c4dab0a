// Package v1 defines the Room Relay websocket protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and clients (ws-smoke, tests) to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated on accept.
const Subprotocol = "roomrelay.v1"

// Type constants (wire-stable).
const (
	// TypeHelloAck carries the connection's identity and session id (server -> client, on accept).
	TypeHelloAck = "hello_ack"

	// TypeJoinRoom joins a room, leaving the current one first (client -> server).
	TypeJoinRoom = "join_room"
	// TypeJoinedRoom acknowledges a join (server -> client).
	TypeJoinedRoom = "joined_room"
	// TypeLeaveRoom leaves the current room (client -> server).
	TypeLeaveRoom = "leave_room"
	// TypeLeftRoom acknowledges a leave (server -> client).
	TypeLeftRoom = "left_room"

	// TypeSendMessage sends a message to the joined room (client -> server).
	TypeSendMessage = "send_message"
	// TypeMessage is a live room message (server -> room members, sender included).
	TypeMessage = "message"

	// TypeUserJoined announces a participant joining (server -> room members).
	TypeUserJoined = "user_joined"
	// TypeUserLeft announces a participant leaving (server -> room members).
	TypeUserLeft = "user_left"

	// TypeHistoryFetch requests the newest messages of a room (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistory answers a history fetch, oldest first (server -> client).
	TypeHistory = "history"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHelloAck,
		TypeJoinRoom,
		TypeJoinedRoom,
		TypeLeaveRoom,
		TypeLeftRoom,
		TypeSendMessage,
		TypeMessage,
		TypeUserJoined,
		TypeUserLeft,
		TypeHistoryFetch,
		TypeHistory,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloAckPayload identifies the connection.
type HelloAckPayload struct {
	SessionID   string `json:"session_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// JoinRoomPayload requests joining room.
type JoinRoomPayload struct {
	Room string `json:"room" validate:"notblank,max=200"`
}

// JoinedRoomPayload acknowledges a join.
type JoinedRoomPayload struct {
	Room string `json:"room"`
}

// LeaveRoomPayload requests leaving room. An empty room leaves whatever room is joined.
type LeaveRoomPayload struct {
	Room string `json:"room,omitempty" validate:"max=200"`
}

// LeftRoomPayload acknowledges a leave.
type LeftRoomPayload struct {
	Room string `json:"room"`
}

// SendMessagePayload sends a message. Room must match the joined room.
type SendMessagePayload struct {
	Room    string `json:"room" validate:"notblank,max=200"`
	Message string `json:"message" validate:"notblank,max=4000"`
}

// MessagePayload is a live or historical room message.
type MessagePayload struct {
	ID          string    `json:"id"`
	Room        string    `json:"room"`
	Seq         int64     `json:"seq"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	// Own marks the receiving connection's own messages so clients can label them "You".
	Own bool `json:"own,omitempty"`
}

// PresencePayload is carried by user_joined and user_left.
type PresencePayload struct {
	Room        string    `json:"room"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Timestamp   time.Time `json:"timestamp"`
}

// HistoryFetchPayload requests up to Limit newest messages (0 selects the server default).
type HistoryFetchPayload struct {
	Room  string `json:"room" validate:"notblank,max=200"`
	Limit int    `json:"limit,omitempty" validate:"min=0,max=500"`
}

// HistoryPayload answers a history fetch, oldest first.
type HistoryPayload struct {
	Room     string           `json:"room"`
	Messages []MessagePayload `json:"messages"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
