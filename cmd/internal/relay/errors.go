package relay

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to wire error codes).
var (
	// ErrBrokerUnavailable reports that the fanout transport could not bind or publish.
	ErrBrokerUnavailable = errors.New("broker_unavailable")
	// ErrPersistenceFailure reports that the durable store rejected an append or read.
	ErrPersistenceFailure = errors.New("persistence_failure")
	// ErrAlreadyBound rejects a second bind of the same participant endpoint to a room.
	ErrAlreadyBound = errors.New("already_bound")
	// ErrNotJoined rejects send/leave outside the Joined state.
	ErrNotJoined = errors.New("not_joined")
	// ErrInvalidRoom rejects empty or malformed room names.
	ErrInvalidRoom = errors.New("invalid_room")
	// ErrInvalidParticipant rejects participants without a username.
	ErrInvalidParticipant = errors.New("invalid_participant")
	// ErrChannelClosed is returned by Channel.Next once the channel was unbound and drained.
	ErrChannelClosed = errors.New("channel_closed")
	// ErrSlowConsumer is returned by Channel.Next when the broker evicted the endpoint under backpressure.
	ErrSlowConsumer = errors.New("slow_consumer")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel kinds above; Err is the underlying cause (may be nil).
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind, cause error) error {
	return OpError{Op: op, Kind: kind, Err: cause}
}

// IsBrokerUnavailable reports whether err represents ErrBrokerUnavailable.
func IsBrokerUnavailable(err error) bool { return errors.Is(err, ErrBrokerUnavailable) }

// IsPersistenceFailure reports whether err represents ErrPersistenceFailure.
func IsPersistenceFailure(err error) bool { return errors.Is(err, ErrPersistenceFailure) }

// IsNotJoined reports whether err represents ErrNotJoined.
func IsNotJoined(err error) bool { return errors.Is(err, ErrNotJoined) }

// IsAlreadyBound reports whether err represents ErrAlreadyBound.
func IsAlreadyBound(err error) bool { return errors.Is(err, ErrAlreadyBound) }

// Code maps an error to the stable snake_case code used on the wire.
// Unknown errors map to "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBrokerUnavailable):
		return "broker_unavailable"
	case errors.Is(err, ErrPersistenceFailure):
		return "persistence_failure"
	case errors.Is(err, ErrAlreadyBound):
		return "already_bound"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, ErrInvalidRoom):
		return "invalid_room"
	case errors.Is(err, ErrInvalidParticipant):
		return "invalid_participant"
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, ErrChannelClosed):
		return "channel_closed"
	default:
		return "internal"
	}
}
