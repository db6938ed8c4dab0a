package relay

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	// DefaultHistoryLimit is the replay window applied on join when none is configured.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps a single history read.
	MaxHistoryLimit = 500
)

// Store is the append-only durable message log.
//
// Requirements:
//   - Append assigns the timestamp from the store clock; timestamps never decrease within a room.
//   - Seq is a per-room insertion counter and breaks timestamp ties.
//   - Recent returns the newest `limit` messages ordered oldest-first; unknown rooms read as empty.
type Store interface {
	Append(ctx context.Context, in AppendInput) (Message, error)
	Recent(ctx context.Context, room string, limit int) ([]Message, error)
	Close() error
}

// AppendInput describes one message append.
type AppendInput struct {
	Room        string
	Sender      string
	DisplayName string
	Body        string
}

func (in AppendInput) validate() error {
	if strings.TrimSpace(in.Room) == "" {
		return errors.New("missing room")
	}
	if strings.TrimSpace(in.Sender) == "" {
		return errors.New("missing sender")
	}
	return nil
}

// pinger is implemented by stores and brokers that can report liveness for /readyz.
type pinger interface {
	Ping(ctx context.Context) error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// monotonic returns now unless the clock went backwards relative to the room's last timestamp.
func monotonic(now, last time.Time) time.Time {
	if now.Before(last) {
		return last
	}
	return now
}
