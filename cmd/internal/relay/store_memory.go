package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roomrelay/cmd/identity/ids"
)

// InMemoryStore is a dev-only fallback when no database is configured.
// Like the durable stores it is append-only: nothing is trimmed or deleted.
type InMemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	rooms map[string]*memRoom
}

type memRoom struct {
	seq  int64
	last time.Time
	msgs []Message // ordered by seq
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:   func() time.Time { return time.Now().UTC() },
		rooms: make(map[string]*memRoom),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Append persists a message with monotonic per-room sequence and timestamp allocation.
func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if err := in.validate(); err != nil {
		return Message{}, fmt.Errorf("memory store: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[in.Room]
	if r == nil {
		r = &memRoom{msgs: make([]Message, 0, 64)}
		s.rooms[in.Room] = r
	}

	ts := monotonic(s.now(), r.last)
	id, err := ids.NewULID(ts)
	if err != nil {
		return Message{}, err
	}

	r.seq++
	r.last = ts
	msg := Message{
		ID:          id,
		Room:        in.Room,
		Seq:         r.seq,
		Sender:      in.Sender,
		DisplayName: in.DisplayName,
		Body:        in.Body,
		Timestamp:   ts,
	}
	r.msgs = append(r.msgs, msg)
	return msg, nil
}

// Recent returns the newest limit messages of room, oldest first.
func (s *InMemoryStore) Recent(ctx context.Context, room string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[room]
	if r == nil || len(r.msgs) == 0 {
		return []Message{}, nil
	}

	start := len(r.msgs) - limit
	if start < 0 {
		start = 0
	}
	return append([]Message(nil), r.msgs[start:]...), nil
}
