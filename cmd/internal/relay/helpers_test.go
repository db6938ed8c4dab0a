package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(t *testing.T, store Store, broker Broker, opts ...Option) *Relay {
	t.Helper()

	opts = append([]Option{WithLogger(testLogger())}, opts...)
	r, err := New(store, broker, opts...)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	return r
}

func mustSession(t *testing.T, r *Relay, username, display string) *Session {
	t.Helper()

	s, err := r.NewSession(Participant{Username: username, DisplayName: display}, SessionOptions{})
	if err != nil {
		t.Fatalf("new session %s: %v", username, err)
	}
	return s
}

func mustJoin(t *testing.T, s *Session, room string) JoinResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.Join(ctx, room)
	if err != nil {
		t.Fatalf("join %s as %s: %v", room, s.Participant().Username, err)
	}
	return res
}

func mustSend(t *testing.T, s *Session, text string) Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := s.Send(ctx, text)
	if err != nil {
		t.Fatalf("send %q as %s: %v", text, s.Participant().Username, err)
	}
	return msg
}

func mustNext(t *testing.T, ch *Channel) Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev, err := ch.Next(ctx)
	if err != nil {
		t.Fatalf("next on %s: %v", ch.Endpoint(), err)
	}
	return ev
}

// mustNextMessage skips announcements.
func mustNextMessage(t *testing.T, ch *Channel) Event {
	t.Helper()

	for {
		ev := mustNext(t, ch)
		if ev.Kind == EventMessage {
			return ev
		}
	}
}

func expectQuiet(t *testing.T, ch *Channel, d time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	ev, err := ch.Next(ctx)
	if err == nil {
		t.Fatalf("expected no delivery on %s, got %+v", ch.Endpoint(), ev)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

// countingBroker counts Declare calls and can fail publishes on demand.
type countingBroker struct {
	Broker
	declares    atomic.Int64
	failPublish atomic.Bool
	declareWait time.Duration
}

func (b *countingBroker) Declare(ctx context.Context, room string) error {
	b.declares.Add(1)
	if b.declareWait > 0 {
		time.Sleep(b.declareWait)
	}
	return b.Broker.Declare(ctx, room)
}

func (b *countingBroker) Publish(ctx context.Context, room string, payload []byte) error {
	if b.failPublish.Load() {
		return errors.New("connection reset")
	}
	return b.Broker.Publish(ctx, room, payload)
}

// flakyStore fails appends while failAppend is set.
type flakyStore struct {
	Store
	failAppend atomic.Bool
	failRecent atomic.Bool
}

func (s *flakyStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if s.failAppend.Load() {
		return Message{}, errors.New("disk full")
	}
	return s.Store.Append(ctx, in)
}

func (s *flakyStore) Recent(ctx context.Context, room string, limit int) ([]Message, error) {
	if s.failRecent.Load() {
		return nil, errors.New("disk unreadable")
	}
	return s.Store.Recent(ctx, room, limit)
}
