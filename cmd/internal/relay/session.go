package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is a session lifecycle state.
type State int32

const (
	Detached State = iota
	Joining
	Joined
	Leaving
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// SessionOptions tunes one session.
type SessionOptions struct {
	// HistoryLimit overrides the relay's replay window for this session (0 keeps the relay default).
	HistoryLimit int
	// SkipReplay omits the history read on join; pull-based adapters fetch history separately.
	SkipReplay bool
}

// JoinResult is what a successful Join hands to the adapter.
type JoinResult struct {
	Room    string
	Channel *Channel
	// History is the replay batch, oldest first. It is delivered only to the joiner, never broadcast.
	History []Message

	replayed map[string]struct{}
}

func newJoinResult(room string, ch *Channel, history []Message) JoinResult {
	ids := make(map[string]struct{}, len(history))
	for _, m := range history {
		if m.ID != "" {
			ids[m.ID] = struct{}{}
		}
	}
	return JoinResult{Room: room, Channel: ch, History: history, replayed: ids}
}

// Replayed reports whether ev is a message already contained in History. A message appended between
// the bind and the history read reaches the joiner both ways; adapters drop the live copy.
//
// Matching is by message ID. Seq is assigned per store and says nothing about messages persisted
// by another process sharing the broker.
func (r JoinResult) Replayed(ev Event) bool {
	if ev.Kind != EventMessage || ev.ID == "" || len(r.History) == 0 {
		return false
	}
	if r.replayed != nil {
		_, ok := r.replayed[ev.ID]
		return ok
	}
	for _, m := range r.History {
		if m.ID == ev.ID {
			return true
		}
	}
	return false
}

// Session is one participant's join/send/leave state machine.
//
// Join, Send and Leave are serialized per session, so sends are persisted in call order.
// State, Room and Channel may be read from any goroutine.
type Session struct {
	log         *slog.Logger
	relay       *Relay
	participant Participant
	opts        SessionOptions

	mu    sync.Mutex
	state atomic.Int32
	room  atomic.Pointer[Room]
	ch    atomic.Pointer[Channel]
}

// Participant returns the identity this session acts as.
func (s *Session) Participant() Participant { return s.participant }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Room returns the joined room name, or "" when detached.
func (s *Session) Room() string {
	if r := s.room.Load(); r != nil {
		return r.Name
	}
	return ""
}

// Channel returns the bound channel, or nil when detached.
func (s *Session) Channel() *Channel { return s.ch.Load() }

func (s *Session) historyLimit() int {
	if s.opts.HistoryLimit > 0 {
		return s.opts.HistoryLimit
	}
	return s.relay.historyLimit
}

// Join moves Detached→Joining→Joined: ensure the room, bind a channel, read the replay batch and
// announce the join. On any failure the session is back in Detached with nothing left bound.
func (s *Session) Join(ctx context.Context, room string) (JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != Detached {
		return JoinResult{}, opErr("relay.Join", ErrAlreadyBound, errors.New("session is "+st.String()))
	}
	name, err := NormalizeRoom(room)
	if err != nil {
		return JoinResult{}, err
	}

	s.state.Store(int32(Joining))
	res, err := s.join(ctx, name)
	if err != nil {
		s.state.Store(int32(Detached))
		s.log.Warn("relay.session.join_failed", "room", name, "username", s.participant.Username, "err", err)
		return JoinResult{}, err
	}
	s.state.Store(int32(Joined))

	s.log.Info("relay.session.join", "room", name, "username", s.participant.Username,
		"session_id", s.participant.SessionID, "history", len(res.History))
	return res, nil
}

func (s *Session) join(ctx context.Context, name string) (JoinResult, error) {
	r := s.relay
	rm, err := r.registry.EnsureRoom(ctx, name)
	if err != nil {
		return JoinResult{}, err
	}
	ch, err := r.binder.Bind(ctx, s.participant, rm.Name)
	if err != nil {
		return JoinResult{}, err
	}

	var history []Message
	if !s.opts.SkipReplay {
		history, err = r.store.Recent(ctx, rm.Name, s.historyLimit())
		if err != nil {
			_ = ch.Unbind()
			return JoinResult{}, opErr("relay.Join", ErrPersistenceFailure, err)
		}
	}

	if err := r.registry.Publish(ctx, rm, s.announcement(EventJoined, rm.Name)); err != nil {
		_ = ch.Unbind()
		return JoinResult{}, err
	}

	s.room.Store(rm)
	s.ch.Store(ch)
	return newJoinResult(rm.Name, ch, history), nil
}

func (s *Session) announcement(kind EventKind, room string) Event {
	return Event{
		Kind:        kind,
		Room:        room,
		Username:    s.participant.Username,
		DisplayName: s.participant.label(),
		Timestamp:   time.Now().UTC(),
		Origin:      s.participant.SessionID,
	}
}

// Send persists text and then publishes it to the room.
//
// A store failure returns ErrPersistenceFailure and nothing is published. A publish failure after a
// successful append returns the persisted message together with ErrBrokerUnavailable: the message is
// recorded and will surface through history.
func (s *Session) Send(ctx context.Context, text string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != Joined {
		return Message{}, opErr("relay.Send", ErrNotJoined, nil)
	}
	rm := s.room.Load()
	r := s.relay

	rm.sendMu.Lock()
	defer rm.sendMu.Unlock()

	msg, err := r.store.Append(ctx, AppendInput{
		Room:        rm.Name,
		Sender:      s.participant.Username,
		DisplayName: s.participant.label(),
		Body:        text,
	})
	r.metrics.observeAppend(err)
	if err != nil {
		s.log.Error("relay.session.persist_failed", "room", rm.Name, "username", s.participant.Username, "err", err)
		return Message{}, opErr("relay.Send", ErrPersistenceFailure, err)
	}

	if err := r.registry.Publish(ctx, rm, FromMessage(msg, s.participant.SessionID)); err != nil {
		return msg, err
	}
	return msg, nil
}

// Leave moves Joined→Leaving→Detached: unbind the channel, then announce the departure.
// The session ends Detached even when unbind or the announcement fail; both errors are returned.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leave(ctx)
}

func (s *Session) leave(ctx context.Context) error {
	if s.State() != Joined {
		return opErr("relay.Leave", ErrNotJoined, nil)
	}
	s.state.Store(int32(Leaving))

	rm := s.room.Load()
	ch := s.ch.Load()

	unbindErr := ch.Unbind()
	pubErr := s.relay.registry.Publish(ctx, rm, s.announcement(EventLeft, rm.Name))

	s.ch.Store(nil)
	s.room.Store(nil)
	s.state.Store(int32(Detached))

	s.log.Info("relay.session.leave", "room", rm.Name, "username", s.participant.Username,
		"session_id", s.participant.SessionID)
	return errors.Join(unbindErr, pubErr)
}

// LeaveChannel leaves only while ch is still the bound channel. Receive loops use it after Next
// failed, so a channel lost to the broker cannot tear down a newer binding. It reports whether a
// leave happened.
func (s *Session) LeaveChannel(ctx context.Context, ch *Channel) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch == nil || s.State() != Joined || s.ch.Load() != ch {
		return false, nil
	}
	return true, s.leave(ctx)
}

// Switch leaves the current room (when joined) and joins room. It is two steps, not an atomic swap:
// a failed join leaves the session Detached.
func (s *Session) Switch(ctx context.Context, room string) (JoinResult, error) {
	var leaveErr error
	if s.State() == Joined {
		leaveErr = s.Leave(ctx)
		if IsNotJoined(leaveErr) {
			leaveErr = nil
		}
	}
	res, err := s.Join(ctx, room)
	return res, errors.Join(leaveErr, err)
}

// Close performs a best-effort leave for connection teardown.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != Joined {
		return nil
	}
	return s.leave(ctx)
}
