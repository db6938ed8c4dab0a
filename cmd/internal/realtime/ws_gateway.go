package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"roomrelay/cmd/identity"
	"roomrelay/cmd/internal/relay"
	v1 "roomrelay/shared/contracts/relay/v1"

	"github.com/coder/websocket"
	"github.com/samber/lo"
)

// UserHeader names the request header that carries the connecting username when the
// "username" query parameter is absent.
const UserHeader = "X-Relay-User"

// WSGateway is the WebSocket entrypoint of the relay.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats. Each connection owns
// one relay session; inbound envelopes are dispatched to per-type handlers and every room event
// delivered on the session's channel is re-emitted to the connection.
type WSGateway struct {
	log   *slog.Logger
	relay *relay.Relay
	dir   identity.Directory
	hub   *Hub
	cfg   WSConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	// Accepted connections still running; http.Server.Shutdown does not track hijacked conns.
	conns sync.WaitGroup
}

// NewWSGateway constructs a gateway.
// When rel, dir or hub are nil, it falls back to in-memory implementations for dev.
func NewWSGateway(log *slog.Logger, rel *relay.Relay, dir identity.Directory, hub *Hub, cfg WSConfig) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if rel == nil {
		// Both arguments are non-nil, so New cannot fail.
		rel, _ = relay.New(relay.NewInMemoryStore(), relay.NewMemoryBroker(log), relay.WithLogger(log))
	}
	if dir == nil {
		dir, _ = identity.NewStaticDirectory(true, identity.DemoProfiles()...)
	}
	if hub == nil {
		hub = NewHub(log)
	}

	cfg = cfg.normalized()
	return &WSGateway{
		log:            log,
		relay:          rel,
		dir:            dir,
		hub:            hub,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// Hub returns the membership table shared by all connections.
func (g *WSGateway) Hub() *Hub { return g.hub }

// Wait blocks until every accepted connection has finished its teardown, or ctx ends.
// Connections stop when their request context is canceled (see http.Server.BaseContext).
func (g *WSGateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// connState is the per-connection state shared by the read loop, handlers and room pumps.
type connState struct {
	client   *Client
	sess     *relay.Session
	shutdown func(code websocket.StatusCode, reason string)
	pumps    sync.WaitGroup

	// Set once by shutdown before client.Done is closed; the writer reads them after Done.
	closeCode   websocket.StatusCode
	closeReason string
}

// HandleWS resolves the caller's identity, upgrades the request and runs the connection loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	profile, status, err := g.resolveIdentity(r)
	if err != nil {
		g.log.Info("ws.reject.identity", "err", err, "status", status, "remote", r.RemoteAddr)
		http.Error(w, http.StatusText(status), status)
		return
	}

	sess, err := g.relay.NewSession(relay.Participant{
		Username:    profile.Username,
		DisplayName: profile.Label(),
	}, relay.SessionOptions{SkipReplay: true})
	if err != nil {
		g.log.Error("ws.session.fail", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	g.conns.Add(1)
	defer g.conns.Done()
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	p := sess.Participant()
	client := NewClient(p.SessionID, p.Username, p.DisplayName, g.cfg.SendQueueSize)
	log := g.log.With("session_id", client.SessionID, "username", client.Username)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	cs := &connState{client: client, sess: sess}

	// shutdown is idempotent. It does NOT close client.Send; the writer flushes what is queued
	// and then closes the connection with code.
	cs.shutdown = func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			cs.closeCode, cs.closeReason = code, reason
			client.Close()
			cancel()
		})
	}

	log.Info("ws.accept")

	// Writes outlive ctx so that queued envelopes (a final error) still reach the peer on shutdown.
	wctx := context.WithoutCancel(ctx)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		finish := func() {
			flushQueue(wctx, conn, client, g.cfg.WriteTimeout)
			_ = conn.Close(cs.closeCode, cs.closeReason)
		}
		for {
			select {
			case <-ctx.Done():
				// A cancelled request context (server shutdown) is a no-op when shutdown already ran.
				cs.shutdown(websocket.StatusGoingAway, "server shutdown")
				finish()
				return
			case <-client.Done():
				finish()
				return
			case env := <-client.Send:
				if err := writeEnvelope(wctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					cs.shutdown(websocket.StatusAbnormalClosure, "write failed")
					_ = conn.CloseNow()
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						cs.shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	now := time.Now().UTC()
	g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{
		SessionID:   client.SessionID,
		Username:    client.Username,
		DisplayName: client.DisplayName,
	}, now))

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				cs.shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				cs.shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				cs.shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				cs.shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			retry := rl.RetryAfter(now).Round(time.Millisecond)
			g.trySendError(ctx, client, "rate_limited", fmt.Sprintf("too many events, retry in %s", retry))
			cs.shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		var herr error
		switch env.Type {
		case v1.TypeJoinRoom:
			herr = g.onJoin(ctx, cs, env)
		case v1.TypeLeaveRoom:
			herr = g.onLeave(ctx, cs, env)
		case v1.TypeSendMessage:
			herr = g.onSendMessage(ctx, cs, env)
		case v1.TypeHistoryFetch:
			herr = g.onHistoryFetch(ctx, cs, env)
		default:
			herr = wsError{code: "unsupported", msg: fmt.Sprintf("unsupported type: %s", env.Type)}
		}
		if herr != nil {
			log.Debug("ws.handler.fail", "type", env.Type, "err", herr)
			g.trySendError(ctx, client, errorCode(herr), herr.Error())
		}
	}

	cs.shutdown(websocket.StatusNormalClosure, "bye")

	// Disconnect is a best-effort leave; the request context is already cancelled.
	leaveCtx, leaveCancel := context.WithTimeout(context.WithoutCancel(r.Context()), wsLeaveTimeout)
	room := sess.Room()
	if err := sess.Close(leaveCtx); err != nil {
		log.Warn("ws.leave.fail", "room", room, "err", err)
	}
	leaveCancel()
	if room != "" {
		g.hub.Leave(room, client.SessionID)
	}

	cs.pumps.Wait()
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	log.Info("ws.closed")
}

// resolveIdentity maps the request to a directory profile and the HTTP status to reject with.
func (g *WSGateway) resolveIdentity(r *http.Request) (identity.Profile, int, error) {
	username := requestUsername(r)
	if username == "" {
		return identity.Profile{}, http.StatusUnauthorized, errors.New("missing username")
	}

	p, err := g.dir.Lookup(r.Context(), username)
	switch {
	case err == nil:
		return p, http.StatusOK, nil
	case identity.IsInvalidInput(err):
		return identity.Profile{}, http.StatusBadRequest, err
	case identity.IsNotFound(err):
		return identity.Profile{}, http.StatusForbidden, err
	default:
		return identity.Profile{}, http.StatusServiceUnavailable, err
	}
}

// ---- handlers ----

func (g *WSGateway) onJoin(ctx context.Context, cs *connState, env v1.Envelope) error {
	p, err := v1.Decode[v1.JoinRoomPayload](env)
	if err != nil {
		return payloadError(err)
	}
	room, err := relay.NormalizeRoom(p.Room)
	if err != nil {
		return err
	}

	prev := cs.sess.Room()
	if prev == room {
		return wsError{code: "already_bound", msg: "already in room " + room}
	}

	var res relay.JoinResult
	if prev != "" {
		// Room switch: leave first, then join.
		res, err = cs.sess.Switch(ctx, room)
		g.hub.Leave(prev, cs.client.SessionID)
		g.enqueue(ctx, cs.client, newEnvelope(v1.TypeLeftRoom, v1.LeftRoomPayload{Room: prev}, time.Now().UTC()))
	} else {
		res, err = cs.sess.Join(ctx, room)
	}
	if res.Channel == nil {
		return err
	}
	if err != nil {
		// Joined, but leaving the previous room was not clean.
		g.log.Warn("ws.switch.leave_incomplete", "session_id", cs.client.SessionID, "from", prev, "to", room, "err", err)
	}

	g.hub.Join(res.Room, cs.client)
	ack := newEnvelope(v1.TypeJoinedRoom, v1.JoinedRoomPayload{Room: res.Room}, time.Now().UTC())
	if !g.enqueue(ctx, cs.client, ack) {
		return errors.New("backpressure: join ack")
	}

	cs.pumps.Add(1)
	go g.pump(ctx, cs, res.Channel)
	return nil
}

func (g *WSGateway) onLeave(ctx context.Context, cs *connState, env v1.Envelope) error {
	var p v1.LeaveRoomPayload
	if len(env.Payload) > 0 {
		var err error
		if p, err = v1.Decode[v1.LeaveRoomPayload](env); err != nil {
			return payloadError(err)
		}
	}

	room := cs.sess.Room()
	if room == "" {
		return wsError{code: "not_joined", msg: "join first"}
	}
	if want := strings.TrimSpace(p.Room); want != "" && want != room {
		return wsError{code: "not_joined", msg: "not in room " + want}
	}

	err := cs.sess.Leave(ctx)
	if relay.IsNotJoined(err) {
		// The room pump dropped the channel concurrently.
		return wsError{code: "not_joined", msg: "join first"}
	}
	g.hub.Leave(room, cs.client.SessionID)
	if err != nil {
		g.log.Warn("ws.leave.incomplete", "session_id", cs.client.SessionID, "room", room, "err", err)
	}

	ack := newEnvelope(v1.TypeLeftRoom, v1.LeftRoomPayload{Room: room}, time.Now().UTC())
	if !g.enqueue(ctx, cs.client, ack) {
		return errors.New("backpressure: leave ack")
	}
	return nil
}

// onSendMessage persists and publishes. There is no ack: the sender receives its own message
// through the room fanout like every other member.
func (g *WSGateway) onSendMessage(ctx context.Context, cs *connState, env v1.Envelope) error {
	p, err := v1.Decode[v1.SendMessagePayload](env)
	if err != nil {
		return payloadError(err)
	}

	current := cs.sess.Room()
	if current == "" {
		return wsError{code: "not_joined", msg: "join first"}
	}
	if strings.TrimSpace(p.Room) != current {
		return wsError{code: "not_joined", msg: "not in room " + p.Room}
	}

	text := strings.TrimSpace(p.Message)
	if utf8.RuneCountInString(text) > maxMessageChars {
		return wsError{code: "bad_payload", msg: fmt.Sprintf("message too long: max=%d chars", maxMessageChars)}
	}

	if _, err := cs.sess.Send(ctx, text); err != nil {
		return err
	}
	return nil
}

// onHistoryFetch is the pull-based history query. Any room may be read, joined or not.
func (g *WSGateway) onHistoryFetch(ctx context.Context, cs *connState, env v1.Envelope) error {
	p, err := v1.Decode[v1.HistoryFetchPayload](env)
	if err != nil {
		return payloadError(err)
	}

	msgs, err := g.relay.History(ctx, p.Room, p.Limit)
	if err != nil {
		return err
	}
	room, _ := relay.NormalizeRoom(p.Room)

	out := newEnvelope(v1.TypeHistory, v1.HistoryPayload{
		Room: room,
		Messages: lo.Map(msgs, func(m relay.Message, _ int) v1.MessagePayload {
			return messagePayload(relay.FromMessage(m, ""), cs.client.Username)
		}),
	}, time.Now().UTC())

	if !g.enqueue(ctx, cs.client, out) {
		return errors.New("backpressure: history")
	}
	return nil
}

// pump re-emits ch's events to the connection until the channel ends or the connection closes.
func (g *WSGateway) pump(ctx context.Context, cs *connState, ch *relay.Channel) {
	defer cs.pumps.Done()

	client := cs.client
	for {
		ev, err := ch.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, relay.ErrChannelClosed) {
				return
			}
			g.log.Warn("ws.channel.lost", "session_id", client.SessionID, "room", ch.Room(), "err", err)

			leaveCtx, cancel := context.WithTimeout(ctx, wsLeaveTimeout)
			left, lerr := cs.sess.LeaveChannel(leaveCtx, ch)
			cancel()
			if left {
				g.hub.Leave(ch.Room(), client.SessionID)
				if lerr != nil {
					g.log.Warn("ws.leave.incomplete", "session_id", client.SessionID, "room", ch.Room(), "err", lerr)
				}
				g.trySendError(ctx, client, relay.Code(err), "delivery for room "+ch.Room()+" stopped, join again")
			}
			return
		}

		// The joiner does not receive its own join announcement.
		if ev.Kind == relay.EventJoined && ev.Origin == client.SessionID {
			continue
		}
		env, ok := eventEnvelope(ev, client.Username)
		if !ok {
			continue
		}
		if !g.enqueue(ctx, client, env) {
			if ctx.Err() != nil {
				return
			}
			g.log.Info("ws.slow_consumer", "session_id", client.SessionID, "room", ch.Room())
			cs.shutdown(websocket.StatusPolicyViolation, "slow consumer")
			return
		}
	}
}

// ---- mapping ----

func messagePayload(ev relay.Event, self string) v1.MessagePayload {
	return v1.MessagePayload{
		ID:          ev.ID,
		Room:        ev.Room,
		Seq:         ev.Seq,
		Username:    ev.Username,
		DisplayName: ev.DisplayName,
		Message:     ev.Body,
		Timestamp:   ev.Timestamp,
		Own:         ev.Username == self,
	}
}

func eventEnvelope(ev relay.Event, self string) (v1.Envelope, bool) {
	switch ev.Kind {
	case relay.EventMessage:
		return newEnvelope(v1.TypeMessage, messagePayload(ev, self), ev.Timestamp), true
	case relay.EventJoined, relay.EventLeft:
		typ := v1.TypeUserJoined
		if ev.Kind == relay.EventLeft {
			typ = v1.TypeUserLeft
		}
		return newEnvelope(typ, v1.PresencePayload{
			Room:        ev.Room,
			Username:    ev.Username,
			DisplayName: ev.DisplayName,
			Timestamp:   ev.Timestamp,
		}, ev.Timestamp), true
	default:
		return v1.Envelope{}, false
	}
}

// ---- errors ----

// wsError is a handler error with an explicit wire code.
type wsError struct {
	code string
	msg  string
}

func (e wsError) Error() string { return e.msg }

func payloadError(err error) error { return wsError{code: "bad_payload", msg: err.Error()} }

func errorCode(err error) string {
	var we wsError
	if errors.As(err, &we) {
		return we.code
	}
	return relay.Code(err)
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	env := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	env, _ := v1.NewEnvelope(typ, NewEnvelopeID(ts), ts, payload)
	return env
}

type badJSONError struct{ err error }

func (e badJSONError) Error() string { return "invalid JSON: " + e.err.Error() }
func (e badJSONError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, badJSONError{err: err}
	}
	return env, nil
}

// flushQueue writes whatever is still queued, stopping at the first failure.
func flushQueue(ctx context.Context, conn *websocket.Conn, client *Client, timeout time.Duration) {
	for {
		select {
		case env := <-client.Send:
			if err := writeEnvelope(ctx, conn, env, timeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bj badJSONError
	switch {
	case errors.As(err, &bj):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			// Host match ignores port/scheme.
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins turns the allowlist into websocket.Accept host patterns
// so the two origin checks agree.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	hosts := lo.FilterMap(allowed, func(a string, _ int) (string, bool) {
		h := originHostOnly(a)
		return h, h != "" && h != "*"
	})
	hosts = lo.Uniq(hosts)
	sort.Strings(hosts)
	return hosts
}
