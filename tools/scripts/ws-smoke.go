// Package main provides a CI-friendly WebSocket smoke test for relayd.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello_ack identity
//   - join ack and user_joined fanout
//   - send -> message to every member, own flag on the sender's copy
//   - history fetch
//   - leave ack, user_left fanout and not_joined after leaving
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "roomrelay/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	username  string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		room    = flag.String("room", "general", "Room to join")
		userA   = flag.String("user-a", "alice", "Username of the first client")
		userB   = flag.String("user-b", "bob", "Username of the second client")
		text    = flag.String("text", "hello relay 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.EqualFold(strings.TrimSpace(*userA), strings.TrimSpace(*userB)) {
		fatalf("-user-a and -user-b must differ")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *userA, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *userB, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s(%s) B=%s(%s) origin=%q\n", a.username, a.sessionID, b.username, b.sessionID, *origin)
	}

	joined := mustJoin(root, a, *room, *timeout)
	mustJoin(root, b, joined, *timeout)
	mustAssertPresence(root, a, v1.TypeUserJoined, joined, b.username, *timeout)

	text2 := fmt.Sprintf("%s #%d", *text, time.Now().UnixNano())
	mustSend(root, a, joined, text2, *timeout)

	own := mustAssertMessage(root, a, joined, a.username, text2, true, *timeout)
	seen := mustAssertMessage(root, b, joined, a.username, text2, false, *timeout)
	if own.ID != seen.ID || own.Seq != seen.Seq {
		fatalf("fanout mismatch: A saw id=%s seq=%d, B saw id=%s seq=%d", own.ID, own.Seq, seen.ID, seen.Seq)
	}

	mustHistoryFetchContains(root, b, joined, 50, seen, *timeout)

	mustLeave(root, b, joined, *timeout)
	mustAssertPresence(root, a, v1.TypeUserLeft, joined, b.username, *timeout)

	mustSendRejected(root, b, joined, "after leave", "not_joined", *timeout)
	mustAssertNoType(root, a, v1.TypeMessage, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s room=%s seq=%d id=%s\n", a.sessionID, b.sessionID, joined, seen.Seq, seen.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func withUsername(wsURL, username string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse url: %v", err)
	}
	q := u.Query()
	q.Set("username", username)
	u.RawQuery = q.Encode()
	return u.String()
}

func mustConnect(parent context.Context, name, wsURL, username, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, withUsername(wsURL, username), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		if resp != nil {
			fatalf("connect %s as %q: status=%d: %v", name, username, resp.StatusCode, err)
		}
		fatalf("connect %s as %q: %v", name, username, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if strings.TrimSpace(p.Username) == "" {
		fatalf("hello_ack missing username (%s)", name)
	}
	c.sessionID = p.SessionID
	c.username = p.Username

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func request(name, typ string, payload any) v1.Envelope {
	env, err := v1.NewEnvelope(typ, fmt.Sprintf("%s-%s-%d", name, typ, time.Now().UnixNano()), time.Now().UTC(), payload)
	if err != nil {
		fatalf("build %s: %v", typ, err)
	}
	return env
}

// mustJoin returns the room name as normalized by the server.
func mustJoin(parent context.Context, c *smokeClient, room string, stepTimeout time.Duration) string {
	mustWriteWithTimeout(parent, c.conn, request(c.name, v1.TypeJoinRoom, v1.JoinRoomPayload{Room: room}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeJoinedRoom, stepTimeout, map[string]struct{}{
		v1.TypeUserJoined: {},
		v1.TypeUserLeft:   {},
		v1.TypeMessage:    {},
	})
	p := mustDecode[v1.JoinedRoomPayload](c, ack)
	if p.Room == "" {
		fatalf("joined_room missing room (%s)", c.name)
	}
	if !strings.EqualFold(p.Room, strings.TrimSpace(room)) {
		fatalf("joined_room room mismatch (%s): got=%q want=%q", c.name, p.Room, room)
	}
	return p.Room
}

func mustLeave(parent context.Context, c *smokeClient, room string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, request(c.name, v1.TypeLeaveRoom, v1.LeaveRoomPayload{Room: room}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeLeftRoom, stepTimeout, map[string]struct{}{
		v1.TypeUserJoined: {},
		v1.TypeUserLeft:   {},
		v1.TypeMessage:    {},
	})
	if p := mustDecode[v1.LeftRoomPayload](c, ack); p.Room != room {
		fatalf("left_room room mismatch (%s): got=%q want=%q", c.name, p.Room, room)
	}
}

func mustSend(parent context.Context, c *smokeClient, room, text string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, request(c.name, v1.TypeSendMessage, v1.SendMessagePayload{Room: room, Message: text}), stepTimeout)
}

func mustSendRejected(parent context.Context, c *smokeClient, room, text, wantCode string, stepTimeout time.Duration) {
	mustSend(parent, c, room, text, stepTimeout)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for error %q (%s): %v", wantCode, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for error %q (%s): %v", wantCode, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for error %q (%s)", wantCode, c.name)
			}
			switch env.Type {
			case v1.TypeError:
				p := mustDecode[v1.ErrorPayload](c, env)
				if p.Code != wantCode {
					fatalf("error code mismatch (%s): got=%q want=%q msg=%q", c.name, p.Code, wantCode, p.Message)
				}
				return
			case v1.TypeMessage:
				fatalf("message delivered after leave (%s)", c.name)
			}
		}
	}
}

func mustAssertMessage(parent context.Context, c *smokeClient, room, from, text string, wantOwn bool, stepTimeout time.Duration) v1.MessagePayload {
	env := c.mustReadUntilType(parent, v1.TypeMessage, stepTimeout, map[string]struct{}{
		v1.TypeUserJoined: {},
		v1.TypeUserLeft:   {},
	})
	p := mustDecode[v1.MessagePayload](c, env)

	if p.Room != room {
		fatalf("message room mismatch (%s): got=%q want=%q", c.name, p.Room, room)
	}
	if p.Username != from {
		fatalf("message username mismatch (%s): got=%q want=%q", c.name, p.Username, from)
	}
	if p.Message != text {
		fatalf("message text mismatch (%s): got=%q want=%q", c.name, p.Message, text)
	}
	if p.Own != wantOwn {
		fatalf("message own flag mismatch (%s): got=%v want=%v", c.name, p.Own, wantOwn)
	}
	if strings.TrimSpace(p.ID) == "" || p.Seq <= 0 || p.Timestamp.IsZero() {
		fatalf("message missing id/seq/timestamp (%s): %+v", c.name, p)
	}
	return p
}

func mustAssertPresence(parent context.Context, c *smokeClient, typ, room, username string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustReadUntilType(ctx, typ, stepTimeout, map[string]struct{}{
			v1.TypeUserJoined: {},
			v1.TypeUserLeft:   {},
			v1.TypeMessage:    {},
		})
		p := mustDecode[v1.PresencePayload](c, env)
		if p.Room == room && p.Username == username {
			return
		}
	}
}

func mustHistoryFetchContains(parent context.Context, c *smokeClient, room string, limit int, want v1.MessagePayload, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, request(c.name, v1.TypeHistoryFetch, v1.HistoryFetchPayload{Room: room, Limit: limit}), stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeHistory, stepTimeout, map[string]struct{}{
		v1.TypeUserJoined: {},
		v1.TypeUserLeft:   {},
		v1.TypeMessage:    {},
	})
	p := mustDecode[v1.HistoryPayload](c, env)
	if p.Room != room {
		fatalf("history room mismatch (%s): got=%q want=%q", c.name, p.Room, room)
	}
	if len(p.Messages) > limit {
		fatalf("history over limit (%s): got=%d limit=%d", c.name, len(p.Messages), limit)
	}

	for i, m := range p.Messages {
		if i > 0 && m.Seq <= p.Messages[i-1].Seq {
			fatalf("history not ordered (%s): seq %d after %d", c.name, m.Seq, p.Messages[i-1].Seq)
		}
		if m.ID == want.ID {
			if m.Message != want.Message || m.Username != want.Username {
				fatalf("history entry mismatch (%s): got=%+v want=%+v", c.name, m, want)
			}
			return
		}
	}
	fatalf("history missing message %s (%s)", want.ID, c.name)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustDecode[T any](c *smokeClient, env v1.Envelope) T {
	p, err := v1.Decode[T](env)
	if err != nil {
		fatalf("decode %s (%s): %v", env.Type, c.name, err)
	}
	return p
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
