package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"roomrelay/cmd/identity"
	"roomrelay/cmd/internal/relay"
	v1 "roomrelay/shared/contracts/relay/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	gw    *WSGateway
	relay *relay.Relay
	hub   *Hub
	ts    *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*WSConfig)) *testEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rel, err := relay.New(relay.NewInMemoryStore(), relay.NewMemoryBroker(log), relay.WithLogger(log))
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	dir, err := identity.NewStaticDirectory(false, identity.DemoProfiles()...)
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}

	cfg := DefaultWSConfig()
	cfg.OriginRequired = false
	if mutate != nil {
		mutate(&cfg)
	}
	hub := NewHub(log)
	gw := NewWSGateway(log, rel, dir, hub, cfg)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	NewAPIHandler(log, rel, hub, dir).Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testEnv{gw: gw, relay: rel, hub: hub, ts: ts}
}

func dialWS(t *testing.T, baseHTTPURL, username, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	if username != "" {
		u.RawQuery = url.Values{"username": {username}}.Encode()
	}

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

// mustConnect dials as username and consumes the hello_ack.
func mustConnect(t *testing.T, env *testEnv, username string) (*websocket.Conn, v1.HelloAckPayload) {
	t.Helper()

	conn, resp, err := dialWS(t, env.ts.URL, username, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", username, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })

	ack := readUntilType(t, conn, v1.TypeHelloAck, 1)
	return conn, decodePayload[v1.HelloAckPayload](t, ack)
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	env, err := v1.NewEnvelope(typ, "c-"+typ, time.Now(), payload)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readEnvelopeWS(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

// collectUntil reads until an envelope of type typ arrives and returns it with everything read before it.
func collectUntil(t *testing.T, conn *websocket.Conn, typ string, maxReads int) (v1.Envelope, []v1.Envelope) {
	t.Helper()

	var before []v1.Envelope
	for i := 0; i < maxReads; i++ {
		env := readEnvelopeWS(t, conn)
		if env.Type == typ {
			return env, before
		}
		before = append(before, env)
	}
	t.Fatalf("did not receive envelope type %q; got %d others", typ, len(before))
	return v1.Envelope{}, nil
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	env, _ := collectUntil(t, conn, typ, maxReads)
	return env
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return p
}

func mustJoinWS(t *testing.T, conn *websocket.Conn, room string) {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.TypeJoinRoom, v1.JoinRoomPayload{Room: room})
	ack := readUntilType(t, conn, v1.TypeJoinedRoom, 4)
	require.Equal(t, room, decodePayload[v1.JoinedRoomPayload](t, ack).Room)
}

func TestWSGateway_IdentityRequired(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	cases := []struct {
		name     string
		username string
		status   int
	}{
		{name: "missing", username: "", status: http.StatusUnauthorized},
		{name: "unknown", username: "mallory", status: http.StatusForbidden},
		{name: "malformed", username: "bad name", status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		_, resp, err := dialWS(t, env.ts.URL, tc.username, "")
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			t.Fatalf("%s: expected handshake failure", tc.name)
		}
		if resp == nil || resp.StatusCode != tc.status {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			t.Fatalf("%s: expected %d, got status=%d err=%v", tc.name, tc.status, status, err)
		}
	}
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *WSConfig) { c.OriginRequired = true })

	_, resp, err := dialWS(t, env.ts.URL, "alice", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = dialWS(t, env.ts.URL, "alice", "https://evil.example")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWSGateway_HelloAckCarriesIdentity(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	_, hello := mustConnect(t, env, "Alice")

	require.Equal(t, "alice", hello.Username)
	require.Equal(t, "Alice Johnson", hello.DisplayName)
	require.Len(t, hello.SessionID, 26)
}

func TestWSGateway_RoomConversation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	alice, _ := mustConnect(t, env, "alice")
	bob, _ := mustConnect(t, env, "bob")

	mustJoinWS(t, alice, "general")
	writeEnvelopeWS(t, alice, v1.TypeSendMessage, v1.SendMessagePayload{Room: "general", Message: "hi"})
	own := decodePayload[v1.MessagePayload](t, readUntilType(t, alice, v1.TypeMessage, 4))
	require.Equal(t, "hi", own.Message)
	require.True(t, own.Own, "the sender receives its own message, marked as own")

	mustJoinWS(t, bob, "general")

	// Alice sees bob's arrival.
	joined := decodePayload[v1.PresencePayload](t, readUntilType(t, alice, v1.TypeUserJoined, 4))
	require.Equal(t, "bob", joined.Username)
	require.Equal(t, "Bob Smith", joined.DisplayName)

	// History is pull-based.
	writeEnvelopeWS(t, bob, v1.TypeHistoryFetch, v1.HistoryFetchPayload{Room: "general"})
	hist := decodePayload[v1.HistoryPayload](t, readUntilType(t, bob, v1.TypeHistory, 4))
	require.Len(t, hist.Messages, 1)
	require.Equal(t, "alice", hist.Messages[0].Username)
	require.Equal(t, "Alice Johnson", hist.Messages[0].DisplayName)
	require.False(t, hist.Messages[0].Own)

	writeEnvelopeWS(t, bob, v1.TypeSendMessage, v1.SendMessagePayload{Room: "general", Message: "  hello  "})

	echo, before := collectUntil(t, bob, v1.TypeMessage, 4)
	for _, e := range before {
		require.NotEqual(t, v1.TypeUserJoined, e.Type, "bob must not receive his own join announcement")
	}
	bm := decodePayload[v1.MessagePayload](t, echo)
	require.Equal(t, "hello", bm.Message)
	require.True(t, bm.Own)

	am := decodePayload[v1.MessagePayload](t, readUntilType(t, alice, v1.TypeMessage, 4))
	require.Equal(t, "hello", am.Message)
	require.Equal(t, "bob", am.Username)
	require.False(t, am.Own)
	require.Equal(t, int64(2), am.Seq)

	require.Len(t, env.hub.Members("general"), 2)
}

func TestWSGateway_ErrorsGoToSenderOnly(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	alice, _ := mustConnect(t, env, "alice")

	errCode := func() string {
		t.Helper()
		return decodePayload[v1.ErrorPayload](t, readUntilType(t, alice, v1.TypeError, 4)).Code
	}

	writeEnvelopeWS(t, alice, v1.TypeSendMessage, v1.SendMessagePayload{Room: "general", Message: "hi"})
	require.Equal(t, "not_joined", errCode())

	writeEnvelopeWS(t, alice, v1.TypeLeaveRoom, v1.LeaveRoomPayload{})
	require.Equal(t, "not_joined", errCode())

	writeEnvelopeWS(t, alice, v1.TypeJoinRoom, v1.JoinRoomPayload{Room: "   "})
	require.Equal(t, "bad_payload", errCode())

	writeEnvelopeWS(t, alice, v1.TypeJoinRoom, v1.JoinRoomPayload{Room: "bad\x00room"})
	require.Equal(t, "invalid_room", errCode())

	mustJoinWS(t, alice, "general")
	writeEnvelopeWS(t, alice, v1.TypeJoinRoom, v1.JoinRoomPayload{Room: "general"})
	require.Equal(t, "already_bound", errCode())

	writeEnvelopeWS(t, alice, v1.TypeSendMessage, v1.SendMessagePayload{Room: "random", Message: "hi"})
	require.Equal(t, "not_joined", errCode())

	writeEnvelopeWS(t, alice, v1.TypeMessage, v1.MessagePayload{Message: "spoof"})
	require.Equal(t, "unsupported", errCode())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, alice.Write(ctx, websocket.MessageText, []byte("{nope")))
	require.Equal(t, "bad_json", errCode())

	require.NoError(t, alice.Write(ctx, websocket.MessageText, []byte(`{"v":"v9","type":"join_room"}`)))
	require.Equal(t, "bad_envelope", errCode())
}

func TestWSGateway_SwitchAndLeave(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	alice, _ := mustConnect(t, env, "alice")
	bob, _ := mustConnect(t, env, "bob")

	mustJoinWS(t, alice, "general")
	mustJoinWS(t, bob, "general")
	readUntilType(t, alice, v1.TypeUserJoined, 4)

	// Bob switches rooms: he is told he left, alice sees him leave.
	writeEnvelopeWS(t, bob, v1.TypeJoinRoom, v1.JoinRoomPayload{Room: "random"})
	left := decodePayload[v1.LeftRoomPayload](t, readUntilType(t, bob, v1.TypeLeftRoom, 4))
	require.Equal(t, "general", left.Room)
	readUntilType(t, bob, v1.TypeJoinedRoom, 4)

	gone := decodePayload[v1.PresencePayload](t, readUntilType(t, alice, v1.TypeUserLeft, 4))
	require.Equal(t, "bob", gone.Username)

	// Messages in general no longer reach bob.
	writeEnvelopeWS(t, alice, v1.TypeSendMessage, v1.SendMessagePayload{Room: "general", Message: "still here?"})
	readUntilType(t, alice, v1.TypeMessage, 4)
	writeEnvelopeWS(t, bob, v1.TypeSendMessage, v1.SendMessagePayload{Room: "random", Message: "elsewhere"})
	bm := decodePayload[v1.MessagePayload](t, readUntilType(t, bob, v1.TypeMessage, 4))
	require.Equal(t, "random", bm.Room)
	require.Equal(t, "elsewhere", bm.Message)

	writeEnvelopeWS(t, bob, v1.TypeLeaveRoom, v1.LeaveRoomPayload{Room: "random"})
	require.Equal(t, "random", decodePayload[v1.LeftRoomPayload](t, readUntilType(t, bob, v1.TypeLeftRoom, 4)).Room)

	require.Eventually(t, func() bool {
		return len(env.hub.Members("random")) == 0 && len(env.hub.Members("general")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSGateway_DisconnectLeavesRoom(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	alice, _ := mustConnect(t, env, "alice")
	bob, _ := mustConnect(t, env, "bob")

	mustJoinWS(t, alice, "general")
	mustJoinWS(t, bob, "general")
	readUntilType(t, alice, v1.TypeUserJoined, 4)

	require.NoError(t, bob.Close(websocket.StatusNormalClosure, "bye"))

	gone := decodePayload[v1.PresencePayload](t, readUntilType(t, alice, v1.TypeUserLeft, 4))
	require.Equal(t, "bob", gone.Username)

	require.Eventually(t, func() bool {
		m := env.hub.Members("general")
		return len(m) == 1 && m[0].Username == "alice"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSGateway_SameUserTwoConnections(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	tab1, h1 := mustConnect(t, env, "alice")
	tab2, h2 := mustConnect(t, env, "alice")
	require.NotEqual(t, h1.SessionID, h2.SessionID)

	mustJoinWS(t, tab1, "general")
	mustJoinWS(t, tab2, "general")

	// The first tab is a different session, so it does see the second tab arrive.
	require.Equal(t, "alice", decodePayload[v1.PresencePayload](t, readUntilType(t, tab1, v1.TypeUserJoined, 4)).Username)

	writeEnvelopeWS(t, tab2, v1.TypeSendMessage, v1.SendMessagePayload{Room: "general", Message: "from tab 2"})
	require.True(t, decodePayload[v1.MessagePayload](t, readUntilType(t, tab1, v1.TypeMessage, 4)).Own)
	require.True(t, decodePayload[v1.MessagePayload](t, readUntilType(t, tab2, v1.TypeMessage, 4)).Own)
}

func TestWSGateway_RateLimited(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *WSConfig) {
		c.RateEvents = 2
		c.RateWindow = time.Minute
	})
	alice, _ := mustConnect(t, env, "alice")

	for i := 0; i < 3; i++ {
		writeEnvelopeWS(t, alice, v1.TypeHistoryFetch, v1.HistoryFetchPayload{Room: "general"})
	}
	readUntilType(t, alice, v1.TypeHistory, 1)
	readUntilType(t, alice, v1.TypeHistory, 1)
	e := decodePayload[v1.ErrorPayload](t, readUntilType(t, alice, v1.TypeError, 1))
	require.Equal(t, "rate_limited", e.Code)
	require.Contains(t, e.Message, "retry in")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := alice.Read(ctx)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestWSGateway_SendFailureReportsCode(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := relay.NewMemoryBroker(log)
	rel, err := relay.New(failingStore{Store: relay.NewInMemoryStore()}, broker, relay.WithLogger(log))
	require.NoError(t, err)
	dir, err := identity.NewStaticDirectory(true)
	require.NoError(t, err)

	cfg := DefaultWSConfig()
	cfg.OriginRequired = false
	gw := NewWSGateway(log, rel, dir, nil, cfg)
	ts := httptest.NewServer(gw)
	t.Cleanup(ts.Close)

	conn, resp, err := dialWS(t, ts.URL, "guest1", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	mustJoinWS(t, conn, "general")
	writeEnvelopeWS(t, conn, v1.TypeSendMessage, v1.SendMessagePayload{Room: "general", Message: "lost"})
	e := decodePayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 4))
	require.Equal(t, "persistence_failure", e.Code)
}

type failingStore struct{ relay.Store }

func (failingStore) Append(context.Context, relay.AppendInput) (relay.Message, error) {
	return relay.Message{}, io.ErrUnexpectedEOF
}
