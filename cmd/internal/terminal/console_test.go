package terminal

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"roomrelay/cmd/internal/relay"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// syncBuffer is an io.Writer safe for the console's writes and the test's reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimRight(b.buf.String(), "\n"), "\n")
}

func (b *syncBuffer) waitFor(t *testing.T, pattern string) {
	t.Helper()
	re := regexp.MustCompile(pattern)
	require.Eventually(t, func() bool {
		for _, l := range b.Lines() {
			if re.MatchString(l) {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "no line matching %q in %q", pattern, b.Lines())
}

type consoleEnv struct {
	relay  *relay.Relay
	broker *relay.MemoryBroker
	store  *relay.InMemoryStore
}

func newConsoleEnv(t *testing.T) *consoleEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := relay.NewMemoryBroker(log)
	store := relay.NewInMemoryStore()
	rel, err := relay.New(store, broker, relay.WithLogger(log))
	require.NoError(t, err)
	return &consoleEnv{relay: rel, broker: broker, store: store}
}

func (e *consoleEnv) session(t *testing.T, username, display string) *relay.Session {
	t.Helper()
	s, err := e.relay.NewSession(relay.Participant{Username: username, DisplayName: display}, relay.SessionOptions{})
	require.NoError(t, err)
	return s
}

func (e *consoleEnv) console(t *testing.T, s *relay.Session, room string, in io.Reader, out io.Writer) *Console {
	t.Helper()
	return &Console{
		Session:  s,
		Room:     room,
		In:       in,
		Out:      out,
		Renderer: Renderer{Self: s.Participant().Username, Location: time.UTC},
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// startConsole runs c in the background; the returned func waits for Run's result.
func startConsole(t *testing.T, ctx context.Context, c *Console) func() error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() error {
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatalf("console did not stop")
			return nil
		}
	}
}

// nextOf skips deliveries until one of kind authored by username arrives.
func nextOf(t *testing.T, ch *relay.Channel, kind relay.EventKind, username string) relay.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		ev, err := ch.Next(ctx)
		require.NoError(t, err)
		if ev.Kind == kind && ev.Username == username {
			return ev
		}
	}
}

func TestConsole_AliceBobConversation(t *testing.T) {
	env := newConsoleEnv(t)
	ctx := context.Background()

	alice := env.session(t, "alice", "Alice Johnson")
	aj, err := alice.Join(ctx, "general")
	require.NoError(t, err)
	_, err = alice.Send(ctx, "hi")
	require.NoError(t, err)

	inR, inW := io.Pipe()
	t.Cleanup(func() { _ = inW.Close() })
	out := &syncBuffer{}
	bob := env.session(t, "bob", "Bob Smith")
	wait := startConsole(t, ctx, env.console(t, bob, "general", inR, out))

	// Replay first, then every broadcast including bob's own join.
	out.waitFor(t, `^\[\d{2}:\d{2}:\d{2}\] alice: hi$`)
	out.waitFor(t, `^\[\d{2}:\d{2}:\d{2}\] \* You joined the room$`)
	nextOf(t, aj.Channel, relay.EventJoined, "bob")

	_, err = io.WriteString(inW, "hello\n")
	require.NoError(t, err)
	out.waitFor(t, `^\[\d{2}:\d{2}:\d{2}\] You: hello$`)

	ev := nextOf(t, aj.Channel, relay.EventMessage, "bob")
	require.Equal(t, "hello", ev.Body)

	_, err = alice.Send(ctx, "welcome")
	require.NoError(t, err)
	out.waitFor(t, `\] alice: welcome$`)

	require.NoError(t, inW.Close())
	require.NoError(t, wait())
	require.Equal(t, relay.Detached, bob.State())
	nextOf(t, aj.Channel, relay.EventLeft, "bob")

	// The replayed message was not rendered a second time.
	n := 0
	for _, l := range out.Lines() {
		if strings.HasSuffix(l, "alice: hi") {
			n++
		}
	}
	require.Equal(t, 1, n)
	require.NoError(t, alice.Leave(ctx))
}

func TestConsole_EOFSkipsBlankLinesAndLeaves(t *testing.T) {
	env := newConsoleEnv(t)
	ctx := context.Background()

	out := &syncBuffer{}
	s := env.session(t, "carol", "")
	c := env.console(t, s, "general", strings.NewReader("first\n\n   \r\nsecond\r\n"), out)
	require.NoError(t, c.Run(ctx))

	require.Equal(t, relay.Detached, s.State())
	msgs, err := env.store.Recent(ctx, "general", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "first", msgs[0].Body)
	require.Equal(t, "second", msgs[1].Body)

	// Sends published before the leave are still drained and rendered.
	out.waitFor(t, `You: first$`)
	out.waitFor(t, `You: second$`)
}

func TestConsole_JoinSwitchesRooms(t *testing.T) {
	env := newConsoleEnv(t)
	ctx := context.Background()

	watcher := env.session(t, "alice", "")
	wj, err := watcher.Join(ctx, "general")
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close(context.Background()) })

	inR, inW := io.Pipe()
	t.Cleanup(func() { _ = inW.Close() })
	out := &syncBuffer{}
	bob := env.session(t, "bob", "")
	wait := startConsole(t, ctx, env.console(t, bob, "general", inR, out))
	nextOf(t, wj.Channel, relay.EventJoined, "bob")

	_, err = io.WriteString(inW, "/join\n/join random\n")
	require.NoError(t, err)
	out.waitFor(t, `^! usage: /join <room>$`)
	nextOf(t, wj.Channel, relay.EventLeft, "bob")
	require.Eventually(t, func() bool { return bob.Room() == "random" }, 3*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(inW, "over here\n")
	require.NoError(t, err)
	out.waitFor(t, `You: over here$`)

	msgs, err := env.store.Recent(ctx, "random", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	general, err := env.store.Recent(ctx, "general", 10)
	require.NoError(t, err)
	require.Empty(t, general)

	_, err = io.WriteString(inW, "/quit\n")
	require.NoError(t, err)
	require.NoError(t, wait())
	require.Equal(t, relay.Detached, bob.State())
}

func TestConsole_CancelStopsBothTasks(t *testing.T) {
	env := newConsoleEnv(t)

	inR, inW := io.Pipe()
	t.Cleanup(func() { _ = inW.Close() })
	out := &syncBuffer{}
	s := env.session(t, "bob", "")

	ctx, cancel := context.WithCancel(context.Background())
	wait := startConsole(t, ctx, env.console(t, s, "general", inR, out))
	out.waitFor(t, `You joined the room$`)

	cancel()
	require.NoError(t, wait())
	require.Equal(t, relay.Detached, s.State())
}

func TestConsole_LostChannelIsReported(t *testing.T) {
	env := newConsoleEnv(t)

	inR, inW := io.Pipe()
	t.Cleanup(func() { _ = inW.Close() })
	out := &syncBuffer{}
	s := env.session(t, "bob", "")
	wait := startConsole(t, context.Background(), env.console(t, s, "general", inR, out))
	out.waitFor(t, `You joined the room$`)

	require.NoError(t, env.broker.Close())
	out.waitFor(t, `^! lost room general \(broker_unavailable\); use /join <room> to rejoin$`)
	require.Eventually(t, func() bool { return s.State() == relay.Detached }, 3*time.Second, 10*time.Millisecond)

	_, err := io.WriteString(inW, "anyone?\n")
	require.NoError(t, err)
	out.waitFor(t, `^! send failed: not_joined$`)

	require.NoError(t, inW.Close())
	require.NoError(t, wait())
}

func TestConsole_JoinFailureIsReturned(t *testing.T) {
	env := newConsoleEnv(t)

	s := env.session(t, "bob", "")
	c := env.console(t, s, "   ", strings.NewReader(""), &syncBuffer{})
	err := c.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, "invalid_room", relay.Code(err))
}

func TestConsole_PeerOnSeparateStoreIsRenderedLive(t *testing.T) {
	envB := newConsoleEnv(t)
	ctx := context.Background()

	// Same broker, separate stores: each process keeps its own message log.
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	relayA, err := relay.New(relay.NewInMemoryStore(), envB.broker, relay.WithLogger(log))
	require.NoError(t, err)

	bobSeed := envB.session(t, "bob", "")
	_, err = bobSeed.Join(ctx, "general")
	require.NoError(t, err)
	for _, body := range []string{"b1", "b2", "b3"} {
		_, err = bobSeed.Send(ctx, body)
		require.NoError(t, err)
	}
	require.NoError(t, bobSeed.Leave(ctx))

	inR, inW := io.Pipe()
	t.Cleanup(func() { _ = inW.Close() })
	out := &syncBuffer{}
	bob := envB.session(t, "bob", "")
	wait := startConsole(t, ctx, envB.console(t, bob, "general", inR, out))
	out.waitFor(t, `You: b3$`)
	out.waitFor(t, `\* You joined the room$`)

	alice, err := relayA.NewSession(relay.Participant{Username: "alice"}, relay.SessionOptions{})
	require.NoError(t, err)
	_, err = alice.Join(ctx, "general")
	require.NoError(t, err)
	_, err = alice.Send(ctx, "live from alice")
	require.NoError(t, err)

	out.waitFor(t, `^\[\d{2}:\d{2}:\d{2}\] alice: live from alice$`)

	require.NoError(t, alice.Leave(ctx))
	require.NoError(t, inW.Close())
	require.NoError(t, wait())
}
