package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

type brokerFactory func(t *testing.T) Broker

func recvPayload(t *testing.T, sub Subscription) string {
	t.Helper()

	select {
	case p, ok := <-sub.Deliveries():
		if !ok {
			t.Fatalf("deliveries closed early (err=%v)", sub.Err())
		}
		return string(p)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for delivery")
		return ""
	}
}

func expectClosed(t *testing.T, sub Subscription) {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.Deliveries():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("deliveries not closed")
		}
	}
}

func uniqueRoom(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func runBrokerContract(t *testing.T, newBroker brokerFactory) {
	t.Run("FanoutInPublishOrder", func(t *testing.T) {
		t.Parallel()
		b := newBroker(t)
		ctx := context.Background()
		room := uniqueRoom("fanout")

		require.NoError(t, b.Declare(ctx, room))
		require.NoError(t, b.Declare(ctx, room), "declare must be idempotent")

		s1, err := b.Subscribe(ctx, room, room+"_alice")
		require.NoError(t, err)
		defer s1.Close()
		s2, err := b.Subscribe(ctx, room, room+"_bob")
		require.NoError(t, err)
		defer s2.Close()

		for i := 0; i < 5; i++ {
			require.NoError(t, b.Publish(ctx, room, []byte(fmt.Sprintf("p%d", i))))
		}
		for _, sub := range []Subscription{s1, s2} {
			for i := 0; i < 5; i++ {
				require.Equal(t, fmt.Sprintf("p%d", i), recvPayload(t, sub))
			}
		}
	})

	t.Run("LateSubscriberMissesEarlierPublish", func(t *testing.T) {
		t.Parallel()
		b := newBroker(t)
		ctx := context.Background()
		room := uniqueRoom("late")

		require.NoError(t, b.Declare(ctx, room))
		require.NoError(t, b.Publish(ctx, room, []byte("before")))

		sub, err := b.Subscribe(ctx, room, room+"_late")
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, b.Publish(ctx, room, []byte("after")))
		require.Equal(t, "after", recvPayload(t, sub))
	})

	t.Run("RoomsDoNotLeak", func(t *testing.T) {
		t.Parallel()
		b := newBroker(t)
		ctx := context.Background()
		a, c := uniqueRoom("room-a"), uniqueRoom("room-c")

		require.NoError(t, b.Declare(ctx, a))
		require.NoError(t, b.Declare(ctx, c))
		sa, err := b.Subscribe(ctx, a, a+"_x")
		require.NoError(t, err)
		defer sa.Close()

		require.NoError(t, b.Publish(ctx, c, []byte("for c")))
		require.NoError(t, b.Publish(ctx, a, []byte("for a")))
		require.Equal(t, "for a", recvPayload(t, sa))
	})

	t.Run("CloseEndsDeliveriesWithoutError", func(t *testing.T) {
		t.Parallel()
		b := newBroker(t)
		ctx := context.Background()
		room := uniqueRoom("close")

		require.NoError(t, b.Declare(ctx, room))
		sub, err := b.Subscribe(ctx, room, room+"_c")
		require.NoError(t, err)

		require.NoError(t, sub.Close())
		require.NoError(t, sub.Close(), "close must be idempotent")
		expectClosed(t, sub)
		require.NoError(t, sub.Err())

		// Publishing after every endpoint left is not an error.
		require.NoError(t, b.Publish(ctx, room, []byte("nobody")))
	})
}

func TestMemoryBroker_Contract(t *testing.T) {
	t.Parallel()
	runBrokerContract(t, func(t *testing.T) Broker {
		b := NewMemoryBroker(testLogger())
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestMemoryBroker_SlowConsumerIsEvicted(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker(testLogger(), WithMemoryBuffer(2))
	defer b.Close()
	ctx := context.Background()

	slow, err := b.Subscribe(ctx, "general", "slow")
	require.NoError(t, err)
	fast, err := b.Subscribe(ctx, "general", "fast")
	require.NoError(t, err)
	defer fast.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, "general", []byte(fmt.Sprintf("p%d", i))))
		require.Equal(t, fmt.Sprintf("p%d", i), recvPayload(t, fast))
	}

	// The two buffered payloads stay readable, then the channel ends with the eviction reason.
	require.Equal(t, "p0", recvPayload(t, slow))
	require.Equal(t, "p1", recvPayload(t, slow))
	expectClosed(t, slow)
	require.ErrorIs(t, slow.Err(), ErrSlowConsumer)
	require.NoError(t, slow.Close())
}

func TestMemoryBroker_DuplicateEndpointRejected(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker(testLogger())
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "general", "alice_general")
	require.NoError(t, err)
	defer sub.Close()

	_, err = b.Subscribe(ctx, "general", "alice_general")
	require.ErrorIs(t, err, ErrAlreadyBound)
}

func TestMemoryBroker_CloseEndsSubscriptions(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker(testLogger())
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "general", "a")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	expectClosed(t, sub)
	require.ErrorIs(t, sub.Err(), ErrBrokerUnavailable)

	err = b.Publish(ctx, "general", []byte("x"))
	require.True(t, errors.Is(err, ErrBrokerUnavailable), "got %v", err)
	require.NoError(t, sub.Close())
}

func TestAMQPBroker_Contract(t *testing.T) {
	t.Parallel()
	url := integrationURL(t, "RELAY_TEST_AMQP_URL")

	runBrokerContract(t, func(t *testing.T) Broker {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		b, err := DialAMQP(ctx, url, testLogger(), WithExchangePrefix("relay-it."))
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestRedisBroker_Contract(t *testing.T) {
	t.Parallel()
	url := integrationURL(t, "RELAY_TEST_REDIS_URL")

	runBrokerContract(t, func(t *testing.T) Broker {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		b, err := DialRedis(ctx, url, 0)
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestNATSBroker_Contract(t *testing.T) {
	t.Parallel()
	url := integrationURL(t, "RELAY_TEST_NATS_URL")

	runBrokerContract(t, func(t *testing.T) Broker {
		b, err := DialNATS(url, testLogger(), 0)
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestNATSBroker_SlowConsumerEndsSubscription(t *testing.T) {
	t.Parallel()
	url := integrationURL(t, "RELAY_TEST_NATS_URL")

	b, err := DialNATS(url, testLogger(), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	room := uniqueRoom("nats-slow")
	sub, err := b.Subscribe(ctx, room, "slow-reader")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	for i := 0; i < 200; i++ {
		require.NoError(t, b.Publish(ctx, room, []byte(fmt.Sprintf("m%d", i))))
	}
	require.NoError(t, b.nc.Flush())

	// Never reading is not allowed to look like a quiet room: the subscription ends with a kind.
	expectClosed(t, sub)
	require.ErrorIs(t, sub.Err(), ErrSlowConsumer)
}

func TestNATSEndErr(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, natsEndErr(nats.ErrSlowConsumer), ErrSlowConsumer)
	require.ErrorIs(t, natsEndErr(fmt.Errorf("next: %w", nats.ErrSlowConsumer)), ErrSlowConsumer)
	require.ErrorIs(t, natsEndErr(nats.ErrConnectionClosed), ErrBrokerUnavailable)
	require.ErrorIs(t, natsEndErr(nats.ErrBadSubscription), ErrBrokerUnavailable)
}

func TestNATSSubject_EncodesWildcards(t *testing.T) {
	t.Parallel()

	got := natsSubject("a.b *>")
	require.True(t, strings.HasPrefix(got, natsSubjectPrefix))
	require.NotContains(t, strings.TrimPrefix(got, natsSubjectPrefix), ".")
	require.NotEqual(t, natsSubject("a.b"), natsSubject("a_b"))
}

func integrationURL(t *testing.T, key string) string {
	t.Helper()

	url := strings.TrimSpace(os.Getenv(key))
	if url == "" {
		t.Skipf("%s not set; skipping broker integration tests", key)
	}
	return url
}
