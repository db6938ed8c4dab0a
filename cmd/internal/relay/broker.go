package relay

import (
	"context"
)

// RoutingKeyAll is the single binding key every endpoint of a room uses, so a publish reaches all of them.
const RoutingKeyAll = "all"

// defaultDeliveryBuffer bounds the per-subscription delivery queue when a broker is not configured otherwise.
const defaultDeliveryBuffer = 256

// Broker is the fanout transport. One broadcast exchange exists per room; each bound endpoint is an
// exclusive queue that receives every payload published to the room after the bind completed.
//
// Requirements:
//   - Declare is idempotent.
//   - Subscribe returns only after the endpoint is bound, so no later publish is missed.
//   - Publish delivers to every endpoint bound at the time of the publish, each in publish order.
type Broker interface {
	Declare(ctx context.Context, room string) error
	Subscribe(ctx context.Context, room, endpoint string) (Subscription, error)
	Publish(ctx context.Context, room string, payload []byte) error
	Close() error
}

// Subscription is one bound endpoint.
//
// Deliveries is closed after Close, after the broker dropped the endpoint (see Err), or after the
// underlying connection was lost. Items buffered before that remain readable.
type Subscription interface {
	Deliveries() <-chan []byte
	// Err returns why the subscription ended on the broker side (nil after a local Close).
	Err() error
	Close() error
}
