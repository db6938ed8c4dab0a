package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Room is a live room handle. It is stable for the lifetime of a Registry.
type Room struct {
	Name string

	// sendMu orders append+publish of messages sent through this process.
	sendMu sync.Mutex
}

// Registry ensures room exchanges exist and publishes events onto them.
//
// Concurrent EnsureRoom calls for the same name share a single broker declaration.
type Registry struct {
	log     *slog.Logger
	broker  Broker
	metrics *Metrics

	group singleflight.Group

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry constructs a Registry over broker.
func NewRegistry(log *slog.Logger, broker Broker, metrics *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		broker:  broker,
		metrics: metrics,
		rooms:   make(map[string]*Room),
	}
}

func (r *Registry) lookup(name string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[name]
}

// EnsureRoom declares the room's exchange once per process and returns its handle.
func (r *Registry) EnsureRoom(ctx context.Context, name string) (*Room, error) {
	name, err := NormalizeRoom(name)
	if err != nil {
		return nil, err
	}
	if room := r.lookup(name); room != nil {
		return room, nil
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		if room := r.lookup(name); room != nil {
			return room, nil
		}
		if err := r.broker.Declare(ctx, name); err != nil {
			return nil, opErr("relay.EnsureRoom", ErrBrokerUnavailable, err)
		}
		room := &Room{Name: name}
		r.mu.Lock()
		r.rooms[name] = room
		r.mu.Unlock()

		r.metrics.roomDeclared()
		r.log.Info("relay.room.declared", "room", name)
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

// Rooms returns the names of rooms this process has declared.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		out = append(out, name)
	}
	return out
}

// Publish encodes ev and publishes it on the room exchange.
func (r *Registry) Publish(ctx context.Context, room *Room, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return opErr("relay.Publish", ErrBrokerUnavailable, err)
	}
	err = r.broker.Publish(ctx, room.Name, payload)
	r.metrics.observePublish(ev.Kind, err)
	if err != nil {
		r.log.Warn("relay.publish.failed", "room", room.Name, "kind", ev.Kind, "err", err)
		return opErr("relay.Publish", ErrBrokerUnavailable, err)
	}
	return nil
}
