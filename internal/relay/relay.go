// Package relay mirrors what happens to the shared document onto a Redis
// pub/sub channel so other processes can follow along.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

// Event kinds.
const (
	KindOperation = "operation"
	KindPresence  = "presence"
	KindOwnership = "ownership"
	KindLoad      = "load"
)

// Event is one published fact about the document.
type Event struct {
	Kind    string          `json:"kind"`
	User    string          `json:"user,omitempty"`
	Version uint64          `json:"version"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(ev Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

type Options struct {
	Addr    string
	Channel string
	// QueueSize bounds the events waiting to be sent; newer events are
	// dropped when it is full.
	QueueSize int
}

// Redis publishes events on a Redis channel from a background loop.
type Redis struct {
	client  *redis.Client
	channel string
	queue   chan Event
	log     logr.Logger
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, opts Options, log logr.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", opts.Addr, err)
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Redis{
		client:  client,
		channel: opts.Channel,
		queue:   make(chan Event, size),
		log:     log.WithName("relay").WithValues("channel", opts.Channel),
	}, nil
}

func (r *Redis) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case r.queue <- ev:
	default:
		r.log.Info("relay queue full, dropping event", "kind", ev.Kind, "version", ev.Version)
	}
}

// Run sends queued events until ctx is done.
func (r *Redis) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.queue:
			buf, err := json.Marshal(ev)
			if err != nil {
				r.log.Error(err, "encoding event", "kind", ev.Kind)
				continue
			}
			if err := r.client.Publish(ctx, r.channel, buf).Err(); err != nil {
				r.log.Error(err, "publishing event", "kind", ev.Kind)
			}
		}
	}
}

// Tail subscribes to the channel and hands every event to fn until ctx is
// done or fn fails.
func (r *Redis) Tail(ctx context.Context, fn func(Event) error) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}
	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Error(err, "skipping undecodable event")
				continue
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
